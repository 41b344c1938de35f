package rules

import (
	"fmt"
	"strings"
)

type parser struct {
	toks []token
	pos  int
	errs []*CompileError
}

// parse turns rule source into declarations. Syntax errors skip to the
// next `rule` keyword so one pass reports every broken rule.
func parse(src string) ([]*ruleDecl, []*CompileError) {
	toks, lexErr := newLexer(src).tokens()
	if lexErr != nil {
		return nil, []*CompileError{lexErr}
	}

	p := &parser{toks: toks}
	var decls []*ruleDecl
	for p.peek().kind != tokEOF {
		if !p.isKeyword("rule") {
			p.fail(p.peek().pos, fmt.Sprintf("expected 'rule', found %s", p.peek().describe()))
			p.next()
			p.skipToNextRule()
			continue
		}
		if decl := p.rule(); decl != nil {
			decls = append(decls, decl)
		} else {
			p.skipToNextRule()
		}
	}
	return decls, p.errs
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) isKeyword(word string) bool {
	t := p.peek()
	return t.kind == tokIdent && t.text == word
}

func (p *parser) fail(pos Pos, msg string) {
	p.errs = append(p.errs, &CompileError{Pos: pos, Msg: msg})
}

type syntaxError struct {
	pos Pos
	msg string
}

func (p *parser) expect(kind tokenKind) token {
	t := p.next()
	if t.kind != kind {
		panic(syntaxError{t.pos, fmt.Sprintf("expected %s, found %s", kind, t.describe())})
	}
	return t
}

func (p *parser) skipToNextRule() {
	for p.peek().kind != tokEOF && !p.isKeyword("rule") {
		p.next()
	}
}

var metadataKeys = map[string]bool{
	"summary": true, "severity": true, "rationale": true, "suggest": true, "when": true,
}

func (p *parser) rule() (decl *ruleDecl) {
	defer func() {
		if r := recover(); r != nil {
			se, ok := r.(syntaxError)
			if !ok {
				panic(r)
			}
			p.fail(se.pos, se.msg)
			decl = nil
		}
	}()

	start := p.next()
	id := p.expect(tokIdent)
	if metadataKeys[id.text] || id.text == "rule" {
		panic(syntaxError{id.pos, fmt.Sprintf("rule id %q is a reserved word", id.text)})
	}
	decl = &ruleDecl{ID: id.text, Pos: start.pos}

	for p.peek().kind != tokEOF && !p.isKeyword("rule") {
		key := p.expect(tokIdent)
		switch key.text {
		case "summary":
			decl.Summary = p.expect(tokString).text
		case "rationale":
			decl.Rationale = p.expect(tokString).text
		case "suggest":
			decl.Suggest = p.expect(tokString).text
		case "severity":
			t := p.next()
			if t.kind != tokIdent && t.kind != tokString {
				panic(syntaxError{t.pos, fmt.Sprintf("expected severity, found %s", t.describe())})
			}
			decl.Severity, decl.SevPos = t.text, t.pos
		case "when":
			decl.Clauses = append(decl.Clauses, p.clause(key.pos))
		default:
			panic(syntaxError{key.pos, fmt.Sprintf("unknown rule attribute %q", key.text)})
		}
	}
	return decl
}

func (p *parser) clause(pos Pos) *clauseDecl {
	startTok := p.pos
	cond := p.orExpr()
	text := p.sourceText(startTok, p.pos)
	p.expect(tokArrow)

	name := p.expect(tokIdent)
	action := &callNode{Name: name.text, Pos: name.pos}
	if p.peek().kind == tokLParen {
		action.Args = p.args()
	}
	return &clauseDecl{Pos: pos, Cond: cond, Action: action, Text: text}
}

func (p *parser) sourceText(from, to int) string {
	parts := make([]string, 0, to-from)
	for _, t := range p.toks[from:to] {
		if t.kind == tokString {
			parts = append(parts, fmt.Sprintf("%q", t.text))
		} else {
			parts = append(parts, t.text)
		}
	}
	return strings.Join(parts, " ")
}

func (p *parser) orExpr() node {
	left := p.andExpr()
	for p.isKeyword("or") {
		t := p.next()
		left = &binaryNode{Op: "or", Left: left, Right: p.andExpr(), Pos: t.pos}
	}
	return left
}

func (p *parser) andExpr() node {
	left := p.unary()
	for p.isKeyword("and") {
		t := p.next()
		left = &binaryNode{Op: "and", Left: left, Right: p.unary(), Pos: t.pos}
	}
	return left
}

func (p *parser) unary() node {
	if p.isKeyword("not") {
		t := p.next()
		return &notNode{X: p.unary(), Pos: t.pos}
	}
	return p.atom()
}

func (p *parser) atom() node {
	t := p.peek()
	if t.kind == tokLParen {
		p.next()
		inner := p.orExpr()
		p.expect(tokRParen)
		return inner
	}

	name := p.expect(tokIdent)
	if reserved[name.text] {
		panic(syntaxError{name.pos, fmt.Sprintf("unexpected keyword %q", name.text)})
	}

	var operand node
	if p.peek().kind == tokLParen {
		operand = &callNode{Name: name.text, Args: p.args(), Pos: name.pos}
	} else {
		operand = &fieldNode{Name: name.text, Pos: name.pos}
	}

	op, ok := p.comparator()
	if !ok {
		return operand
	}
	return &compareNode{Left: operand, Op: op.text, Right: p.literal(), Pos: op.pos}
}

var reserved = map[string]bool{
	"and": true, "or": true, "not": true, "in": true, "matches": true, "when": true, "rule": true,
}

func (p *parser) comparator() (token, bool) {
	t := p.peek()
	if t.kind == tokCompare || (t.kind == tokIdent && (t.text == "in" || t.text == "matches")) {
		return p.next(), true
	}
	return t, false
}

func (p *parser) args() []node {
	p.expect(tokLParen)
	var args []node
	if p.peek().kind == tokRParen {
		p.next()
		return args
	}
	for {
		t := p.peek()
		if t.kind == tokIdent && !isLiteralWord(t.text) {
			p.next()
			args = append(args, &fieldNode{Name: t.text, Pos: t.pos})
		} else {
			args = append(args, p.literal())
		}
		sep := p.next()
		if sep.kind == tokRParen {
			return args
		}
		if sep.kind != tokComma {
			panic(syntaxError{sep.pos, fmt.Sprintf("expected ',' or ')', found %s", sep.describe())})
		}
	}
}

func isLiteralWord(s string) bool {
	return s == "true" || s == "false"
}

func (p *parser) literal() *literal {
	t := p.next()
	switch t.kind {
	case tokString:
		return &literal{Kind: litString, Text: t.text, Pos: t.pos}
	case tokNumber:
		return &literal{Kind: litNumber, Text: t.text, Pos: t.pos}
	case tokDuration:
		return &literal{Kind: litDuration, Text: t.text, Pos: t.pos}
	case tokIdent:
		if isLiteralWord(t.text) {
			return &literal{Kind: litBool, Text: t.text, Pos: t.pos}
		}
		return &literal{Kind: litWord, Text: t.text, Pos: t.pos}
	case tokLBrack:
		list := &literal{Kind: litList, Pos: t.pos}
		if p.peek().kind == tokRBrack {
			p.next()
			return list
		}
		for {
			item := p.literal()
			if item.Kind == litList {
				panic(syntaxError{item.Pos, "nested lists are not supported"})
			}
			list.Items = append(list.Items, item)
			sep := p.next()
			if sep.kind == tokRBrack {
				return list
			}
			if sep.kind != tokComma {
				panic(syntaxError{sep.pos, fmt.Sprintf("expected ',' or ']', found %s", sep.describe())})
			}
		}
	}
	panic(syntaxError{t.pos, fmt.Sprintf("expected literal, found %s", t.describe())})
}
