package rules

import (
	"fmt"
	"net/netip"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"aegisflux/nets/internal/model"
)

// Action kinds
const (
	ActionAlert      = "alert"
	ActionQuarantine = "quarantine"
)

// MaxMatchInput bounds the string length a `matches` comparison accepts
const MaxMatchInput = 4096

// evalCtx carries per-flow state through one rule evaluation
type evalCtx struct {
	flow   *model.NormalizedFlow
	counts map[windowKey]uint64
}

type boolFn func(ec *evalCtx) (bool, error)

// numFn returns false when the operand is absent
type numFn func(ec *evalCtx) (float64, bool, error)

// observer feeds a window counter before the condition runs, so
// short-circuiting never skips an observation
type observer struct {
	key   windowKey
	match func(f *model.NormalizedFlow) bool
}

// Action is the compiled right-hand side of a clause
type Action struct {
	Kind     string
	Message  string
	Severity model.Severity
	Duration time.Duration
}

// Clause is one compiled `when <expr> -> <action>` line
type Clause struct {
	Text   string
	Line   int
	Action Action
	cond   boolFn
}

// Rule is a compiled rule ready for evaluation
type Rule struct {
	ID              string
	File            string
	Severity        model.Severity
	Summary         string
	Rationale       string
	SuggestedAction string
	Clauses         []*Clause
	observers       []observer
}

// Source is one named piece of rule text
type Source struct {
	Name string
	Text string
}

type compiler struct {
	file string
	rule *ruleDecl
	errs []*CompileError
	obs  map[windowKey]observer
	keys []windowKey
}

// compileSources parses and type-checks every source. Any error rejects
// the whole set.
func compileSources(sources []Source) ([]*Rule, []*CompileError) {
	var (
		rules []*Rule
		errs  []*CompileError
		seen  = make(map[string]string)
	)
	for _, src := range sources {
		decls, perrs := parse(src.Text)
		for _, e := range perrs {
			e.File = src.Name
		}
		fileErrs := perrs

		for _, decl := range decls {
			c := &compiler{file: src.Name, rule: decl, obs: make(map[windowKey]observer)}
			rule := c.compileRule()
			if prev, dup := seen[decl.ID]; dup {
				c.errorf(decl.Pos, "", "duplicate rule id %q (first defined in %s)", decl.ID, prev)
			}
			seen[decl.ID] = src.Name
			fileErrs = append(fileErrs, c.errs...)
			if len(c.errs) == 0 {
				rules = append(rules, rule)
			}
		}
		sort.SliceStable(fileErrs, func(i, j int) bool {
			if fileErrs[i].Line != fileErrs[j].Line {
				return fileErrs[i].Line < fileErrs[j].Line
			}
			return fileErrs[i].Col < fileErrs[j].Col
		})
		errs = append(errs, fileErrs...)
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return rules, nil
}

func (c *compiler) errorf(pos Pos, field, format string, args ...interface{}) {
	c.errs = append(c.errs, &CompileError{
		File:   c.file,
		Pos:    pos,
		RuleID: c.rule.ID,
		Field:  field,
		Msg:    fmt.Sprintf(format, args...),
	})
}

func (c *compiler) compileRule() *Rule {
	d := c.rule
	rule := &Rule{
		ID:              d.ID,
		File:            c.file,
		Summary:         d.Summary,
		Rationale:       d.Rationale,
		SuggestedAction: d.Suggest,
		Severity:        model.SeverityMedium,
	}
	if d.Severity != "" {
		sev, ok := model.ParseSeverity(d.Severity)
		if !ok {
			c.errorf(d.SevPos, "severity", "unknown severity %q (want low, medium, high or critical)", d.Severity)
		}
		rule.Severity = sev
	}
	if rule.Summary == "" {
		rule.Summary = d.ID
	}
	if len(d.Clauses) == 0 {
		c.errorf(d.Pos, "", "rule %q has no 'when' clause", d.ID)
	}

	for _, cl := range d.Clauses {
		cond := c.boolExpr(cl.Cond)
		action := c.action(cl.Action, rule)
		rule.Clauses = append(rule.Clauses, &Clause{
			Text:   cl.Text,
			Line:   cl.Pos.Line,
			Action: action,
			cond:   cond,
		})
	}
	for _, k := range c.keys {
		rule.observers = append(rule.observers, c.obs[k])
	}
	return rule
}

func (c *compiler) action(n *callNode, rule *Rule) Action {
	switch n.Name {
	case ActionAlert:
		a := Action{Kind: ActionAlert, Severity: rule.Severity}
		if len(n.Args) > 2 {
			c.errorf(n.Pos, "", "alert takes at most 2 arguments (message, severity)")
			return a
		}
		if len(n.Args) >= 1 {
			lit, ok := n.Args[0].(*literal)
			if !ok || lit.Kind != litString {
				c.errorf(n.Args[0].position(), "", "alert message must be a string")
			} else {
				a.Message = lit.Text
			}
		}
		if len(n.Args) == 2 {
			a.Severity = c.severityArg(n.Args[1])
		}
		return a
	case ActionQuarantine:
		a := Action{Kind: ActionQuarantine, Severity: rule.Severity}
		if len(n.Args) != 1 {
			c.errorf(n.Pos, "", "quarantine takes exactly 1 argument (duration)")
			return a
		}
		a.Duration = c.durationArg(n.Args[0])
		return a
	}
	c.errorf(n.Pos, "", "unknown action %q (want alert or quarantine)", n.Name)
	return Action{}
}

func (c *compiler) severityArg(n node) model.Severity {
	var text string
	switch v := n.(type) {
	case *literal:
		text = v.Text
	case *fieldNode:
		text = v.Name
	}
	sev, ok := model.ParseSeverity(text)
	if !ok {
		c.errorf(n.position(), "", "unknown severity %q", text)
	}
	return sev
}

func (c *compiler) durationArg(n node) time.Duration {
	lit, ok := n.(*literal)
	if !ok || (lit.Kind != litDuration && lit.Kind != litString) {
		c.errorf(n.position(), "", "expected a duration such as 300s or \"5m\"")
		return 0
	}
	d, err := time.ParseDuration(lit.Text)
	if err != nil || d <= 0 {
		c.errorf(lit.Pos, "", "invalid duration %q", lit.Text)
		return 0
	}
	return d
}

func (c *compiler) numberArg(n node) float64 {
	lit, ok := n.(*literal)
	if !ok || lit.Kind != litNumber {
		c.errorf(n.position(), "", "expected a number")
		return 0
	}
	v, err := strconv.ParseFloat(lit.Text, 64)
	if err != nil {
		c.errorf(lit.Pos, "", "invalid number %q", lit.Text)
	}
	return v
}

func (c *compiler) field(n *fieldNode) *fieldDef {
	def, ok := schema[n.Name]
	if !ok {
		c.errorf(n.Pos, n.Name, "unknown field")
		return nil
	}
	return def
}

func (c *compiler) boolExpr(n node) boolFn {
	switch v := n.(type) {
	case *binaryNode:
		left, right := c.boolExpr(v.Left), c.boolExpr(v.Right)
		if v.Op == "and" {
			return func(ec *evalCtx) (bool, error) {
				ok, err := left(ec)
				if err != nil || !ok {
					return false, err
				}
				return right(ec)
			}
		}
		return func(ec *evalCtx) (bool, error) {
			ok, err := left(ec)
			if err != nil || ok {
				return ok, err
			}
			return right(ec)
		}
	case *notNode:
		inner := c.boolExpr(v.X)
		return func(ec *evalCtx) (bool, error) {
			ok, err := inner(ec)
			return !ok, err
		}
	case *compareNode:
		return c.compare(v)
	case *callNode:
		return c.boolCall(v)
	case *fieldNode:
		def := c.field(v)
		if def == nil {
			return constFalse
		}
		if def.typ != TypeBool {
			c.errorf(v.Pos, v.Name, "%s field used as a condition, compare it with a literal", def.typ)
			return constFalse
		}
		return func(ec *evalCtx) (bool, error) {
			val, ok := def.get(ec.flow)
			return ok && val.b, nil
		}
	}
	c.errorf(n.position(), "", "expected a condition")
	return constFalse
}

func constFalse(*evalCtx) (bool, error) { return false, nil }

func (c *compiler) compare(n *compareNode) boolFn {
	if call, ok := n.Left.(*callNode); ok {
		num := c.numCall(call)
		return c.numericCompare(n, num)
	}
	f := n.Left.(*fieldNode)
	def := c.field(f)
	if def == nil {
		return constFalse
	}

	switch n.Op {
	case "==", "!=":
		want, ok := c.scalar(def, n.Right)
		if !ok {
			return constFalse
		}
		negate := n.Op == "!="
		return func(ec *evalCtx) (bool, error) {
			got, present := def.get(ec.flow)
			if !present {
				return negate, nil
			}
			return equal(def.typ, got, want) != negate, nil
		}
	case "in":
		return c.membership(def, n.Right)
	case "matches":
		return c.matches(def, n)
	case "<", "<=", ">", ">=":
		if def.typ != TypeNumber {
			c.errorf(n.Pos, def.name, "comparator %s requires a number field, %s is %s", n.Op, def.name, def.typ)
			return constFalse
		}
		return c.numericCompare(n, func(ec *evalCtx) (float64, bool, error) {
			v, ok := def.get(ec.flow)
			return v.n, ok, nil
		})
	}
	c.errorf(n.Pos, def.name, "unknown comparator %q", n.Op)
	return constFalse
}

func (c *compiler) numericCompare(n *compareNode, left numFn) boolFn {
	if left == nil {
		return constFalse
	}
	if n.Right.Kind != litNumber {
		c.errorf(n.Right.Pos, "", "expected a number after %s", n.Op)
		return constFalse
	}
	want, err := strconv.ParseFloat(n.Right.Text, 64)
	if err != nil {
		c.errorf(n.Right.Pos, "", "invalid number %q", n.Right.Text)
		return constFalse
	}

	var cmp func(a, b float64) bool
	switch n.Op {
	case "==":
		cmp = func(a, b float64) bool { return a == b }
	case "!=":
		cmp = func(a, b float64) bool { return a != b }
	case "<":
		cmp = func(a, b float64) bool { return a < b }
	case "<=":
		cmp = func(a, b float64) bool { return a <= b }
	case ">":
		cmp = func(a, b float64) bool { return a > b }
	case ">=":
		cmp = func(a, b float64) bool { return a >= b }
	default:
		c.errorf(n.Pos, "", "comparator %s is not numeric", n.Op)
		return constFalse
	}
	negate := n.Op == "!="
	return func(ec *evalCtx) (bool, error) {
		got, present, err := left(ec)
		if err != nil {
			return false, err
		}
		if !present {
			return negate, nil
		}
		return cmp(got, want), nil
	}
}

// scalar converts a literal to the field's type
func (c *compiler) scalar(def *fieldDef, lit *literal) (value, bool) {
	switch def.typ {
	case TypeString:
		if lit.Kind == litString || lit.Kind == litWord {
			return value{s: lit.Text}, true
		}
	case TypeNumber:
		if lit.Kind == litNumber {
			n, err := strconv.ParseFloat(lit.Text, 64)
			if err == nil {
				return value{n: n}, true
			}
		}
	case TypeBool:
		if lit.Kind == litBool {
			return value{b: lit.Text == "true"}, true
		}
	case TypeIP:
		if lit.Kind == litString {
			if a, err := netip.ParseAddr(lit.Text); err == nil {
				return value{ip: a.Unmap()}, true
			}
			c.errorf(lit.Pos, def.name, "invalid ip address %q", lit.Text)
			return value{}, false
		}
	}
	c.errorf(lit.Pos, def.name, "cannot compare %s field with %s", def.typ, describeLiteral(lit))
	return value{}, false
}

func describeLiteral(lit *literal) string {
	switch lit.Kind {
	case litString:
		return fmt.Sprintf("string %q", lit.Text)
	case litNumber:
		return "number " + lit.Text
	case litDuration:
		return "duration " + lit.Text
	case litBool:
		return "bool " + lit.Text
	case litList:
		return "a list"
	}
	return lit.Text
}

func equal(typ FieldType, a, b value) bool {
	switch typ {
	case TypeNumber:
		return a.n == b.n
	case TypeIP:
		return a.ip == b.ip
	case TypeBool:
		return a.b == b.b
	}
	return a.s == b.s
}

func (c *compiler) membership(def *fieldDef, lit *literal) boolFn {
	if lit.Kind != litList {
		c.errorf(lit.Pos, def.name, "'in' requires a list, found %s", describeLiteral(lit))
		return constFalse
	}

	if def.typ == TypeIP {
		var prefixes []netip.Prefix
		for _, item := range lit.Items {
			if item.Kind != litString {
				c.errorf(item.Pos, def.name, "ip list entries must be strings")
				continue
			}
			if strings.Contains(item.Text, "/") {
				p, err := netip.ParsePrefix(item.Text)
				if err != nil {
					c.errorf(item.Pos, def.name, "invalid prefix %q", item.Text)
					continue
				}
				prefixes = append(prefixes, p.Masked())
				continue
			}
			a, err := netip.ParseAddr(item.Text)
			if err != nil {
				c.errorf(item.Pos, def.name, "invalid ip address %q", item.Text)
				continue
			}
			a = a.Unmap()
			prefixes = append(prefixes, netip.PrefixFrom(a, a.BitLen()))
		}
		return func(ec *evalCtx) (bool, error) {
			got, present := def.get(ec.flow)
			if !present {
				return false, nil
			}
			for _, p := range prefixes {
				if p.Contains(got.ip) {
					return true, nil
				}
			}
			return false, nil
		}
	}

	set := make([]value, 0, len(lit.Items))
	for _, item := range lit.Items {
		if v, ok := c.scalar(def, item); ok {
			set = append(set, v)
		}
	}
	return func(ec *evalCtx) (bool, error) {
		got, present := def.get(ec.flow)
		if !present {
			return false, nil
		}
		for _, v := range set {
			if equal(def.typ, got, v) {
				return true, nil
			}
		}
		return false, nil
	}
}

func (c *compiler) matches(def *fieldDef, n *compareNode) boolFn {
	if def.typ != TypeString {
		c.errorf(n.Pos, def.name, "'matches' requires a string field, %s is %s", def.name, def.typ)
		return constFalse
	}
	if n.Right.Kind != litString {
		c.errorf(n.Right.Pos, def.name, "'matches' requires a string pattern")
		return constFalse
	}
	re, err := regexp.Compile(n.Right.Text)
	if err != nil {
		c.errorf(n.Right.Pos, def.name, "invalid regular expression: %v", err)
		return constFalse
	}
	return func(ec *evalCtx) (bool, error) {
		got, present := def.get(ec.flow)
		if !present {
			return false, nil
		}
		if len(got.s) > MaxMatchInput {
			return false, fmt.Errorf("%s value of %d bytes exceeds match limit %d", def.name, len(got.s), MaxMatchInput)
		}
		return re.MatchString(got.s), nil
	}
}
