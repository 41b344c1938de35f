package rules

// ruleDecl is the parsed, unchecked form of one rule
type ruleDecl struct {
	ID        string
	Pos       Pos
	Summary   string
	Severity  string
	SevPos    Pos
	Rationale string
	Suggest   string
	Clauses   []*clauseDecl
}

type clauseDecl struct {
	Pos    Pos
	Cond   node
	Action *callNode
	Text   string
}

type node interface {
	position() Pos
}

type binaryNode struct {
	Op    string // and, or
	Left  node
	Right node
	Pos   Pos
}

type notNode struct {
	X   node
	Pos Pos
}

// compareNode is `operand comparator literal`
type compareNode struct {
	Left  node // *fieldNode or *callNode
	Op    string
	Right *literal
	Pos   Pos
}

type fieldNode struct {
	Name string
	Pos  Pos
}

type callNode struct {
	Name string
	Args []node
	Pos  Pos
}

type literalKind int

const (
	litString literalKind = iota
	litNumber
	litDuration
	litBool
	litWord
	litList
)

type literal struct {
	Kind  literalKind
	Text  string
	Items []*literal
	Pos   Pos
}

func (n *binaryNode) position() Pos  { return n.Pos }
func (n *notNode) position() Pos     { return n.Pos }
func (n *compareNode) position() Pos { return n.Pos }
func (n *fieldNode) position() Pos   { return n.Pos }
func (n *callNode) position() Pos    { return n.Pos }
func (n *literal) position() Pos     { return n.Pos }
