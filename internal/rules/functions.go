package rules

import (
	"sort"
	"time"

	"aegisflux/nets/internal/model"
)

// Function names understood by the compiler
var functions = map[string]string{
	"lan":      "lan(ip_field) -> bool",
	"listener": "listener([port]) -> bool",
	"rate":     "rate(field, window, threshold) -> bool",
	"burst":    "burst(tag, window) -> number",
}

const minWindow = time.Second

func (c *compiler) boolCall(n *callNode) boolFn {
	switch n.Name {
	case "lan":
		return c.lan(n)
	case "listener":
		return c.listener(n)
	case "rate":
		return c.rate(n)
	case "burst":
		c.errorf(n.Pos, "", "burst returns a number, compare it (e.g. burst(\"smb\", 60s) > 20)")
		return constFalse
	}
	c.unknownFunction(n)
	return constFalse
}

func (c *compiler) numCall(n *callNode) numFn {
	switch n.Name {
	case "burst":
		return c.burst(n)
	case "lan", "listener", "rate":
		c.errorf(n.Pos, "", "%s returns bool and cannot be compared", n.Name)
		return nil
	}
	c.unknownFunction(n)
	return nil
}

func (c *compiler) unknownFunction(n *callNode) {
	c.errorf(n.Pos, "", "unknown function %q", n.Name)
}

func (c *compiler) arity(n *callNode, min, max int) bool {
	if len(n.Args) < min || len(n.Args) > max {
		c.errorf(n.Pos, "", "wrong number of arguments, usage: %s", functions[n.Name])
		return false
	}
	return true
}

func (c *compiler) lan(n *callNode) boolFn {
	if !c.arity(n, 1, 1) {
		return constFalse
	}
	f, ok := n.Args[0].(*fieldNode)
	if !ok {
		c.errorf(n.Args[0].position(), "", "lan expects an ip field such as src.ip")
		return constFalse
	}
	def := c.field(f)
	if def == nil {
		return constFalse
	}
	if def.typ != TypeIP {
		c.errorf(f.Pos, f.Name, "lan expects an ip field, %s is %s", f.Name, def.typ)
		return constFalse
	}
	return func(ec *evalCtx) (bool, error) {
		v, ok := def.get(ec.flow)
		return ok && model.IsLocalScope(v.ip), nil
	}
}

func (c *compiler) listener(n *callNode) boolFn {
	if !c.arity(n, 0, 1) {
		return constFalse
	}
	var port float64
	if len(n.Args) == 1 {
		port = c.numberArg(n.Args[0])
		if port < 0 || port > 65535 {
			c.errorf(n.Args[0].position(), "", "port %v out of range", port)
		}
	}
	return func(ec *evalCtx) (bool, error) {
		f := ec.flow
		if f.State != model.StateListen || f.Direction != model.DirectionInbound {
			return false, nil
		}
		return port == 0 || float64(f.Key.DstPort) == port, nil
	}
}

// windowArg accepts 300s or "5m"
func (c *compiler) windowArg(n node) time.Duration {
	d := c.durationArg(n)
	if d > 0 && d < minWindow {
		c.errorf(n.position(), "", "window %s is shorter than %s", d, minWindow)
	}
	return d
}

func (c *compiler) addObserver(k windowKey, match func(f *model.NormalizedFlow) bool) {
	if _, ok := c.obs[k]; ok {
		return
	}
	c.obs[k] = observer{key: k, match: match}
	c.keys = append(c.keys, k)
}

func (c *compiler) rate(n *callNode) boolFn {
	if !c.arity(n, 3, 3) {
		return constFalse
	}

	var name string
	var pos Pos
	switch a := n.Args[0].(type) {
	case *fieldNode:
		name, pos = a.Name, a.Pos
	case *literal:
		if a.Kind != litString {
			c.errorf(a.Pos, "", "rate expects a field name")
			return constFalse
		}
		name, pos = a.Text, a.Pos
	}
	def := c.field(&fieldNode{Name: name, Pos: pos})
	window := c.windowArg(n.Args[1])
	threshold := c.numberArg(n.Args[2])
	if def == nil || window <= 0 {
		return constFalse
	}

	key := windowKey{rule: c.rule.ID, name: name, window: window}
	c.addObserver(key, func(f *model.NormalizedFlow) bool {
		v, ok := def.get(f)
		return ok && truthy(def.typ, v)
	})
	return func(ec *evalCtx) (bool, error) {
		return float64(ec.counts[key]) >= threshold, nil
	}
}

func (c *compiler) burst(n *callNode) numFn {
	if !c.arity(n, 2, 2) {
		return nil
	}
	lit, ok := n.Args[0].(*literal)
	if !ok || (lit.Kind != litString && lit.Kind != litWord) {
		c.errorf(n.Args[0].position(), "", "burst expects a tag name string")
		return nil
	}
	window := c.windowArg(n.Args[1])
	if window <= 0 {
		return nil
	}
	tag := lit.Text

	key := windowKey{rule: c.rule.ID, name: "tag:" + tag, window: window}
	c.addObserver(key, func(f *model.NormalizedFlow) bool {
		return f.HasTag(tag)
	})
	return func(ec *evalCtx) (float64, bool, error) {
		return float64(ec.counts[key]), true, nil
	}
}

// FunctionHelp lists the built-in functions
func FunctionHelp() []string {
	out := make([]string, 0, len(functions))
	for _, usage := range functions {
		out = append(out, usage)
	}
	sort.Strings(out)
	return out
}
