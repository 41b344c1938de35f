package rules

import (
	"net/netip"
	"sort"

	"aegisflux/nets/internal/model"
)

// FieldType is the static type of a schema field
type FieldType int

const (
	TypeString FieldType = iota + 1
	TypeNumber
	TypeIP
	TypeBool
)

func (t FieldType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeNumber:
		return "number"
	case TypeIP:
		return "ip"
	case TypeBool:
		return "bool"
	}
	return "unknown"
}

// value is a typed scalar read from a flow
type value struct {
	s  string
	n  float64
	ip netip.Addr
	b  bool
}

// getter returns false when the field is absent on the flow
type getter func(f *model.NormalizedFlow) (value, bool)

type fieldDef struct {
	name string
	typ  FieldType
	get  getter
}

func str(fn func(f *model.NormalizedFlow) string) getter {
	return func(f *model.NormalizedFlow) (value, bool) {
		s := fn(f)
		return value{s: s}, s != ""
	}
}

func num(fn func(f *model.NormalizedFlow) float64) getter {
	return func(f *model.NormalizedFlow) (value, bool) {
		return value{n: fn(f)}, true
	}
}

func addr(fn func(f *model.NormalizedFlow) netip.Addr) getter {
	return func(f *model.NormalizedFlow) (value, bool) {
		a := fn(f).Unmap()
		return value{ip: a}, a.IsValid()
	}
}

func proc(fn func(p *model.ProcessIdentity) (value, bool)) getter {
	return func(f *model.NormalizedFlow) (value, bool) {
		if f.Process == nil {
			return value{}, false
		}
		return fn(f.Process)
	}
}

func procStr(fn func(p *model.ProcessIdentity) string) getter {
	return proc(func(p *model.ProcessIdentity) (value, bool) {
		s := fn(p)
		return value{s: s}, s != ""
	})
}

func l2(fn func(l *model.Layer2) string) getter {
	return func(f *model.NormalizedFlow) (value, bool) {
		if f.Layer2 == nil {
			return value{}, false
		}
		s := fn(f.Layer2)
		return value{s: s}, s != ""
	}
}

func tls(fn func(t *model.TLSInfo) string) getter {
	return func(f *model.NormalizedFlow) (value, bool) {
		if f.TLS == nil {
			return value{}, false
		}
		s := fn(f.TLS)
		return value{s: s}, s != ""
	}
}

func dns(fn func(d *model.DNSInfo) string) getter {
	return func(f *model.NormalizedFlow) (value, bool) {
		if f.DNS == nil {
			return value{}, false
		}
		s := fn(f.DNS)
		return value{s: s}, s != ""
	}
}

// schema is the closed set of fields a rule may reference
var schema = map[string]*fieldDef{}

func define(name string, typ FieldType, get getter) {
	schema[name] = &fieldDef{name: name, typ: typ, get: get}
}

func init() {
	define("proto", TypeString, str(func(f *model.NormalizedFlow) string { return f.Key.Proto }))
	define("app", TypeString, str(func(f *model.NormalizedFlow) string { return f.App() }))
	define("direction", TypeString, str(func(f *model.NormalizedFlow) string { return string(f.Direction) }))
	define("state", TypeString, str(func(f *model.NormalizedFlow) string { return f.State }))
	define("iface", TypeString, str(func(f *model.NormalizedFlow) string { return f.Iface }))
	define("src.ip", TypeIP, addr(func(f *model.NormalizedFlow) netip.Addr { return f.Key.SrcIP }))
	define("dst.ip", TypeIP, addr(func(f *model.NormalizedFlow) netip.Addr { return f.Key.DstIP }))
	define("src.port", TypeNumber, num(func(f *model.NormalizedFlow) float64 { return float64(f.Key.SrcPort) }))
	define("dst.port", TypeNumber, num(func(f *model.NormalizedFlow) float64 { return float64(f.Key.DstPort) }))
	define("bytes", TypeNumber, num(func(f *model.NormalizedFlow) float64 { return float64(f.Bytes) }))
	define("packets", TypeNumber, num(func(f *model.NormalizedFlow) float64 { return float64(f.Packets) }))
	define("flow.events", TypeNumber, num(func(f *model.NormalizedFlow) float64 { return float64(f.Events) }))
	define("flow.degraded", TypeBool, func(f *model.NormalizedFlow) (value, bool) {
		return value{b: f.Degraded}, true
	})

	define("proc.pid", TypeNumber, proc(func(p *model.ProcessIdentity) (value, bool) {
		return value{n: float64(p.PID)}, p.PID > 0
	}))
	define("proc.ppid", TypeNumber, proc(func(p *model.ProcessIdentity) (value, bool) {
		return value{n: float64(p.PPID)}, p.PPID > 0
	}))
	define("proc.name", TypeString, procStr(func(p *model.ProcessIdentity) string { return p.Name }))
	define("proc.path", TypeString, procStr(func(p *model.ProcessIdentity) string { return p.ExePath }))
	define("proc.hash", TypeString, procStr(func(p *model.ProcessIdentity) string { return p.Hash }))
	define("proc.user", TypeString, procStr(func(p *model.ProcessIdentity) string { return p.User }))
	define("proc.signed", TypeBool, proc(func(p *model.ProcessIdentity) (value, bool) {
		if p.Signed == nil {
			return value{}, false
		}
		return value{b: *p.Signed}, true
	}))

	define("l2.kind", TypeString, l2(func(l *model.Layer2) string { return l.Kind }))
	define("l2.op", TypeString, l2(func(l *model.Layer2) string { return l.Operation }))
	define("l2.mac_src", TypeString, l2(func(l *model.Layer2) string { return l.MACSrc }))
	define("l2.ip_src", TypeString, l2(func(l *model.Layer2) string { return l.IPSrc }))
	define("l2.mac_dst", TypeString, l2(func(l *model.Layer2) string { return l.MACDst }))
	define("l2.ip_dst", TypeString, l2(func(l *model.Layer2) string { return l.IPDst }))

	define("tls.sni", TypeString, tls(func(t *model.TLSInfo) string { return t.SNI }))
	define("tls.alpn", TypeString, tls(func(t *model.TLSInfo) string { return t.ALPN }))
	define("tls.ja3", TypeString, tls(func(t *model.TLSInfo) string { return t.JA3 }))

	define("dns.qname", TypeString, dns(func(d *model.DNSInfo) string { return d.QName }))
	define("dns.qtype", TypeString, dns(func(d *model.DNSInfo) string { return d.QType }))
	define("dns.rcode", TypeString, dns(func(d *model.DNSInfo) string { return d.RCode }))
	define("dns.nxdomain", TypeBool, func(f *model.NormalizedFlow) (value, bool) {
		if f.DNS == nil {
			return value{}, false
		}
		return value{b: f.DNS.NXDomain()}, true
	})
}

// FieldInfo describes one schema entry
type FieldInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Fields lists the schema, sorted by name
func Fields() []FieldInfo {
	out := make([]FieldInfo, 0, len(schema))
	for name, def := range schema {
		out = append(out, FieldInfo{Name: name, Type: def.typ.String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// truthy reports whether a present value counts as a matching sub-event
func truthy(typ FieldType, v value) bool {
	switch typ {
	case TypeBool:
		return v.b
	case TypeNumber:
		return v.n != 0
	case TypeIP:
		return v.ip.IsValid()
	default:
		return v.s != ""
	}
}
