package model

import (
	"fmt"
	"net/netip"
	"time"
)

// Protocol names as reported by collectors
const (
	ProtoTCP    = "tcp"
	ProtoUDP    = "udp"
	ProtoICMP   = "icmp"
	ProtoARP    = "arp"
	ProtoICMPv6 = "icmpv6"
)

// Connection states
const (
	StateListen      = "LISTEN"
	StateSynSent     = "SYN_SENT"
	StateEstablished = "ESTABLISHED"
	StateCloseWait   = "CLOSE_WAIT"
	StateClosed      = "CLOSED"
)

// Direction is the resolved traffic direction of a flow
type Direction string

const (
	DirectionUnknown  Direction = ""
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionLateral  Direction = "lateral"
)

// ProcessIdentity attributes a flow to a local process
type ProcessIdentity struct {
	PID     int32  `json:"pid"`
	PPID    int32  `json:"ppid,omitempty"`
	Name    string `json:"name"`
	ExePath string `json:"exe_path,omitempty"`
	Hash    string `json:"sha256_16,omitempty"`
	User    string `json:"user,omitempty"`
	Signed  *bool  `json:"signed,omitempty"`
}

// Layer2 carries ARP or neighbour discovery metadata
type Layer2 struct {
	Kind      string `json:"kind"`
	Operation string `json:"operation"`
	MACSrc    string `json:"mac_src,omitempty"`
	IPSrc     string `json:"ip_src,omitempty"`
	MACDst    string `json:"mac_dst,omitempty"`
	IPDst     string `json:"ip_dst,omitempty"`
}

// TLSInfo carries handshake metadata observed without decryption
type TLSInfo struct {
	SNI  string `json:"sni,omitempty"`
	ALPN string `json:"alpn,omitempty"`
	JA3  string `json:"ja3,omitempty"`
}

// DNSInfo carries a single query/response observation
type DNSInfo struct {
	QName string `json:"qname"`
	QType string `json:"qtype,omitempty"`
	RCode string `json:"rcode,omitempty"`
}

// NXDomain reports whether the response code is a name error
func (d *DNSInfo) NXDomain() bool {
	return d != nil && (d.RCode == "NXDOMAIN" || d.RCode == "NXDomain" || d.RCode == "3")
}

// FlowEvent is one observation produced by an external collector
type FlowEvent struct {
	TsFirst   time.Time        `json:"ts_first"`
	TsLast    time.Time        `json:"ts_last"`
	Proto     string           `json:"proto"`
	SrcIP     netip.Addr       `json:"src_ip"`
	SrcPort   uint16           `json:"src_port"`
	DstIP     netip.Addr       `json:"dst_ip"`
	DstPort   uint16           `json:"dst_port"`
	Iface     string           `json:"iface,omitempty"`
	Direction Direction        `json:"direction,omitempty"`
	State     string           `json:"state,omitempty"`
	Bytes     uint64           `json:"bytes"`
	Packets   uint64           `json:"packets"`
	Process   *ProcessIdentity `json:"process,omitempty"`
	Layer2    *Layer2          `json:"layer2,omitempty"`
	TLS       *TLSInfo         `json:"tls,omitempty"`
	DNS       *DNSInfo         `json:"dns,omitempty"`
}

// Key returns the aggregation 5-tuple for the event
func (e *FlowEvent) Key() FlowKey {
	return FlowKey{
		Proto:   e.Proto,
		SrcIP:   e.SrcIP,
		SrcPort: e.SrcPort,
		DstIP:   e.DstIP,
		DstPort: e.DstPort,
	}
}

// Time returns the latest timestamp carried by the event
func (e *FlowEvent) Time() time.Time {
	if e.TsLast.After(e.TsFirst) {
		return e.TsLast
	}
	return e.TsFirst
}

// FlowKey is the 5-tuple used for aggregation
type FlowKey struct {
	Proto   string     `json:"proto"`
	SrcIP   netip.Addr `json:"src_ip"`
	SrcPort uint16     `json:"src_port"`
	DstIP   netip.Addr `json:"dst_ip"`
	DstPort uint16     `json:"dst_port"`
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s %s->%s",
		k.Proto,
		netip.AddrPortFrom(k.SrcIP, k.SrcPort),
		netip.AddrPortFrom(k.DstIP, k.DstPort))
}

// NormalizedFlow is the windowed aggregate of events sharing a 5-tuple
type NormalizedFlow struct {
	ID          string           `json:"id"`
	Key         FlowKey          `json:"key"`
	WindowID    int64            `json:"window_id"`
	WindowStart time.Time        `json:"window_start"`
	TsLast      time.Time        `json:"ts_last"`
	Direction   Direction        `json:"direction"`
	RemoteSrc   bool             `json:"remote_src,omitempty"`
	State       string           `json:"state,omitempty"`
	Iface       string           `json:"iface,omitempty"`
	Bytes       uint64           `json:"bytes"`
	Packets     uint64           `json:"packets"`
	Events      int              `json:"events"`
	Tags        []string         `json:"tags,omitempty"`
	Degraded    bool             `json:"degraded,omitempty"`
	Process     *ProcessIdentity `json:"process,omitempty"`
	Layer2      *Layer2          `json:"layer2,omitempty"`
	TLS         *TLSInfo         `json:"tls,omitempty"`
	DNS         *DNSInfo         `json:"dns,omitempty"`
}

// FlowID builds the unique identifier of a flow window
func FlowID(key FlowKey, windowID int64) string {
	return fmt.Sprintf("%s#%d", key.String(), windowID)
}

// Ref returns the compact endpoint reference used in alerts
func (f *NormalizedFlow) Ref() string {
	return f.ID
}

// HasTag reports whether the flow carries the tag
func (f *NormalizedFlow) HasTag(tag string) bool {
	for _, t := range f.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// App returns the application protocol tag, if any
func (f *NormalizedFlow) App() string {
	for _, t := range f.Tags {
		if _, ok := appTags[t]; ok {
			return t
		}
	}
	return ""
}

// ProcessRef returns "name(pid)" when the flow is attributed
func (f *NormalizedFlow) ProcessRef() string {
	if f.Process == nil {
		return ""
	}
	return fmt.Sprintf("%s(%d)", f.Process.Name, f.Process.PID)
}

// IsListen reports whether the flow observes a listening socket
func (f *NormalizedFlow) IsListen() bool {
	return f.State == StateListen
}
