package model

import "net/netip"

// Application protocol tags
const (
	AppMDNS     = "mdns"
	AppLLMNR    = "llmnr"
	AppNBNS     = "nbns"
	AppNBDGM    = "nbdgm"
	AppNBSS     = "nbss"
	AppSSDP     = "ssdp"
	AppDHCP     = "dhcp"
	AppDNS      = "dns"
	AppSMB      = "smb"
	AppRDP      = "rdp"
	AppKerberos = "kerberos"
	AppLDAP     = "ldap"
	AppLDAPS    = "ldaps"
	AppWINS     = "wins"
	AppRPC      = "msrpc"
	AppWinRM    = "winrm"
	AppHTTP     = "http"
	AppHTTPS    = "https"
)

var appTags = map[string]struct{}{
	AppMDNS: {}, AppLLMNR: {}, AppNBNS: {}, AppNBDGM: {}, AppNBSS: {}, AppSSDP: {},
	AppDHCP: {}, AppDNS: {}, AppSMB: {}, AppRDP: {}, AppKerberos: {}, AppLDAP: {},
	AppLDAPS: {}, AppWINS: {}, AppRPC: {}, AppWinRM: {}, AppHTTP: {}, AppHTTPS: {},
}

type portProto struct {
	proto string
	port  uint16
}

var wellKnownPorts = map[portProto]string{
	{ProtoUDP, 5353}: AppMDNS,
	{ProtoUDP, 5355}: AppLLMNR,
	{ProtoTCP, 5355}: AppLLMNR,
	{ProtoUDP, 137}:  AppNBNS,
	{ProtoUDP, 138}:  AppNBDGM,
	{ProtoTCP, 139}:  AppNBSS,
	{ProtoUDP, 1900}: AppSSDP,
	{ProtoUDP, 67}:   AppDHCP,
	{ProtoUDP, 68}:   AppDHCP,
	{ProtoUDP, 53}:   AppDNS,
	{ProtoTCP, 53}:   AppDNS,
	{ProtoTCP, 445}:  AppSMB,
	{ProtoTCP, 3389}: AppRDP,
	{ProtoUDP, 3389}: AppRDP,
	{ProtoTCP, 88}:   AppKerberos,
	{ProtoUDP, 88}:   AppKerberos,
	{ProtoTCP, 389}:  AppLDAP,
	{ProtoUDP, 389}:  AppLDAP,
	{ProtoTCP, 636}:  AppLDAPS,
	{ProtoTCP, 42}:   AppWINS,
	{ProtoTCP, 135}:  AppRPC,
	{ProtoTCP, 5985}: AppWinRM,
	{ProtoTCP, 5986}: AppWinRM,
	{ProtoTCP, 80}:   AppHTTP,
	{ProtoTCP, 443}:  AppHTTPS,
}

var (
	mdnsGroup  = netip.MustParseAddr("224.0.0.251")
	llmnrGroup = netip.MustParseAddr("224.0.0.252")
	ssdpGroup  = netip.MustParseAddr("239.255.255.250")
)

// AppProtocol returns the application tag for a 5-tuple, checking the
// destination port first and then the source port
func AppProtocol(key FlowKey) string {
	switch key.DstIP {
	case mdnsGroup:
		return AppMDNS
	case llmnrGroup:
		return AppLLMNR
	case ssdpGroup:
		return AppSSDP
	}
	if app, ok := wellKnownPorts[portProto{key.Proto, key.DstPort}]; ok {
		return app
	}
	if app, ok := wellKnownPorts[portProto{key.Proto, key.SrcPort}]; ok {
		return app
	}
	return ""
}

var (
	ulaPrefix = netip.MustParsePrefix("fc00::/7")
	cgnPrefix = netip.MustParsePrefix("100.64.0.0/10")
)

// IsLocalScope reports whether addr is private, link-local or unique-local
func IsLocalScope(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	if addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() {
		return true
	}
	if addr.Is6() && ulaPrefix.Contains(addr) {
		return true
	}
	return addr.Is4() && cgnPrefix.Contains(addr)
}
