package collector

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"aegisflux/nets/internal/model"
)

// PcapSource replays a capture file as one FlowEvent per decoded packet
type PcapSource struct {
	path   string
	iface  string
	logger *slog.Logger

	read    atomic.Uint64
	skipped atomic.Uint64
}

// NewPcapSource creates a replay source for a classic pcap file
func NewPcapSource(path, iface string, logger *slog.Logger) *PcapSource {
	return &PcapSource{
		path:   path,
		iface:  iface,
		logger: logger.With("component", "collector", "source", "pcap", "path", path),
	}
}

func (s *PcapSource) Name() string { return "pcap:" + s.path }

// Run decodes the file until EOF
func (s *PcapSource) Run(ctx context.Context, sink Sink) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to open capture: %w", err)
	}
	defer f.Close()

	reader, err := pcapgo.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read capture header: %w", err)
	}
	return s.replay(ctx, reader, reader.LinkType(), sink)
}

func (s *PcapSource) replay(ctx context.Context, data gopacket.PacketDataSource, link layers.LinkType, sink Sink) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, ci, err := data.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read packet: %w", err)
		}

		packet := gopacket.NewPacket(raw, link, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		ev := DecodePacket(packet, ci)
		if ev == nil {
			s.skipped.Add(1)
			continue
		}
		ev.Iface = s.iface
		s.read.Add(1)
		if err := sink.Submit(ctx, ev); err != nil {
			return err
		}
	}
	s.logger.Info("Capture replayed", "events", s.read.Load(), "skipped", s.skipped.Load())
	return nil
}

// Stats returns replay counters
func (s *PcapSource) Stats() Stats {
	return Stats{Read: s.read.Load(), Skipped: s.skipped.Load()}
}

// DecodePacket converts one packet into a FlowEvent. Packets without an
// ARP or IP layer yield nil.
func DecodePacket(packet gopacket.Packet, ci gopacket.CaptureInfo) *model.FlowEvent {
	ev := &model.FlowEvent{
		TsFirst: ci.Timestamp,
		TsLast:  ci.Timestamp,
		Bytes:   uint64(ci.Length),
		Packets: 1,
	}
	if ev.Bytes == 0 {
		ev.Bytes = uint64(len(packet.Data()))
	}

	if arpLayer := packet.Layer(layers.LayerTypeARP); arpLayer != nil {
		arp := arpLayer.(*layers.ARP)
		ev.Proto = model.ProtoARP
		ev.SrcIP = addrFromSlice(arp.SourceProtAddress)
		ev.DstIP = addrFromSlice(arp.DstProtAddress)
		op := "request"
		if arp.Operation == layers.ARPReply {
			op = "reply"
		}
		ev.Layer2 = &model.Layer2{
			Kind:      "ARP",
			Operation: op,
			MACSrc:    net.HardwareAddr(arp.SourceHwAddress).String(),
			IPSrc:     ev.SrcIP.String(),
			MACDst:    net.HardwareAddr(arp.DstHwAddress).String(),
			IPDst:     ev.DstIP.String(),
		}
		return ev
	}

	switch ip := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		ev.SrcIP = addrFromSlice(ip.SrcIP)
		ev.DstIP = addrFromSlice(ip.DstIP)
	case *layers.IPv6:
		ev.SrcIP = addrFromSlice(ip.SrcIP)
		ev.DstIP = addrFromSlice(ip.DstIP)
	default:
		return nil
	}

	switch l4 := packet.TransportLayer().(type) {
	case *layers.TCP:
		ev.Proto = model.ProtoTCP
		ev.SrcPort = uint16(l4.SrcPort)
		ev.DstPort = uint16(l4.DstPort)
		ev.State = tcpState(l4)
	case *layers.UDP:
		ev.Proto = model.ProtoUDP
		ev.SrcPort = uint16(l4.SrcPort)
		ev.DstPort = uint16(l4.DstPort)
	default:
		if packet.Layer(layers.LayerTypeICMPv4) != nil {
			ev.Proto = model.ProtoICMP
		} else if packet.Layer(layers.LayerTypeICMPv6) != nil {
			ev.Proto = model.ProtoICMPv6
		} else {
			return nil
		}
	}

	if dnsLayer := packet.Layer(layers.LayerTypeDNS); dnsLayer != nil {
		dns := dnsLayer.(*layers.DNS)
		if len(dns.Questions) > 0 {
			q := dns.Questions[0]
			ev.DNS = &model.DNSInfo{
				QName: strings.TrimSuffix(string(q.Name), "."),
				QType: q.Type.String(),
			}
			if dns.QR {
				ev.DNS.RCode = rcodeName(dns.ResponseCode)
				// attribute the answer to the querying side's flow
				ev.SrcIP, ev.DstIP = ev.DstIP, ev.SrcIP
				ev.SrcPort, ev.DstPort = ev.DstPort, ev.SrcPort
			}
		}
	}
	return ev
}

func tcpState(tcp *layers.TCP) string {
	switch {
	case tcp.RST || tcp.FIN:
		return model.StateClosed
	case tcp.SYN && !tcp.ACK:
		return model.StateSynSent
	default:
		return model.StateEstablished
	}
}

func rcodeName(rc layers.DNSResponseCode) string {
	switch rc {
	case layers.DNSResponseCodeNoErr:
		return "NOERROR"
	case layers.DNSResponseCodeNXDomain:
		return "NXDOMAIN"
	case layers.DNSResponseCodeServFail:
		return "SERVFAIL"
	case layers.DNSResponseCodeRefused:
		return "REFUSED"
	}
	return strconv.Itoa(int(rc))
}

func addrFromSlice(b []byte) netip.Addr {
	addr, ok := netip.AddrFromSlice(b)
	if !ok {
		return netip.Addr{}
	}
	return addr.Unmap()
}
