package collector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegisflux/nets/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type collect struct {
	events []*model.FlowEvent
}

func (c *collect) Submit(_ context.Context, ev *model.FlowEvent) error {
	c.events = append(c.events, ev)
	return nil
}

func TestValidator_Decode(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	ev, err := v.Decode([]byte(`{"ts_first":"2024-03-01T12:00:00Z","proto":"tcp","src_ip":"192.168.1.20","src_port":50000,"dst_ip":"203.0.113.5","dst_port":443,"bytes":1200,"process":{"pid":4242,"name":"curl","exe_path":"/usr/bin/curl"},"tls":{"sni":"example.org"}}`))
	require.NoError(t, err)
	assert.Equal(t, model.ProtoTCP, ev.Proto)
	assert.Equal(t, "203.0.113.5", ev.DstIP.String())
	assert.Equal(t, uint16(443), ev.DstPort)
	assert.Equal(t, ev.TsFirst, ev.TsLast, "ts_last defaults to ts_first")
	assert.Equal(t, uint64(1), ev.Packets)
	require.NotNil(t, ev.Process)
	assert.Equal(t, int32(4242), ev.Process.PID)
	assert.Equal(t, "example.org", ev.TLS.SNI)
}

func TestValidator_Rejects(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	tests := []struct {
		name string
		line string
	}{
		{"malformed", `{"proto":`},
		{"missing ts", `{"proto":"udp","src_ip":"10.0.0.1","dst_ip":"10.0.0.2"}`},
		{"bad proto", `{"ts_first":"2024-03-01T12:00:00Z","proto":"sctp","src_ip":"10.0.0.1","dst_ip":"10.0.0.2"}`},
		{"port range", `{"ts_first":"2024-03-01T12:00:00Z","proto":"udp","src_ip":"10.0.0.1","dst_ip":"10.0.0.2","dst_port":70000}`},
		{"arp without layer2", `{"ts_first":"2024-03-01T12:00:00Z","proto":"arp"}`},
		{"ip flow without endpoints", `{"ts_first":"2024-03-01T12:00:00Z","proto":"tcp"}`},
		{"bad timestamp", `{"ts_first":"yesterday","proto":"udp","src_ip":"10.0.0.1","dst_ip":"10.0.0.2"}`},
		{"bad address", `{"ts_first":"2024-03-01T12:00:00Z","proto":"udp","src_ip":"10.0.0.300","dst_ip":"10.0.0.2"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Decode([]byte(tt.line))
			assert.Error(t, err)
		})
	}
}

func TestJSONLSource_SkipsInvalid(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	input := strings.Join([]string{
		`{"ts_first":"2024-03-01T12:00:00Z","proto":"udp","src_ip":"192.168.1.5","src_port":5353,"dst_ip":"224.0.0.251","dst_port":5353}`,
		``,
		`# comment`,
		`{"ts_first":"2024-03-01T12:00:01Z","proto":"bogus"}`,
		`{"ts_first":"2024-03-01T12:00:02Z","proto":"arp","layer2":{"kind":"ARP","operation":"reply","mac_src":"aa:bb:cc:dd:ee:ff","ip_src":"192.168.1.1"}}`,
	}, "\n")

	src := NewJSONLSource("stdin", strings.NewReader(input), v, testLogger())
	var badLines []int
	src.OnInvalid(func(line int, err error) { badLines = append(badLines, line) })

	sink := &collect{}
	require.NoError(t, src.Run(context.Background(), sink))
	require.Len(t, sink.events, 2)
	assert.Equal(t, model.ProtoARP, sink.events[1].Proto)
	assert.Equal(t, []int{4}, badLines)
	assert.Equal(t, Stats{Read: 2, Invalid: 1}, src.Stats())
}

func TestJSONLSource_SinkErrorStops(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)
	line := `{"ts_first":"2024-03-01T12:00:00Z","proto":"udp","src_ip":"10.0.0.1","dst_ip":"10.0.0.2"}`
	src := NewJSONLSource("stdin", strings.NewReader(line+"\n"+line), v, testLogger())

	stop := errors.New("pipeline stopped")
	err = src.Run(context.Background(), SinkFunc(func(context.Context, *model.FlowEvent) error { return stop }))
	assert.ErrorIs(t, err, stop)
	assert.Contains(t, err.Error(), "line 1")
}

var (
	clientMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	routerMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0xfe}
	clientIP  = net.IP{192, 168, 1, 20}
	routerIP  = net.IP{192, 168, 1, 1}
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func dnsPacket(t *testing.T, response bool, rcode layers.DNSResponseCode) []byte {
	eth := &layers.Ethernet{SrcMAC: clientMAC, DstMAC: routerMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: clientIP, DstIP: routerIP}
	udp := &layers.UDP{SrcPort: 53124, DstPort: 53}
	if response {
		eth.SrcMAC, eth.DstMAC = routerMAC, clientMAC
		ip.SrcIP, ip.DstIP = routerIP, clientIP
		udp.SrcPort, udp.DstPort = 53, 53124
	}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	dns := &layers.DNS{
		ID:           7,
		QR:           response,
		RD:           true,
		ResponseCode: rcode,
		Questions: []layers.DNSQuestion{{
			Name:  []byte("xq3v9zt7kp2m.example"),
			Type:  layers.DNSTypeA,
			Class: layers.DNSClassIN,
		}},
	}
	return serialize(t, eth, ip, udp, dns)
}

func writePcap(t *testing.T, packets ...[]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, data := range packets {
		ci := gopacket.CaptureInfo{
			Timestamp:     ts.Add(time.Duration(i) * time.Second),
			CaptureLength: len(data),
			Length:        len(data),
		}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return path
}

func TestPcapSource_Replay(t *testing.T) {
	arp := serialize(t,
		&layers.Ethernet{SrcMAC: routerMAC, DstMAC: clientMAC, EthernetType: layers.EthernetTypeARP},
		&layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPReply,
			SourceHwAddress:   routerMAC,
			SourceProtAddress: routerIP,
			DstHwAddress:      clientMAC,
			DstProtAddress:    clientIP,
		})

	synIP := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: clientIP, DstIP: net.IP{192, 168, 1, 30}}
	syn := &layers.TCP{SrcPort: 40000, DstPort: 445, SYN: true, Window: 1024}
	require.NoError(t, syn.SetNetworkLayerForChecksum(synIP))
	tcp := serialize(t, &layers.Ethernet{SrcMAC: clientMAC, DstMAC: routerMAC, EthernetType: layers.EthernetTypeIPv4}, synIP, syn)

	path := writePcap(t,
		arp,
		tcp,
		dnsPacket(t, false, layers.DNSResponseCodeNoErr),
		dnsPacket(t, true, layers.DNSResponseCodeNXDomain),
		[]byte{0x00, 0x01},
	)

	src := NewPcapSource(path, "eth0", testLogger())
	sink := &collect{}
	require.NoError(t, src.Run(context.Background(), sink))
	require.Len(t, sink.events, 4)
	assert.Equal(t, Stats{Read: 4, Skipped: 1}, src.Stats())

	a := sink.events[0]
	assert.Equal(t, model.ProtoARP, a.Proto)
	require.NotNil(t, a.Layer2)
	assert.Equal(t, "reply", a.Layer2.Operation)
	assert.Equal(t, "02:00:00:00:00:fe", a.Layer2.MACSrc)
	assert.Equal(t, "192.168.1.1", a.Layer2.IPSrc)
	assert.Equal(t, "eth0", a.Iface)

	s := sink.events[1]
	assert.Equal(t, model.ProtoTCP, s.Proto)
	assert.Equal(t, model.StateSynSent, s.State)
	assert.Equal(t, uint16(445), s.DstPort)

	q, r := sink.events[2], sink.events[3]
	require.NotNil(t, q.DNS)
	assert.Equal(t, "xq3v9zt7kp2m.example", q.DNS.QName)
	assert.Equal(t, "A", q.DNS.QType)
	assert.False(t, q.DNS.NXDomain())

	require.NotNil(t, r.DNS)
	assert.True(t, r.DNS.NXDomain())
	assert.Equal(t, q.Key(), r.Key(), "responses fold into the query's flow")
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 3, 0, time.UTC), r.TsFirst)
}

func TestPcapSource_MissingFile(t *testing.T) {
	src := NewPcapSource(filepath.Join(t.TempDir(), "none.pcap"), "", testLogger())
	assert.Error(t, src.Run(context.Background(), &collect{}))
}

func TestOpen_SelectsSource(t *testing.T) {
	dir := t.TempDir()
	stream := filepath.Join(dir, "events.jsonl")
	require.NoError(t, os.WriteFile(stream, []byte(
		`{"ts_first":"2024-03-01T12:00:00Z","proto":"tcp","src_ip":"10.0.0.2","dst_ip":"10.0.0.1","dst_port":22}`+"\n"+
			`not json`+"\n"), 0o644))

	invalid := 0
	src, closeFn, err := Open(stream, "eth0", func(int, error) { invalid++ }, testLogger())
	require.NoError(t, err)
	defer closeFn()
	require.IsType(t, &JSONLSource{}, src)

	sink := &collect{}
	require.NoError(t, src.Run(context.Background(), sink))
	assert.Len(t, sink.events, 1)
	assert.Equal(t, 1, invalid)

	_, _, err = Open(filepath.Join(dir, "missing.jsonl"), "", nil, testLogger())
	assert.Error(t, err)
	_, _, err = Open(filepath.Join(dir, "missing.pcap"), "", nil, testLogger())
	assert.Error(t, err)

	src, _, err = Open("-", "", nil, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "stdin", src.Name())
}
