package sni

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/zhpjy/sniproxy-ng/quic"
	"github.com/zhpjy/sniproxy-ng/tls"
)

const (
	// a ClientHello fits one TLS record
	maxHelloBytes   = 16<<10 + 5
	defaultFlowSize = 4096
)

// ErrSkip marks packets that cannot carry a ClientHello: no TCP/UDP
// payload, a port outside the watched set, or a payload that does not
// start a TLS record or a QUIC Initial.
var ErrSkip = errors.New("sni: not a ClientHello candidate")

const (
	ProtoTCP  = "TCP"
	ProtoQUIC = "QUIC"
)

type Info struct {
	SNI     string
	SrcIP   string
	DstIP   string
	SrcPort uint16
	DstPort uint16
	Proto   string
}

func (i Info) String() string {
	return fmt.Sprintf("%s %s:%d -> %s:%d sni=%s", i.Proto, i.SrcIP, i.SrcPort, i.DstIP, i.DstPort, i.SNI)
}

type flowKey struct {
	src, dst string
	sport    uint16
	dport    uint16
}

// flowBuf holds the leading bytes of a TCP stream whose ClientHello
// spans several segments.
type flowBuf struct {
	next uint32 // sequence number of the next expected byte
	data []byte
}

// decoder is the per-call gopacket state; DecodingLayerParser is not safe
// for concurrent use.
type decoder struct {
	eth     layers.Ethernet
	sll     layers.LinuxSLL
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	payload gopacket.Payload
	decoded []gopacket.LayerType
	parsers map[gopacket.LayerType]*gopacket.DecodingLayerParser
}

func newDecoder() *decoder {
	d := &decoder{parsers: make(map[gopacket.LayerType]*gopacket.DecodingLayerParser)}
	for _, first := range []gopacket.LayerType{
		layers.LayerTypeEthernet, layers.LayerTypeLinuxSLL,
		layers.LayerTypeIPv4, layers.LayerTypeIPv6,
	} {
		p := gopacket.NewDecodingLayerParser(first, &d.eth, &d.sll, &d.ip4, &d.ip6, &d.tcp, &d.udp, &d.payload)
		p.IgnoreUnsupported = true
		d.parsers[first] = p
	}
	return d
}

// Classifier finds the SNI in captured or queued packets. TCP payloads go
// to tls.ExtractSNI, UDP payloads to quic.ExtractSNI. A ClientHello split
// over several in-order TCP segments is reassembled per flow. It is safe
// for concurrent use.
type Classifier struct {
	ports map[uint16]bool
	pool  sync.Pool

	mu    sync.Mutex
	flows *lru.Cache[flowKey, *flowBuf]
	quic  *quic.Assembler
}

// NewClassifier watches the given destination ports.
func NewClassifier(ports []uint16) *Classifier {
	c := &Classifier{
		ports: make(map[uint16]bool, len(ports)),
		quic:  quic.NewAssembler(quic.DefaultAssemblerSize),
	}
	for _, p := range ports {
		c.ports[p] = true
	}
	c.flows, _ = lru.New[flowKey, *flowBuf](defaultFlowSize)
	c.pool.New = func() any { return newDecoder() }
	return c
}

// ClassifyPacket handles a bare IPv4 or IPv6 packet, as NFQUEUE delivers it.
func (c *Classifier) ClassifyPacket(pkt []byte) (Info, error) {
	if len(pkt) == 0 {
		return Info{}, ErrSkip
	}
	switch pkt[0] >> 4 {
	case 4:
		return c.Classify(pkt, layers.LayerTypeIPv4)
	case 6:
		return c.Classify(pkt, layers.LayerTypeIPv6)
	}
	return Info{}, ErrSkip
}

// ClassifyFrame handles an Ethernet frame.
func (c *Classifier) ClassifyFrame(frame []byte) (Info, error) {
	return c.Classify(frame, layers.LayerTypeEthernet)
}

// Classify decodes data starting at layer first.
func (c *Classifier) Classify(data []byte, first gopacket.LayerType) (Info, error) {
	d := c.pool.Get().(*decoder)
	defer c.pool.Put(d)

	p, ok := d.parsers[first]
	if !ok {
		return Info{}, fmt.Errorf("%w: unsupported link layer %v", ErrSkip, first)
	}
	if err := p.DecodeLayers(data, &d.decoded); err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrSkip, err)
	}

	var (
		info       Info
		haveIP     bool
		tcp, udp   bool
		seq        uint32
		payloadOut []byte
	)
	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			if d.ip4.Flags&layers.IPv4MoreFragments != 0 || d.ip4.FragOffset != 0 {
				return Info{}, ErrSkip
			}
			info.SrcIP, info.DstIP, haveIP = d.ip4.SrcIP.String(), d.ip4.DstIP.String(), true
		case layers.LayerTypeIPv6:
			info.SrcIP, info.DstIP, haveIP = d.ip6.SrcIP.String(), d.ip6.DstIP.String(), true
		case layers.LayerTypeTCP:
			tcp = true
			info.SrcPort, info.DstPort = uint16(d.tcp.SrcPort), uint16(d.tcp.DstPort)
			seq, payloadOut = d.tcp.Seq, d.tcp.Payload
		case layers.LayerTypeUDP:
			udp = true
			info.SrcPort, info.DstPort = uint16(d.udp.SrcPort), uint16(d.udp.DstPort)
			payloadOut = d.udp.Payload
		}
	}
	if !haveIP || (!tcp && !udp) || len(payloadOut) == 0 || !c.ports[info.DstPort] {
		return Info{}, ErrSkip
	}

	var err error
	if tcp {
		info.Proto = ProtoTCP
		info.SNI, err = c.tcpHello(flowKey{info.SrcIP, info.DstIP, info.SrcPort, info.DstPort}, seq, payloadOut)
	} else {
		info.Proto = ProtoQUIC
		if !quic.IsInitial(payloadOut) {
			return Info{}, ErrSkip
		}
		info.SNI, err = quic.ExtractSNI(payloadOut, c.quic)
	}
	return info, err
}

func (c *Classifier) tcpHello(k flowKey, seq uint32, payload []byte) (string, error) {
	c.mu.Lock()
	fb, pending := c.flows.Get(k)
	c.mu.Unlock()

	var buf []byte
	switch {
	case pending && seq == fb.next:
		buf = make([]byte, 0, len(fb.data)+len(payload))
		buf = append(append(buf, fb.data...), payload...)
	case payload[0] == tls.ContentTypeHandshake:
		// a fresh record start replaces whatever was pending
		buf = payload
	case pending:
		// out of order or retransmitted; only in-order data is kept
		return "", &tls.ParseError{Err: tls.ErrTruncated, Field: "tcp.segment", Offset: len(fb.data)}
	default:
		return "", ErrSkip
	}

	sni, err := tls.ExtractSNI(buf)
	c.mu.Lock()
	defer c.mu.Unlock()
	if errors.Is(err, tls.ErrTruncated) && len(buf) < maxHelloBytes {
		c.flows.Add(k, &flowBuf{next: seq + uint32(len(payload)), data: append([]byte(nil), buf...)})
		return "", err
	}
	c.flows.Remove(k)
	return sni, err
}

// PendingFlows returns the number of TCP flows waiting for more segments.
func (c *Classifier) PendingFlows() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flows.Len()
}
