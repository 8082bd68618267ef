// Package inject answers a refused ClientHello with a TCP reset so the
// client fails fast instead of retransmitting into a dropping queue.
package inject

import (
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/zhpjy/sniproxy-ng/rawsock"
)

var ErrNotTCP = errors.New("inject: not a TCP packet")

type Injector struct {
	send4, send6 rawsock.Sender
}

// New opens raw sockets whose packets carry mark.
func New(mark uint32) (*Injector, error) {
	s4, s6, err := rawsock.New(mark)
	if err != nil {
		return nil, fmt.Errorf("inject: %w", err)
	}
	return &Injector{send4: s4, send6: s6}, nil
}

// NewWithSenders uses the given senders instead of raw sockets.
func NewWithSenders(send4, send6 rawsock.Sender) *Injector {
	return &Injector{send4: send4, send6: send6}
}

// BuildReset returns the RST|ACK the server side of pkt's connection would
// send to the client that sent pkt.
func BuildReset(pkt []byte) ([]byte, error) {
	if len(pkt) == 0 {
		return nil, ErrNotTCP
	}
	var first gopacket.LayerType
	switch pkt[0] >> 4 {
	case 4:
		first = layers.LayerTypeIPv4
	case 6:
		first = layers.LayerTypeIPv6
	default:
		return nil, ErrNotTCP
	}
	p := gopacket.NewPacket(pkt, first, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	tl, ok := p.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok {
		return nil, ErrNotTCP
	}

	rst := &layers.TCP{
		SrcPort: tl.DstPort,
		DstPort: tl.SrcPort,
		Seq:     tl.Ack,
		Ack:     tl.Seq + uint32(len(tl.Payload)),
		RST:     true,
		ACK:     true,
	}
	var netl gopacket.SerializableLayer
	switch ip := p.NetworkLayer().(type) {
	case *layers.IPv4:
		ip4 := &layers.IPv4{
			Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP,
			Flags: layers.IPv4DontFragment, SrcIP: ip.DstIP, DstIP: ip.SrcIP,
		}
		_ = rst.SetNetworkLayerForChecksum(ip4)
		netl = ip4
	case *layers.IPv6:
		ip6 := &layers.IPv6{
			Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolTCP,
			SrcIP: ip.DstIP, DstIP: ip.SrcIP,
		}
		_ = rst.SetNetworkLayerForChecksum(ip6)
		netl = ip6
	default:
		return nil, ErrNotTCP
	}

	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}, netl, rst)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Reject sends a reset for pkt.
func (i *Injector) Reject(pkt []byte) error {
	rst, err := BuildReset(pkt)
	if err != nil {
		return err
	}
	if rst[0]>>4 == 6 {
		return i.send6(rst)
	}
	return i.send4(rst)
}
