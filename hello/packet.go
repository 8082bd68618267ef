package hello

import (
	"io"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Flow addresses a synthetic packet. Zero fields get documentation
// addresses and an ephemeral-to-443 port pair.
type Flow struct {
	SrcIP, DstIP     net.IP
	SrcPort, DstPort uint16
	Seq              uint32
	UDP              bool
}

var (
	defaultSrc = net.IPv4(192, 0, 2, 1)
	defaultDst = net.IPv4(198, 51, 100, 1)
	srcMAC     = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	dstMAC     = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

func (f Flow) withDefaults() Flow {
	if f.SrcIP == nil {
		f.SrcIP = defaultSrc
	}
	if f.DstIP == nil {
		f.DstIP = defaultDst
	}
	if f.SrcPort == 0 {
		f.SrcPort = 40000
	}
	if f.DstPort == 0 {
		f.DstPort = 443
	}
	return f
}

// Packet returns an IP packet (no link layer) carrying payload over TCP,
// or UDP when f.UDP is set. This is what NFQUEUE hands to userspace.
func Packet(payload []byte, f Flow) ([]byte, error) {
	return serialize(payload, f, false)
}

// Frame is Packet wrapped in an Ethernet header, as seen by a capture.
func Frame(payload []byte, f Flow) ([]byte, error) {
	return serialize(payload, f, true)
}

func serialize(payload []byte, f Flow, withEth bool) ([]byte, error) {
	f = f.withDefaults()

	proto := layers.IPProtocolTCP
	if f.UDP {
		proto = layers.IPProtocolUDP
	}

	var (
		net3    gopacket.NetworkLayer
		l3      gopacket.SerializableLayer
		ethType layers.EthernetType
	)
	if src4, dst4 := f.SrcIP.To4(), f.DstIP.To4(); src4 != nil && dst4 != nil {
		ip := &layers.IPv4{
			Version: 4, TTL: 64, Protocol: proto, Flags: layers.IPv4DontFragment,
			SrcIP: src4, DstIP: dst4, Id: uint16(f.Seq),
		}
		net3, l3, ethType = ip, ip, layers.EthernetTypeIPv4
	} else {
		ip := &layers.IPv6{
			Version: 6, HopLimit: 64, NextHeader: proto,
			SrcIP: f.SrcIP.To16(), DstIP: f.DstIP.To16(),
		}
		net3, l3, ethType = ip, ip, layers.EthernetTypeIPv6
	}

	var l4 gopacket.SerializableLayer
	if f.UDP {
		udp := &layers.UDP{SrcPort: layers.UDPPort(f.SrcPort), DstPort: layers.UDPPort(f.DstPort)}
		if err := udp.SetNetworkLayerForChecksum(net3); err != nil {
			return nil, err
		}
		l4 = udp
	} else {
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(f.SrcPort), DstPort: layers.TCPPort(f.DstPort),
			Seq: f.Seq, Ack: 1, ACK: true, PSH: true, Window: 64240,
		}
		if err := tcp.SetNetworkLayerForChecksum(net3); err != nil {
			return nil, err
		}
		l4 = tcp
	}

	ls := []gopacket.SerializableLayer{l3, l4, gopacket.Payload(payload)}
	if withEth {
		eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: ethType}
		ls = append([]gopacket.SerializableLayer{eth}, ls...)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WritePCAP writes Ethernet frames as a pcap capture, one millisecond apart.
func WritePCAP(w io.Writer, frames ...[]byte) error {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return err
	}
	ts := time.Unix(1700000000, 0).UTC()
	for i, fr := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     ts.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(fr),
			Length:        len(fr),
		}
		if err := pw.WritePacket(ci, fr); err != nil {
			return err
		}
	}
	return nil
}
