package sni

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const pcapngMagic = 0x0a0d0d0a

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// ReadPCAP classifies every packet of a pcap or pcapng capture and calls
// fn for each SNI found. Packets that fail to parse are skipped.
func (c *Classifier) ReadPCAP(r io.Reader, fn func(Info)) error {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return fmt.Errorf("sni: pcap header: %w", err)
	}

	var pr packetReader
	if binary.BigEndian.Uint32(magic) == pcapngMagic {
		pr, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		pr, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return fmt.Errorf("sni: pcap header: %w", err)
	}

	var first gopacket.LayerType
	switch lt := pr.LinkType(); lt {
	case layers.LinkTypeEthernet:
		first = layers.LayerTypeEthernet
	case layers.LinkTypeLinuxSLL:
		first = layers.LayerTypeLinuxSLL
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		first = gopacket.LayerTypeZero
	default:
		return fmt.Errorf("sni: unsupported link type %v", lt)
	}

	for {
		data, _, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("sni: pcap read: %w", err)
		}
		var info Info
		if first == gopacket.LayerTypeZero {
			info, err = c.ClassifyPacket(data)
		} else {
			info, err = c.Classify(data, first)
		}
		if err == nil {
			fn(info)
		}
	}
}
