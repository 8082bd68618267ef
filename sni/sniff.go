package sni

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"

	"github.com/zhpjy/sniproxy-ng/logx"
	"github.com/zhpjy/sniproxy-ng/tls"
)

// Sniffer reads frames from AF_PACKET sockets and reports every SNI the
// classifier finds.
type Sniffer struct {
	ifaces []string
	tps    []*afpacket.TPacket
	cls    *Classifier

	// Observe, when set, is called for every candidate packet.
	Observe func(proto string, err error)
}

// NewSniffer opens one capture socket per interface.
func NewSniffer(ifaces []string, cls *Classifier) (*Sniffer, error) {
	if len(ifaces) == 0 {
		return nil, errors.New("sni: no interfaces")
	}
	s := &Sniffer{ifaces: ifaces, cls: cls}
	for _, ifc := range ifaces {
		tp, err := afpacket.NewTPacket(afpacket.OptInterface(ifc))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("sni: open %s: %w", ifc, err)
		}
		s.tps = append(s.tps, tp)
	}
	return s, nil
}

// Run starts one reader per interface. The info channel is closed once
// ctx is cancelled and every reader has stopped.
func (s *Sniffer) Run(ctx context.Context) <-chan Info {
	out := make(chan Info, 256)
	var wg sync.WaitGroup
	wg.Add(len(s.tps))
	for i, tp := range s.tps {
		src := gopacket.NewPacketSource(tp, layers.LinkTypeEthernet)
		src.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}
		go func(name string, pkts <-chan gopacket.Packet) {
			defer wg.Done()
			logx.Infof("sniff: capturing on %s", name)
			for {
				select {
				case <-ctx.Done():
					return
				case pkt, ok := <-pkts:
					if !ok {
						return
					}
					info, err := s.cls.ClassifyFrame(pkt.Data())
					if errors.Is(err, ErrSkip) {
						continue
					}
					if s.Observe != nil {
						s.Observe(info.Proto, err)
					}
					if err != nil {
						if !errors.Is(err, tls.ErrTruncated) {
							logx.Tracef("sniff: %s %s:%d: %v", info.Proto, info.SrcIP, info.SrcPort, err)
						}
						continue
					}
					select {
					case out <- info:
					case <-ctx.Done():
						return
					}
				}
			}
		}(s.ifaces[i], src.Packets())
	}
	go func() {
		wg.Wait()
		s.Close()
		close(out)
	}()
	return out
}

func (s *Sniffer) Close() error {
	if len(s.tps) == 0 {
		return errors.New("sni: not open")
	}
	for _, tp := range s.tps {
		tp.Close()
	}
	s.tps = nil
	return nil
}
