package processor

import (
	"errors"

	nfqueue "github.com/florianl/go-nfqueue"

	"github.com/zhpjy/sniproxy-ng/config"
	"github.com/zhpjy/sniproxy-ng/logx"
	"github.com/zhpjy/sniproxy-ng/metrics"
	"github.com/zhpjy/sniproxy-ng/router"
	"github.com/zhpjy/sniproxy-ng/sni"
)

type Callback func(*nfqueue.Attribute) int

// Observer is told about every ClientHello the callback classified.
type Observer func(sni.Info, router.Decision)

// Rejecter answers a dropped TCP ClientHello, typically with a reset.
type Rejecter interface {
	Reject(pkt []byte) error
}

// New returns the verdict callback for queued packets. Packets already
// carrying q.Mark and flows past q.ConnBytesLimit original-direction
// packets are accepted untouched. Everything else is classified; a
// ClientHello naming a blocked host is dropped, and when rej is non-nil a
// dropped TCP ClientHello is also rejected.
func New(q config.Queue, cls *sni.Classifier, r *router.Router, obs Observer, rej Rejecter) Callback {
	m := metrics.Get()
	return func(a *nfqueue.Attribute) int {
		if a == nil || a.Payload == nil || len(*a.Payload) == 0 {
			return nfqueue.NfAccept
		}
		// avoid loops on our own marked packets
		if q.Mark != 0 && a.Mark != nil && (*a.Mark)&q.Mark == q.Mark {
			return nfqueue.NfAccept
		}
		if q.ConnBytesLimit > 0 && a.Ct != nil {
			if pkts, ok, _ := origPackets(*a.Ct); ok && pkts > uint64(q.ConnBytesLimit) {
				return nfqueue.NfAccept
			}
		}

		info, err := cls.ClassifyPacket(*a.Payload)
		if errors.Is(err, sni.ErrSkip) {
			return nfqueue.NfAccept
		}
		source := metrics.SourceTLS
		if info.Proto == sni.ProtoQUIC {
			source = metrics.SourceQUIC
		}
		m.ObserveExtract(source, err)
		if err != nil {
			logx.Tracef("nfqueue: %s %s:%d -> %s:%d: %v", info.Proto, info.SrcIP, info.SrcPort, info.DstIP, info.DstPort, err)
			return nfqueue.NfAccept
		}

		d := r.Decide(info.SNI)
		m.ObserveVerdict(d.Verdict.String())
		if obs != nil {
			obs(info, d)
		}
		if d.Verdict == router.Block {
			logx.Infof("nfqueue: drop %s", info)
			if rej != nil && info.Proto == sni.ProtoTCP {
				if err := rej.Reject(*a.Payload); err != nil {
					logx.Errorf("nfqueue: reset %s: %v", info, err)
				}
			}
			return nfqueue.NfDrop
		}
		logx.Debugf("nfqueue: %s verdict=%s", info, d.Verdict)
		return nfqueue.NfAccept
	}
}
