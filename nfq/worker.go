// Package nfq binds NFQUEUE queues and hands every queued packet to a
// processor.Callback.
package nfq

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	nfqueue "github.com/florianl/go-nfqueue"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"

	"github.com/zhpjy/sniproxy-ng/config"
	"github.com/zhpjy/sniproxy-ng/logx"
	"github.com/zhpjy/sniproxy-ng/processor"
)

type nfqIface interface {
	RegisterWithErrorFunc(ctx context.Context, fn nfqueue.HookFunc, errFn nfqueue.ErrorFunc) error
	SetVerdict(id uint32, verdict int) error
	SetVerdictWithMark(id uint32, verdict int, mark int) error
	Close() error
}

var openNFQ = func(c *nfqueue.Config) (nfqIface, error) {
	nf, err := nfqueue.Open(c)
	if err != nil {
		return nil, err
	}
	_ = nf.SetOption(netlink.NoENOBUFS, true)
	return nf, nil
}

// ipv6Available is swapped in tests.
var ipv6Available = func() bool {
	fi, err := os.Stat("/proc/net/if_inet6")
	if err != nil {
		return false
	}
	return fi.Size() > 0
}

type Worker struct {
	qs     []nfqIface // one per address family
	id     uint16
	ctx    context.Context
	cancel context.CancelFunc
}

type Config struct {
	ID            uint16
	WithGSO       bool
	WithConntrack bool
	FailOpen      bool
	IPv6          bool
	// VerdictMark is set on accepted packets when non-zero.
	VerdictMark uint32
}

// ConfigFor returns the worker settings for queue num+i.
func ConfigFor(q config.Queue, i int) Config {
	return Config{
		ID:            q.Num + uint16(i),
		WithGSO:       q.GSO,
		WithConntrack: q.Conntrack || q.ConnBytesLimit > 0,
		FailOpen:      q.FailOpen,
		IPv6:          q.IPv6,
		VerdictMark:   q.Mark,
	}
}

// soft errors for the IPv6 queue; IPv4 keeps running without it
func ipv6Unavailable(err error) bool {
	es := strings.ToLower(err.Error())
	for _, s := range []string{
		"address family not supported", "eafnosupport", "protocol not supported",
		"operation not permitted", "permission denied",
	} {
		if strings.Contains(es, s) {
			return true
		}
	}
	return false
}

func NewWorker(conf Config, cb processor.Callback) (*Worker, error) {
	flags := uint32(0)
	if conf.FailOpen {
		flags |= nfqueue.NfQaCfgFlagFailOpen
	}
	if conf.WithGSO {
		flags |= nfqueue.NfQaCfgFlagGSO
	}
	if conf.WithConntrack {
		flags |= nfqueue.NfQaCfgFlagConntrack
	}
	logx.Tracef("nfqueue(%d): fail_open=%v gso=%v conntrack=%v flags=0x%x",
		conf.ID, conf.FailOpen, conf.WithGSO, conf.WithConntrack, flags)

	ctx, cancel := context.WithCancel(context.Background())

	errHook := func(err error) int {
		if ctx.Err() != nil ||
			errors.Is(err, os.ErrClosed) ||
			strings.Contains(err.Error(), "closed") {
			return 0
		}
		logx.Errorf("nfqueue(%d): %v", conf.ID, err)
		return 0
	}

	closeAll := func(qs []nfqIface) {
		cancel()
		for _, z := range qs {
			_ = z.Close()
		}
	}

	var qs []nfqIface
	fams := []uint8{unix.AF_INET}
	if conf.IPv6 && ipv6Available() {
		fams = append(fams, unix.AF_INET6)
	}
	for _, af := range fams {
		q, err := openNFQ(&nfqueue.Config{
			AfFamily:     af,
			NfQueue:      conf.ID,
			MaxPacketLen: 0xFFFF,
			MaxQueueLen:  0x800,
			Copymode:     nfqueue.NfQnlCopyPacket,
			Flags:        flags,
		})
		if err != nil {
			if af == unix.AF_INET6 && ipv6Unavailable(err) {
				logx.Infof("nfqueue(%d): IPv6 queue not available: %v (continuing with IPv4)", conf.ID, err)
				continue
			}
			closeAll(qs)
			return nil, fmt.Errorf("nfqueue(%d, af=%d): %w", conf.ID, af, err)
		}

		hook := func(a nfqueue.Attribute) int {
			v := cb(&a)
			if a.PacketID == nil {
				return 0
			}
			id := *a.PacketID
			if v == nfqueue.NfAccept && conf.VerdictMark != 0 {
				if err := q.SetVerdictWithMark(id, v, int(conf.VerdictMark)); err != nil {
					logx.Errorf("nfqueue(%d) SetVerdictWithMark id=%d: %v", conf.ID, id, err)
				}
				return 0
			}
			if err := q.SetVerdict(id, v); err != nil {
				logx.Errorf("nfqueue(%d) SetVerdict id=%d: %v", conf.ID, id, err)
			}
			return 0
		}

		if err := q.RegisterWithErrorFunc(ctx, hook, errHook); err != nil {
			_ = q.Close()
			if af == unix.AF_INET6 && ipv6Unavailable(err) {
				logx.Infof("nfqueue(%d): IPv6 register skipped: %v (continuing with IPv4)", conf.ID, err)
				continue
			}
			closeAll(qs)
			return nil, fmt.Errorf("nfqueue(%d, af=%d): register: %w", conf.ID, af, err)
		}
		logx.Tracef("nfqueue(%d): bound af=%d", conf.ID, af)
		qs = append(qs, q)
	}
	if len(qs) == 0 {
		cancel()
		return nil, fmt.Errorf("nfqueue(%d): failed to bind AF_INET/AF_INET6", conf.ID)
	}
	return &Worker{qs: qs, id: conf.ID, ctx: ctx, cancel: cancel}, nil
}

func (w *Worker) ID() uint16 { return w.id }

// Run blocks until Close is called or ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		w.Close()
	case <-w.ctx.Done():
	}
	return nil
}

func (w *Worker) Close() {
	if w == nil {
		return
	}
	if w.cancel != nil {
		w.cancel()
	}
	for _, q := range w.qs {
		_ = q.Close()
	}
}

// StartAll binds q.Threads consecutive queues. On error the queues bound
// so far are closed.
func StartAll(q config.Queue, cb processor.Callback) ([]*Worker, error) {
	n := q.Threads
	if n < 1 {
		n = 1
	}
	ws := make([]*Worker, 0, n)
	for i := 0; i < n; i++ {
		w, err := NewWorker(ConfigFor(q, i), cb)
		if err != nil {
			for _, x := range ws {
				x.Close()
			}
			return nil, err
		}
		ws = append(ws, w)
	}
	return ws, nil
}
