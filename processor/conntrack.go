package processor

import (
	"github.com/mdlayher/netlink"
)

// ctattr_type (linux/netfilter/nfnetlink_conntrack.h)
const (
	ctaCountersOrig = 9 // CTA_COUNTERS_ORIG
)

// ctattr_counters (linux/netfilter/nfnetlink_conntrack.h)
const (
	ctaCountersPackets   = 1 // CTA_COUNTERS_PACKETS (u64)
	ctaCountersBytes     = 2 // CTA_COUNTERS_BYTES (u64)
	ctaCounters32Packets = 3 // CTA_COUNTERS32_PACKETS (u32)
)

// origPackets returns the original-direction packet counter carried in a
// queued packet's NFQA_CT attribute. ok is false when the kernel did not
// attach counters, which happens unless nf_conntrack_acct is enabled.
func origPackets(ct []byte) (pkts uint64, ok bool, err error) {
	ad, err := netlink.NewAttributeDecoder(ct)
	if err != nil {
		return 0, false, err
	}
	for ad.Next() {
		if ad.Type() != ctaCountersOrig {
			continue
		}
		ad.Nested(func(cad *netlink.AttributeDecoder) error {
			for cad.Next() {
				switch cad.Type() {
				case ctaCountersPackets:
					pkts, ok = cad.Uint64(), true
				case ctaCounters32Packets:
					pkts, ok = uint64(cad.Uint32()), true
				}
			}
			return cad.Err()
		})
	}
	if err := ad.Err(); err != nil {
		return 0, false, err
	}
	return pkts, ok, nil
}
