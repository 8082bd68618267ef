package processor

import (
	"testing"

	"github.com/mdlayher/netlink"
)

func encOrig(t *testing.T, fn func(*netlink.AttributeEncoder)) []byte {
	t.Helper()
	ae := netlink.NewAttributeEncoder()
	ae.Nested(ctaCountersOrig, func(nae *netlink.AttributeEncoder) error {
		fn(nae)
		return nil
	})
	b, err := ae.Encode()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func encOrigPackets64(t *testing.T, pkts uint64) []byte {
	return encOrig(t, func(nae *netlink.AttributeEncoder) { nae.Uint64(ctaCountersPackets, pkts) })
}

func TestOrigPackets(t *testing.T) {
	tests := []struct {
		name   string
		ct     func(t *testing.T) []byte
		want   uint64
		wantOK bool
	}{
		{"64-bit", func(t *testing.T) []byte { return encOrigPackets64(t, 12345) }, 12345, true},
		{"32-bit", func(t *testing.T) []byte {
			return encOrig(t, func(nae *netlink.AttributeEncoder) { nae.Uint32(ctaCounters32Packets, 77) })
		}, 77, true},
		{"bytes-only", func(t *testing.T) []byte {
			return encOrig(t, func(nae *netlink.AttributeEncoder) { nae.Uint64(ctaCountersBytes, 900) })
		}, 0, false},
		{"empty", func(*testing.T) []byte { return nil }, 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok, err := origPackets(tc.ct(t))
			if err != nil {
				t.Fatal(err)
			}
			if ok != tc.wantOK || got != tc.want {
				t.Fatalf("got (%d, %v), want (%d, %v)", got, ok, tc.want, tc.wantOK)
			}
		})
	}
}

func TestOrigPacketsMalformed(t *testing.T) {
	// shorter than one attribute header
	if _, _, err := origPackets([]byte{0x01, 0x02, 0x03}); err == nil {
		t.Fatalf("want error for malformed attributes")
	}
}
