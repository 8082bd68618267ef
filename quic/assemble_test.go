package quic

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/zhpjy/sniproxy-ng/hello"
	"github.com/zhpjy/sniproxy-ng/tls"
)

func TestParseFrames(t *testing.T) {
	var plain []byte
	plain = append(plain, framePing)
	// ACK: largest 5, delay 0, one extra range, first range 0, gap 1, len 1
	plain = append(plain, frameAck, 0x05, 0x00, 0x01, 0x00, 0x01, 0x01)
	plain = append(plain, CryptoFrame(3, []byte("def"))...)
	plain = append(plain, CryptoFrame(0, []byte("abc"))...)
	plain = append(plain, frameAckECN, 0x01, 0x00, 0x00, 0x00, 0x01, 0x02, 0x03)
	plain = append(plain, frameConnClose, 0x00, 0x00, 0x02, 'o', 'k')
	plain = append(plain, 0x00, 0x00, 0x00)

	frames, err := parseFrames(plain)
	if err != nil {
		t.Fatalf("parseFrames: %v", err)
	}
	if len(frames) != 2 || frames[0].off != 3 || string(frames[1].b) != "abc" {
		t.Fatalf("frames = %+v", frames)
	}

	bad := []struct {
		name  string
		plain []byte
	}{
		{"stream-frame", []byte{0x08, 0x00}},
		{"crypto-overrun", []byte{frameCrypto, 0x00, 0x10, 'a'}},
		{"ack-truncated", []byte{frameAck, 0x05}},
		{"close-overrun", []byte{frameConnClose, 0x00, 0x00, 0x09}},
		{"type-truncated", []byte{0x40}},
	}
	for _, tc := range bad {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseFrames(tc.plain); !errors.Is(err, ErrBadFrame) {
				t.Fatalf("err = %v, want ErrBadFrame", err)
			}
		})
	}
}

func TestAssembler_OutOfOrder(t *testing.T) {
	a := NewAssembler(8)
	dcid := []byte{1, 2, 3}

	got, err := a.Add(dcid, CryptoFrame(4, []byte("5678")))
	if err != nil || len(got) != 0 {
		t.Fatalf("gap at offset 0 must yield an empty prefix, got %q, %v", got, err)
	}
	got, err = a.Add(dcid, CryptoFrame(0, []byte("1234")))
	if err != nil || string(got) != "12345678" {
		t.Fatalf("prefix = %q, %v", got, err)
	}

	// returned prefix is a copy
	got[0] = 'X'
	again, _ := a.Add(dcid, CryptoFrame(8, []byte("9")))
	if string(again) != "123456789" {
		t.Fatalf("stream corrupted through returned slice: %q", again)
	}

	if _, err := a.Add(dcid, []byte{0x00, 0x00}); !errors.Is(err, ErrNoCrypto) {
		t.Fatalf("padding-only payload: err = %v, want ErrNoCrypto", err)
	}
}

func TestAssembler_CapAndEviction(t *testing.T) {
	a := NewAssembler(2)
	got, err := a.Add([]byte{9}, CryptoFrame(maxCryptoStream-1, []byte("ab")))
	if err != nil || len(got) != 0 {
		t.Fatalf("frame past the cap must be dropped, got %q, %v", got, err)
	}

	for i := 0; i < 3; i++ {
		if _, err := a.Add([]byte{byte(i)}, CryptoFrame(0, []byte("x"))); err != nil {
			t.Fatal(err)
		}
	}
	if a.Len() != 2 {
		t.Fatalf("Len = %d, want 2", a.Len())
	}
	a.Forget([]byte{2})
	if a.Len() != 1 {
		t.Fatalf("Len after Forget = %d, want 1", a.Len())
	}
}

func TestExtractSNI_SinglePacket(t *testing.T) {
	for _, v := range []uint32{Version1, Version2} {
		t.Run(fmt.Sprintf("%#x", v), func(t *testing.T) {
			msg := hello.Handshake(hello.Options{ServerNames: []string{"quic.example"}})
			pkt := mustSeal(t, v, 0, CryptoFrame(0, msg))

			got, err := ExtractSNI(pkt, nil)
			if err != nil {
				t.Fatalf("ExtractSNI: %v", err)
			}
			if got != "quic.example" {
				t.Fatalf("sni = %q", got)
			}
		})
	}
}

func TestExtractSNI_SplitAcrossPackets(t *testing.T) {
	msg := hello.Handshake(hello.Options{
		ServerNames: []string{"split.example"},
		Before:      []hello.Extension{{Type: 0x0015, Data: make([]byte, 900)}}, // padding
	})
	half := len(msg) / 2
	first := mustSeal(t, Version1, 0, CryptoFrame(0, msg[:half]))
	second := mustSeal(t, Version1, 1, CryptoFrame(uint64(half), msg[half:]))

	a := NewAssembler(16)
	if _, err := ExtractSNI(first, a); !errors.Is(err, tls.ErrTruncated) {
		t.Fatalf("first half: err = %v, want tls.ErrTruncated", err)
	}
	if a.Len() != 1 {
		t.Fatalf("stream not retained between packets")
	}

	// a datagram may carry bytes after the Initial
	dgram := append(append([]byte(nil), second...), bytes.Repeat([]byte{0xee}, 32)...)
	got, err := ExtractSNI(dgram, a)
	if err != nil || got != "split.example" {
		t.Fatalf("second half: (%q, %v)", got, err)
	}
	if a.Len() != 0 {
		t.Fatalf("finished stream not forgotten")
	}
}

func TestExtractSNI_WaitsForWholeClientHello(t *testing.T) {
	msg := hello.Handshake(hello.Options{
		ServerNames: []string{"late.example"},
		Before:      []hello.Extension{{Type: 0x0015, Data: make([]byte, 64)}},
	})
	sniExt := -1
	if _, err := tls.ExtractSNIFromHandshakeTrace(msg, func(f tls.Field) {
		if f.Name == "extension.type" && f.Value == 0 {
			sniExt = f.Offset
		}
	}); err != nil || sniExt < 0 {
		t.Fatalf("trace: offset %d, err %v", sniExt, err)
	}

	// the first packet stops two bytes into the server_name extension header
	cut := sniExt + 2
	first := mustSeal(t, Version1, 0, CryptoFrame(0, msg[:cut]))
	second := mustSeal(t, Version1, 1, CryptoFrame(uint64(cut), msg[cut:]))

	a := NewAssembler(16)
	if _, err := ExtractSNI(first, a); !errors.Is(err, tls.ErrTruncated) {
		t.Fatalf("first packet: err = %v, want tls.ErrTruncated", err)
	}
	if a.Len() != 1 {
		t.Fatalf("partial stream was dropped")
	}
	got, err := ExtractSNI(second, a)
	if err != nil || got != "late.example" {
		t.Fatalf("second packet: (%q, %v)", got, err)
	}
}

func TestExtractSNI_Errors(t *testing.T) {
	if _, err := ExtractSNI([]byte{0x40, 1, 2, 3, 4}, nil); !errors.Is(err, ErrNotInitial) {
		t.Fatalf("short header: err = %v", err)
	}

	noSNI := mustSeal(t, Version1, 0, CryptoFrame(0, hello.Handshake(hello.Options{})))
	if _, err := ExtractSNI(noSNI, nil); !errors.Is(err, tls.ErrSNINotFound) {
		t.Fatalf("no SNI: err = %v", err)
	}
}
