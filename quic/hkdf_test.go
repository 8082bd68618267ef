package quic

import (
	"bytes"
	"encoding/hex"
	"testing"
)

// Test vectors: RFC 9001 A.5 “ChaCha20‑Poly1305 Short Header Packet”
// secret  = 9ac312a7f877468ebe69422748ad00a15443f18203a07d6060f688f30f21632b
// key     = c6d98ff3441c3fe1b2182094f69caa2ed4b716b65488960a7a984979fb23e1c8
// iv      = e0459b3474bdd0e44a41c144
// hp      = 25a282b9e82f06f21f488917a4fc8f1b73573685608597d0efcb076b0ab7a7a4
func TestHKDFExpandLabel_RFC9001Vectors(t *testing.T) {
	secret, _ := hex.DecodeString(
		"9ac312a7f877468ebe69422748ad00a15443f18203a07d6060f688f30f21632b")

	cases := []struct {
		label string
		size  int
		want  string // hex
	}{
		{"quic key", 32,
			"c6d98ff3441c3fe1b2182094f69caa2ed4b716b65488960a7a984979fb23e1c8"},
		{"quic iv", 12,
			"e0459b3474bdd0e44a41c144"},
		{"quic hp", 32,
			"25a282b9e82f06f21f488917a4fc8f1b73573685608597d0efcb076b0ab7a7a4"},
	}

	for _, tc := range cases {
		got, err := hkdfExpandLabel(secret, tc.label, tc.size)
		if err != nil {
			t.Fatalf("hkdfExpandLabel(%q) returned error: %v", tc.label, err)
		}
		wantBytes, _ := hex.DecodeString(tc.want)
		if !bytes.Equal(got, wantBytes) {
			t.Errorf("%q mismatch:\n got  %x\n want %s",
				tc.label, got, tc.want)
		}
	}
}

// RFC 9001 A.1: client Initial keys for DCID 0x8394c8f03e515708.
func TestClientInitialKeys_RFC9001(t *testing.T) {
	dcid, _ := hex.DecodeString("8394c8f03e515708")

	secret, lb, err := clientInitialSecret(dcid, Version1)
	if err != nil {
		t.Fatalf("clientInitialSecret: %v", err)
	}
	if got := hex.EncodeToString(secret); got != "c00cf151ca5be075ed0ebfb5c80323c42d6b7db67881289af4008f1f6c357aea" {
		t.Fatalf("client_initial_secret = %s", got)
	}

	cases := []struct {
		label string
		size  int
		want  string
	}{
		{lb.key, keySize, "1f369613dd76d5467730efcbe3b1a22d"},
		{lb.iv, ivSize, "fa044b2f42a3fd3b46fb255c"},
		{lb.hp, keySize, "9f50449e04a0e810283a1e9933adedd2"},
	}
	for _, tc := range cases {
		got, err := hkdfExpandLabel(secret, tc.label, tc.size)
		if err != nil {
			t.Fatalf("hkdfExpandLabel(%q): %v", tc.label, err)
		}
		if hex.EncodeToString(got) != tc.want {
			t.Errorf("%q = %x, want %s", tc.label, got, tc.want)
		}
	}
}

func TestClientInitialSecret_VersionsDiffer(t *testing.T) {
	dcid := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	s1, l1, err1 := clientInitialSecret(dcid, Version1)
	s2, l2, err2 := clientInitialSecret(dcid, Version2)
	if err1 != nil || err2 != nil {
		t.Fatalf("errors: %v / %v", err1, err2)
	}
	if bytes.Equal(s1, s2) || l1 == l2 {
		t.Fatalf("v1 and v2 must use different salts and labels")
	}
	if _, _, err := clientInitialSecret(dcid, 0xff00001d); err == nil {
		t.Fatalf("draft version must be rejected")
	}
}
