package fingerprint

import (
	"strings"
	"testing"

	"github.com/ipfs/go-cid"
)

func TestFromBytesDeterministic(t *testing.T) {
	a := FromBytes([]byte("Hello, World!\n"))
	b := FromBytes([]byte("Hello, World!\n"))
	if a != b {
		t.Fatalf("same input produced different fingerprints: %s vs %s", a, b)
	}
	c := FromBytes([]byte("Hello, World!"))
	if a == c {
		t.Fatalf("different inputs produced the same fingerprint %s", a)
	}
}

func TestStringParseRoundTrip(t *testing.T) {
	fp := FromBytes([]byte("round trip payload"))
	got, err := Parse(fp.String())
	if err != nil {
		t.Fatalf("parse of own string form failed: %v", err)
	}
	if got != fp {
		t.Fatalf("round trip mismatch: %s != %s", got, fp)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	cases := []string{
		"",
		"not!base58",
		"abc", // decodes but too short
		strings.Repeat("1", 200),
	}
	for _, in := range cases {
		if _, err := Parse(in); err == nil {
			t.Fatalf("expected %q to be rejected", in)
		}
	}
}

func TestDHTKey(t *testing.T) {
	fp := FromBytes([]byte("dht key payload"))
	key, err := fp.DHTKey()
	if err != nil {
		t.Fatalf("dht key: %v", err)
	}
	if key.Prefix().Codec != cid.Raw {
		t.Fatalf("expected raw codec, got %d", key.Prefix().Codec)
	}
	again, err := fp.DHTKey()
	if err != nil {
		t.Fatalf("dht key second call: %v", err)
	}
	if !key.Equals(again) {
		t.Fatalf("dht key not deterministic: %s vs %s", key, again)
	}
	other, err := FromBytes([]byte("other payload")).DHTKey()
	if err != nil {
		t.Fatalf("dht key other: %v", err)
	}
	if key.Equals(other) {
		t.Fatal("distinct fingerprints mapped to the same dht key")
	}
}
