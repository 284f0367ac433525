package node

import (
	"testing"

	ma "github.com/multiformats/go-multiaddr"
)

func mustMultiaddr(t *testing.T, s string) ma.Multiaddr {
	t.Helper()
	addr, err := ma.NewMultiaddr(s)
	if err != nil {
		t.Fatalf("multiaddr %q: %v", s, err)
	}
	return addr
}
