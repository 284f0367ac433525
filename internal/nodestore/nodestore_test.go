package nodestore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	ma "github.com/multiformats/go-multiaddr"
	"pkt.systems/pslog"

	"github.com/liberum-neto/liberum/internal/fingerprint"
	"github.com/liberum-neto/liberum/internal/identity"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), pslog.NoopLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func testManifest(t *testing.T, name string, seed uint64) *Manifest {
	t.Helper()
	priv, err := identity.FromSeed(seed)
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	return &Manifest{Name: name, Keypair: priv, Seed: &seed}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	bootPriv, _ := identity.FromSeed(99)
	bootID, _ := identity.PeerID(bootPriv)
	bootAddr, err := ma.NewMultiaddr("/ip6/::1/udp/52138/quic-v1")
	if err != nil {
		t.Fatalf("multiaddr: %v", err)
	}
	extAddr, err := ma.NewMultiaddr("/ip4/198.51.100.7/udp/4001/quic-v1")
	if err != nil {
		t.Fatalf("multiaddr: %v", err)
	}

	m := testManifest(t, "alpha", 1)
	m.Bootstrap = []BootstrapPeer{{ID: bootID, Addr: bootAddr}}
	m.ExternalAddrs = []ma.Multiaddr{extAddr}
	m.OwnedObjects = []fingerprint.Fingerprint{
		fingerprint.FromBytes([]byte("one")),
		fingerprint.FromBytes([]byte("two")),
	}

	if err := s.Save(m); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load("alpha")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if got.Name != "alpha" {
		t.Fatalf("wrong name %q", got.Name)
	}
	if !got.Keypair.Equals(m.Keypair) {
		t.Fatal("keypair changed across round trip")
	}
	if got.Seed == nil || *got.Seed != 1 {
		t.Fatalf("seed lost: %v", got.Seed)
	}
	if len(got.Bootstrap) != 1 || got.Bootstrap[0].ID != bootID || !got.Bootstrap[0].Addr.Equal(bootAddr) {
		t.Fatalf("bootstrap list mismatch: %+v", got.Bootstrap)
	}
	if len(got.ExternalAddrs) != 1 || !got.ExternalAddrs[0].Equal(extAddr) {
		t.Fatalf("external addrs mismatch: %+v", got.ExternalAddrs)
	}
	if len(got.OwnedObjects) != 2 || got.OwnedObjects[0] != m.OwnedObjects[0] || got.OwnedObjects[1] != m.OwnedObjects[1] {
		t.Fatalf("owned objects mismatch: %+v", got.OwnedObjects)
	}
}

func TestSeedOptional(t *testing.T) {
	s := newTestStore(t)
	m := testManifest(t, "random", 5)
	m.Seed = nil
	if err := s.Save(m); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load("random")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Seed != nil {
		t.Fatalf("expected no seed, got %d", *got.Seed)
	}
	if _, err := os.Stat(filepath.Join(s.nodeDir("random"), seedFileName)); !os.IsNotExist(err) {
		t.Fatalf("seed file should not exist: %v", err)
	}
}

func TestMissingTrailingSectionsDefault(t *testing.T) {
	s := newTestStore(t)
	m := testManifest(t, "old-format", 3)
	if err := s.Save(m); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Simulate a config written before the external/owned sections existed:
	// version byte plus an empty bootstrap section only.
	cfgPath := filepath.Join(s.nodeDir("old-format"), configFileName)
	if err := os.WriteFile(cfgPath, []byte{configVersion, 0x00, 0x00}, 0o644); err != nil {
		t.Fatalf("write truncated config: %v", err)
	}

	got, err := s.Load("old-format")
	if err != nil {
		t.Fatalf("load truncated config: %v", err)
	}
	if len(got.Bootstrap) != 0 || len(got.ExternalAddrs) != 0 || len(got.OwnedObjects) != 0 {
		t.Fatalf("missing sections should default empty: %+v", got)
	}
}

func TestLoadUnknownNode(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Load("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBadNamesRejected(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"", ".", "..", "a/b"} {
		m := testManifest(t, name, 1)
		m.Name = name
		if err := s.Save(m); !errors.Is(err, ErrBadName) {
			t.Fatalf("expected ErrBadName for %q, got %v", name, err)
		}
	}
}

func TestListAndDelete(t *testing.T) {
	s := newTestStore(t)
	for i, name := range []string{"n1", "n2"} {
		if err := s.Save(testManifest(t, name, uint64(i+1))); err != nil {
			t.Fatalf("save %s: %v", name, err)
		}
	}
	names, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 nodes, got %v", names)
	}
	if err := s.Delete("n1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if s.Exists("n1") {
		t.Fatal("n1 should be gone")
	}
	if err := s.Delete("n1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestConfigVersionRejected(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save(testManifest(t, "versioned", 2)); err != nil {
		t.Fatalf("save: %v", err)
	}
	cfgPath := filepath.Join(s.nodeDir("versioned"), configFileName)
	if err := os.WriteFile(cfgPath, []byte{0x7F, 0x00, 0x00}, 0o644); err != nil {
		t.Fatalf("write bad config: %v", err)
	}
	if _, err := s.Load("versioned"); err == nil {
		t.Fatal("expected unknown config version to be rejected")
	}
}
