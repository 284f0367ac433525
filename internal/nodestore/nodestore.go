// Package nodestore persists node manifests. Each named node owns a
// directory under <root>/nodes holding three files: config (bootstrap peers,
// external addresses, owned-object fingerprints in a versioned binary
// encoding), keypair (the libp2p protobuf key envelope), and seed (optional,
// present only for deterministic identities). A manifest is always at rest
// while its node is stopped.
package nodestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"pkt.systems/pslog"

	"github.com/liberum-neto/liberum/internal/fingerprint"
	"github.com/liberum-neto/liberum/internal/identity"
)

var (
	// ErrNotFound reports a manifest that does not exist on disk.
	ErrNotFound = errors.New("nodestore: node does not exist")
	// ErrExists reports a create for a name already taken.
	ErrExists = errors.New("nodestore: node already exists")
	// ErrBadName rejects empty or path-escaping node names.
	ErrBadName = errors.New("nodestore: invalid node name")
)

const (
	configFileName  = "config"
	keypairFileName = "keypair"
	seedFileName    = "seed"
)

// BootstrapPeer is a preconfigured entry point into the DHT.
type BootstrapPeer struct {
	ID   peer.ID
	Addr ma.Multiaddr
}

// Manifest is the persistent state of one named node.
type Manifest struct {
	Name          string
	Keypair       crypto.PrivKey
	Seed          *uint64
	Bootstrap     []BootstrapPeer
	ExternalAddrs []ma.Multiaddr
	OwnedObjects  []fingerprint.Fingerprint
}

// PeerID derives the manifest's peer ID.
func (m *Manifest) PeerID() (peer.ID, error) {
	return identity.PeerID(m.Keypair)
}

// Store reads and writes manifests under a nodes directory.
type Store struct {
	root   string
	tmpDir string
	logger pslog.Logger
}

// Open prepares a manifest store rooted at root.
func Open(root string, logger pslog.Logger) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("nodestore: root path required")
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	nodesDir := filepath.Join(filepath.Clean(root), "nodes")
	tmpDir := filepath.Join(filepath.Clean(root), "tmp")
	for _, dir := range []string{nodesDir, tmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("nodestore: prepare directory %q: %w", dir, err)
		}
	}
	return &Store{root: nodesDir, tmpDir: tmpDir, logger: logger.With("svc", "nodestore")}, nil
}

func validName(name string) bool {
	return name != "" && name == filepath.Base(name) && name != "." && name != ".."
}

func (s *Store) nodeDir(name string) string {
	return filepath.Join(s.root, name)
}

// Exists reports whether a manifest for name is on disk.
func (s *Store) Exists(name string) bool {
	if !validName(name) {
		return false
	}
	info, err := os.Stat(s.nodeDir(name))
	return err == nil && info.IsDir()
}

// Save persists the manifest, creating the node directory when missing.
func (s *Store) Save(m *Manifest) error {
	if !validName(m.Name) {
		return fmt.Errorf("%w: %q", ErrBadName, m.Name)
	}
	dir := s.nodeDir(m.Name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("nodestore: prepare node directory %q: %w", dir, err)
	}

	keyBytes, err := identity.Marshal(m.Keypair)
	if err != nil {
		return err
	}
	if err := s.atomicWrite(filepath.Join(dir, keypairFileName), keyBytes, 0o600); err != nil {
		return fmt.Errorf("nodestore: write keypair for %q: %w", m.Name, err)
	}

	cfg, err := encodeConfig(m)
	if err != nil {
		return fmt.Errorf("nodestore: encode config for %q: %w", m.Name, err)
	}
	if err := s.atomicWrite(filepath.Join(dir, configFileName), cfg, 0o644); err != nil {
		return fmt.Errorf("nodestore: write config for %q: %w", m.Name, err)
	}

	seedPath := filepath.Join(dir, seedFileName)
	if m.Seed != nil {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], *m.Seed)
		if err := s.atomicWrite(seedPath, buf[:], 0o600); err != nil {
			return fmt.Errorf("nodestore: write seed for %q: %w", m.Name, err)
		}
	} else if err := os.Remove(seedPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("nodestore: remove stale seed for %q: %w", m.Name, err)
	}

	s.logger.Debug("nodestore.save", "node", m.Name, "bootstrap", len(m.Bootstrap), "owned", len(m.OwnedObjects))
	return nil
}

// Load reads the manifest for name.
func (s *Store) Load(name string) (*Manifest, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w: %q", ErrBadName, name)
	}
	dir := s.nodeDir(name)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	keyBytes, err := os.ReadFile(filepath.Join(dir, keypairFileName))
	if err != nil {
		return nil, fmt.Errorf("nodestore: read keypair for %q: %w", name, err)
	}
	keypair, err := identity.Unmarshal(keyBytes)
	if err != nil {
		return nil, err
	}

	m := &Manifest{Name: name, Keypair: keypair}

	cfgBytes, err := os.ReadFile(filepath.Join(dir, configFileName))
	if err != nil {
		return nil, fmt.Errorf("nodestore: read config for %q: %w", name, err)
	}
	if err := decodeConfig(cfgBytes, m); err != nil {
		return nil, fmt.Errorf("nodestore: decode config for %q: %w", name, err)
	}

	seedBytes, err := os.ReadFile(filepath.Join(dir, seedFileName))
	switch {
	case err == nil:
		if len(seedBytes) != 8 {
			return nil, fmt.Errorf("nodestore: seed file for %q has %d bytes, want 8", name, len(seedBytes))
		}
		seed := binary.BigEndian.Uint64(seedBytes)
		m.Seed = &seed
	case os.IsNotExist(err):
		// Optional file; random identity.
	default:
		return nil, fmt.Errorf("nodestore: read seed for %q: %w", name, err)
	}

	return m, nil
}

// List returns the names of every stored manifest, in directory order.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("nodestore: list nodes: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// Delete destroys the manifest for name.
func (s *Store) Delete(name string) error {
	if !validName(name) {
		return fmt.Errorf("%w: %q", ErrBadName, name)
	}
	if !s.Exists(name) {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if err := os.RemoveAll(s.nodeDir(name)); err != nil {
		return fmt.Errorf("nodestore: delete node %q: %w", name, err)
	}
	s.logger.Debug("nodestore.delete", "node", name)
	return nil
}

func (s *Store) atomicWrite(path string, payload []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(s.tmpDir, "manifest-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
