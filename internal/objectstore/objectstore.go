// Package objectstore implements the daemon-wide content-addressed blob
// store. One instance serves every node in the process: blobs live under
// <root>/objects, one file per fingerprint plus a sidecar metadata record
// carrying the owner peer ID, publish timestamp, and a reference count of
// logical publications. Mutations are serialized under a single writer lock;
// readers proceed concurrently.
package objectstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"pkt.systems/pslog"

	"github.com/liberum-neto/liberum/internal/fingerprint"
	"github.com/liberum-neto/liberum/internal/identity"
)

var (
	// ErrNotFound reports an unknown fingerprint.
	ErrNotFound = errors.New("objectstore: object not found")
	// ErrNotOwner reports a delete request whose requester does not match
	// the recorded owner or whose signature does not verify.
	ErrNotOwner = errors.New("objectstore: requester is not the owner")
	// ErrIntegrity reports a put whose metadata disagrees with the record
	// already on disk.
	ErrIntegrity = errors.New("objectstore: metadata conflict")
	// ErrCorrupted reports an unreadable on-disk record.
	ErrCorrupted = errors.New("objectstore: corrupted record")
)

const metaSuffix = ".meta"

// Store is a disk-backed content-addressed object store.
type Store struct {
	objectDir string
	tmpDir    string
	logger    pslog.Logger

	mu sync.RWMutex
}

// Open initialises the store rooted at root, creating the directory layout
// when missing.
func Open(root string, logger pslog.Logger) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("objectstore: root path required")
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	objectDir := filepath.Join(filepath.Clean(root), "objects")
	tmpDir := filepath.Join(filepath.Clean(root), "tmp")
	for _, dir := range []string{objectDir, tmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("objectstore: prepare directory %q: %w", dir, err)
		}
	}
	return &Store{
		objectDir: objectDir,
		tmpDir:    tmpDir,
		logger:    logger.With("svc", "objectstore"),
	}, nil
}

// Close releases the store. Present for symmetric lifecycle; the store holds
// no background state.
func (s *Store) Close() error {
	return nil
}

func (s *Store) blobPath(fp fingerprint.Fingerprint) string {
	return filepath.Join(s.objectDir, fp.String())
}

func (s *Store) metaPath(fp fingerprint.Fingerprint) string {
	return filepath.Join(s.objectDir, fp.String()+metaSuffix)
}

// Put stores data published by owner. Storing the same bytes twice is
// idempotent and increments the refcount. A put whose fingerprint exists with
// a different recorded owner fails with ErrIntegrity.
func (s *Store) Put(data []byte, owner peer.ID, published time.Time) (fingerprint.Fingerprint, error) {
	fp := fingerprint.FromBytes(data)
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.readMeta(fp)
	switch {
	case err == nil:
		if meta.Owner != owner {
			return fp, fmt.Errorf("%w: fingerprint %s owned by %s", ErrIntegrity, fp, meta.Owner)
		}
		meta.RefCount++
		if err := s.writeMeta(fp, meta); err != nil {
			return fp, err
		}
		s.logger.Debug("objectstore.put.refcount", "fingerprint", fp.String(), "refcount", meta.RefCount)
		return fp, nil
	case errors.Is(err, ErrNotFound):
		m := &Meta{Owner: owner, PublishedAt: published, RefCount: 1}
		if err := s.writeObject(fp, data, m); err != nil {
			return fp, err
		}
		s.logger.Debug("objectstore.put.new", "fingerprint", fp.String(), "owner", owner.String(), "bytes", len(data))
		return fp, nil
	default:
		return fp, err
	}
}

// PutCached stores bytes obtained from a remote provider. The copy carries
// refcount 0 and records owner as the owner-of-record learned from the
// serving peer. Present objects are left untouched.
func (s *Store) PutCached(data []byte, owner peer.ID) (fingerprint.Fingerprint, error) {
	fp := fingerprint.FromBytes(data)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.readMeta(fp); err == nil {
		return fp, nil
	} else if !errors.Is(err, ErrNotFound) {
		return fp, err
	}
	m := &Meta{Owner: owner, PublishedAt: time.Now().UTC(), RefCount: 0}
	if err := s.writeObject(fp, data, m); err != nil {
		return fp, err
	}
	s.logger.Debug("objectstore.put.cached", "fingerprint", fp.String(), "owner", owner.String(), "bytes", len(data))
	return fp, nil
}

// Get returns the bytes stored for fp.
func (s *Store) Get(fp fingerprint.Fingerprint) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.blobPath(fp))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("objectstore: read blob %s: %w", fp, err)
	}
	return data, nil
}

// Stat returns the sidecar metadata for fp.
func (s *Store) Stat(fp fingerprint.Fingerprint) (*Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readMeta(fp)
}

// List returns the fingerprints of every locally stored object.
func (s *Store) List() ([]fingerprint.Fingerprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.objectDir)
	if err != nil {
		return nil, fmt.Errorf("objectstore: list objects: %w", err)
	}
	fps := make([]fingerprint.Fingerprint, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasSuffix(name, metaSuffix) {
			continue
		}
		fp, err := fingerprint.Parse(name)
		if err != nil {
			s.logger.Warn("objectstore.list.skip_foreign_file", "name", name, "error", err)
			continue
		}
		fps = append(fps, fp)
	}
	return fps, nil
}

// Delete removes one logical publication of fp on behalf of requester. The
// signature must be requester's signature over the raw fingerprint digest
// and requester must match the recorded owner. The refcount is decremented;
// at zero both blob and sidecar are removed. The returned flag reports
// whether the object left the disk entirely.
func (s *Store) Delete(fp fingerprint.Fingerprint, requester peer.ID, sig []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.readMeta(fp)
	if err != nil {
		return false, err
	}
	if meta.Owner != requester {
		return false, fmt.Errorf("%w: fingerprint %s", ErrNotOwner, fp)
	}
	ok, err := identity.Verify(requester, fp.Bytes(), sig)
	if err != nil || !ok {
		return false, fmt.Errorf("%w: signature rejected for %s", ErrNotOwner, fp)
	}

	if meta.RefCount > 1 {
		meta.RefCount--
		if err := s.writeMeta(fp, meta); err != nil {
			return false, err
		}
		s.logger.Debug("objectstore.delete.refcount", "fingerprint", fp.String(), "refcount", meta.RefCount)
		return false, nil
	}

	if err := os.Remove(s.blobPath(fp)); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("objectstore: remove blob %s: %w", fp, err)
	}
	if err := os.Remove(s.metaPath(fp)); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("objectstore: remove metadata %s: %w", fp, err)
	}
	s.logger.Debug("objectstore.delete.removed", "fingerprint", fp.String())
	return true, nil
}

// writeObject persists blob and sidecar, blob first so a crash never leaves
// metadata pointing at a missing blob.
func (s *Store) writeObject(fp fingerprint.Fingerprint, data []byte, meta *Meta) error {
	if err := s.atomicWrite(s.blobPath(fp), data); err != nil {
		return fmt.Errorf("objectstore: write blob %s: %w", fp, err)
	}
	if err := s.writeMeta(fp, meta); err != nil {
		if removeErr := os.Remove(s.blobPath(fp)); removeErr != nil {
			s.logger.Debug("objectstore.put.rollback_error", "fingerprint", fp.String(), "error", removeErr)
		}
		return err
	}
	return nil
}

func (s *Store) writeMeta(fp fingerprint.Fingerprint, meta *Meta) error {
	payload, err := meta.encode()
	if err != nil {
		return fmt.Errorf("objectstore: encode metadata %s: %w", fp, err)
	}
	if err := s.atomicWrite(s.metaPath(fp), payload); err != nil {
		return fmt.Errorf("objectstore: write metadata %s: %w", fp, err)
	}
	return nil
}

func (s *Store) readMeta(fp fingerprint.Fingerprint) (*Meta, error) {
	payload, err := os.ReadFile(s.metaPath(fp))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("objectstore: read metadata %s: %w", fp, err)
	}
	meta, err := decodeMeta(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupted, fp, err)
	}
	return meta, nil
}

// atomicWrite is the temp+fsync+rename discipline: a reader never observes a
// partially written file.
func (s *Store) atomicWrite(path string, payload []byte) error {
	tmp, err := os.CreateTemp(s.tmpDir, "object-*")
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
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
