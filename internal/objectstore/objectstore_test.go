package objectstore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

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

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	priv, _ := identity.FromSeed(1)
	owner, _ := identity.PeerID(priv)

	data := []byte("Hello, World!\n")
	fp, err := s.Put(data, owner, time.Now())
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if fp != fingerprint.FromBytes(data) {
		t.Fatalf("put returned wrong fingerprint %s", fp)
	}
	got, err := s.Get(fp)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestPutIdempotentIncrementsRefCount(t *testing.T) {
	s := newTestStore(t)
	priv, _ := identity.FromSeed(1)
	owner, _ := identity.PeerID(priv)

	data := []byte("published twice")
	fp1, err := s.Put(data, owner, time.Now())
	if err != nil {
		t.Fatalf("first put: %v", err)
	}
	fp2, err := s.Put(data, owner, time.Now())
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if fp1 != fp2 {
		t.Fatalf("puts disagreed on fingerprint: %s vs %s", fp1, fp2)
	}
	meta, err := s.Stat(fp1)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if meta.RefCount != 2 {
		t.Fatalf("expected refcount 2, got %d", meta.RefCount)
	}

	// Exactly one blob on disk.
	fps, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(fps) != 1 || fps[0] != fp1 {
		t.Fatalf("expected exactly one stored object, got %v", fps)
	}
}

func TestPutRejectsOwnerConflict(t *testing.T) {
	s := newTestStore(t)
	privA, _ := identity.FromSeed(1)
	ownerA, _ := identity.PeerID(privA)
	privB, _ := identity.FromSeed(2)
	ownerB, _ := identity.PeerID(privB)

	data := []byte("contested object")
	if _, err := s.Put(data, ownerA, time.Now()); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Put(data, ownerB, time.Now()); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
}

func TestGetUnknownFingerprint(t *testing.T) {
	s := newTestStore(t)
	fp := fingerprint.FromBytes([]byte("never stored"))
	if _, err := s.Get(fp); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteAuthorization(t *testing.T) {
	s := newTestStore(t)
	privOwner, _ := identity.FromSeed(1)
	owner, _ := identity.PeerID(privOwner)
	privOther, _ := identity.FromSeed(2)
	other, _ := identity.PeerID(privOther)

	data := []byte("delete me")
	fp, err := s.Put(data, owner, time.Now())
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	// A non-owner with a valid self-signature is refused.
	otherSig, err := identity.Sign(privOther, fp.Bytes())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := s.Delete(fp, other, otherSig); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner for non-owner, got %v", err)
	}

	// The owner with a bad signature is refused.
	if _, err := s.Delete(fp, owner, otherSig); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner for bad signature, got %v", err)
	}

	// The owner with a valid signature succeeds and the object is gone.
	ownerSig, err := identity.Sign(privOwner, fp.Bytes())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	removed, err := s.Delete(fp, owner, ownerSig)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !removed {
		t.Fatal("expected refcount-1 delete to remove the object")
	}
	if _, err := s.Get(fp); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected object gone, got %v", err)
	}
	if _, err := s.Stat(fp); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected metadata gone, got %v", err)
	}
}

func TestDeleteDecrementsBeforeRemoving(t *testing.T) {
	s := newTestStore(t)
	priv, _ := identity.FromSeed(1)
	owner, _ := identity.PeerID(priv)

	data := []byte("twice published, once deleted")
	fp, _ := s.Put(data, owner, time.Now())
	if _, err := s.Put(data, owner, time.Now()); err != nil {
		t.Fatalf("second put: %v", err)
	}
	sig, _ := identity.Sign(priv, fp.Bytes())

	removed, err := s.Delete(fp, owner, sig)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if removed {
		t.Fatal("first delete should only decrement")
	}
	meta, err := s.Stat(fp)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if meta.RefCount != 1 {
		t.Fatalf("expected refcount 1, got %d", meta.RefCount)
	}

	removed, err = s.Delete(fp, owner, sig)
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if !removed {
		t.Fatal("second delete should remove the object")
	}
}

func TestPutCached(t *testing.T) {
	s := newTestStore(t)
	priv, _ := identity.FromSeed(1)
	owner, _ := identity.PeerID(priv)

	data := []byte("downloaded copy")
	fp, err := s.PutCached(data, owner)
	if err != nil {
		t.Fatalf("put cached: %v", err)
	}
	meta, err := s.Stat(fp)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if meta.RefCount != 0 {
		t.Fatalf("cached copy should carry refcount 0, got %d", meta.RefCount)
	}
	if meta.Owner != owner {
		t.Fatalf("cached copy recorded wrong owner %s", meta.Owner)
	}

	// A cached delete by the owner-of-record removes the copy outright.
	sig, _ := identity.Sign(priv, fp.Bytes())
	removed, err := s.Delete(fp, owner, sig)
	if err != nil {
		t.Fatalf("delete cached: %v", err)
	}
	if !removed {
		t.Fatal("cached copy should be removed on delete")
	}
}

func TestMetaEncodingRoundTrip(t *testing.T) {
	priv, _ := identity.FromSeed(7)
	owner, _ := identity.PeerID(priv)
	in := &Meta{Owner: owner, PublishedAt: time.Unix(0, 1712345678900000000).UTC(), RefCount: 3}
	payload, err := in.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if payload[0] != metaVersion {
		t.Fatalf("missing version tag, got 0x%02x", payload[0])
	}
	out, err := decodeMeta(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Owner != in.Owner || !out.PublishedAt.Equal(in.PublishedAt) || out.RefCount != in.RefCount {
		t.Fatalf("round trip mismatch: %+v vs %+v", out, in)
	}
}

func TestCorruptedMetaSurfaces(t *testing.T) {
	s := newTestStore(t)
	priv, _ := identity.FromSeed(1)
	owner, _ := identity.PeerID(priv)
	fp, err := s.Put([]byte("will corrupt"), owner, time.Now())
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := os.WriteFile(filepath.Join(s.objectDir, fp.String()+metaSuffix), []byte{0xFF, 0x00}, 0o644); err != nil {
		t.Fatalf("corrupt metadata: %v", err)
	}
	if _, err := s.Stat(fp); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted, got %v", err)
	}
}
