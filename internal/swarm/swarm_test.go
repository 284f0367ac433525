package swarm

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"pkt.systems/pslog"

	"github.com/liberum-neto/liberum/internal/fingerprint"
	"github.com/liberum-neto/liberum/internal/identity"
	"github.com/liberum-neto/liberum/internal/nodestore"
	"github.com/liberum-neto/liberum/internal/objectstore"
)

const loopbackQUIC = "/ip4/127.0.0.1/udp/0/quic-v1"

func startTestRunner(t *testing.T, name string, seed uint64, bootstrap []nodestore.BootstrapPeer) *Runner {
	t.Helper()
	priv, err := identity.FromSeed(seed)
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	store, err := objectstore.Open(t.TempDir(), pslog.NoopLogger())
	if err != nil {
		t.Fatalf("object store: %v", err)
	}
	listen, err := ma.NewMultiaddr(loopbackQUIC)
	if err != nil {
		t.Fatalf("multiaddr: %v", err)
	}
	r, err := Start(context.Background(), Config{
		Name:             name,
		Keypair:          priv,
		ListenAddrs:      []ma.Multiaddr{listen},
		Bootstrap:        bootstrap,
		Store:            store,
		Logger:           pslog.NoopLogger(),
		BootstrapTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("start runner %s: %v", name, err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		r.Stop(ctx)
	})
	return r
}

func bootstrapTo(r *Runner) []nodestore.BootstrapPeer {
	peers := make([]nodestore.BootstrapPeer, 0, len(r.ListenAddrs()))
	for _, addr := range r.ListenAddrs() {
		peers = append(peers, nodestore.BootstrapPeer{ID: r.PeerID(), Addr: addr})
	}
	return peers
}

func TestPublishDownloadAcrossNodes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	n1 := startTestRunner(t, "n1", 1, nil)
	n2 := startTestRunner(t, "n2", 2, bootstrapTo(n1))

	if n1.State() != StateReady || n2.State() != StateReady {
		t.Fatalf("nodes not ready: %s / %s", n1.State(), n2.State())
	}

	content := []byte("Hello, World!\n")
	fp, err := n1.Publish(ctx, content)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if fp != fingerprint.FromBytes(content) {
		t.Fatalf("publish returned wrong fingerprint %s", fp)
	}

	got, err := n2.Download(ctx, fp)
	if err != nil {
		t.Fatalf("download on n2: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("downloaded bytes differ: %q", got)
	}

	// The cached copy carries refcount 0 and names the serving peer.
	meta, err := n2.store.Stat(fp)
	if err != nil {
		t.Fatalf("stat cached copy: %v", err)
	}
	if meta.RefCount != 0 {
		t.Fatalf("cached copy refcount = %d, want 0", meta.RefCount)
	}
	if meta.Owner != n1.PeerID() {
		t.Fatalf("cached copy owner = %s, want %s", meta.Owner, n1.PeerID())
	}
}

func TestGetProvidersSeesPublisher(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	n1 := startTestRunner(t, "n1", 3, nil)
	n2 := startTestRunner(t, "n2", 4, bootstrapTo(n1))

	fp, err := n1.Publish(ctx, []byte("provider lookup payload"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(30 * time.Second)
	for {
		providers, err := n2.GetProviders(ctx, fp)
		if err != nil {
			t.Fatalf("get providers: %v", err)
		}
		for _, p := range providers {
			if p == n1.PeerID() {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("n1 never appeared in provider set, last: %v", providers)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func TestCachedCopyAdvertisesAsProvider(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	n1 := startTestRunner(t, "n1", 20, nil)
	n2 := startTestRunner(t, "n2", 21, bootstrapTo(n1))

	fp, err := n1.Publish(ctx, []byte("cached and re-advertised"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := n2.Download(ctx, fp); err != nil {
		t.Fatalf("download: %v", err)
	}

	// The caching peer announces itself, which is what lets the owner's
	// delete flow reach it later. The owner must eventually see n2 in the
	// provider set.
	deadline := time.Now().Add(30 * time.Second)
	for {
		providers, err := n1.GetProviders(ctx, fp)
		if err != nil {
			t.Fatalf("get providers: %v", err)
		}
		found := false
		for _, p := range providers {
			if p == n2.PeerID() {
				found = true
				break
			}
		}
		if found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("caching peer never appeared in provider set, last: %v", providers)
		}
		time.Sleep(500 * time.Millisecond)
	}

	// Deleting stops the announcement: the fingerprint leaves n2's
	// announce set, so the record is no longer refreshed.
	summary, err := n1.Delete(ctx, fp)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if summary.Successful != 1 {
		t.Fatalf("expected the cached copy to be deleted remotely, got %+v", summary)
	}
	n2.announceMu.Lock()
	_, stillAnnounced := n2.announced[fp]
	n2.announceMu.Unlock()
	if stillAnnounced {
		t.Fatal("deleted cache copy must not stay in the announce set")
	}
}

func TestDeletePropagates(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	n1 := startTestRunner(t, "n1", 5, nil)
	n2 := startTestRunner(t, "n2", 6, bootstrapTo(n1))

	content := []byte("delete across the network")
	fp, err := n1.Publish(ctx, content)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := n2.Download(ctx, fp); err != nil {
		t.Fatalf("download: %v", err)
	}

	summary, err := n1.Delete(ctx, fp)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !summary.DeletedMyself {
		t.Fatal("owner should have deleted its own copy")
	}
	if summary.Successful != 1 || summary.Failed != 0 {
		t.Fatalf("expected successful=1 failed=0, got %+v", summary)
	}

	// Both copies are gone; a fresh download must fail.
	if _, err := n2.store.Get(fp); !errors.Is(err, objectstore.ErrNotFound) {
		t.Fatalf("n2 still holds the object: %v", err)
	}
	if _, err := n2.Download(ctx, fp); err == nil {
		t.Fatal("download after delete should fail")
	}
}

func TestNonOwnerDeleteRefused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	n1 := startTestRunner(t, "n1", 7, nil)
	n2 := startTestRunner(t, "n2", 8, bootstrapTo(n1))

	content := []byte("owned by n1")
	fp, err := n1.Publish(ctx, content)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := n2.Download(ctx, fp); err != nil {
		t.Fatalf("download: %v", err)
	}

	// n2 deletes: its cached copy stays, because the owner-of-record is
	// n1, the peer it fetched from, and n1 refuses the remote delete.
	summary, err := n2.Delete(ctx, fp)
	if err != nil {
		t.Fatalf("delete by non-owner: %v", err)
	}
	if summary.Successful != 0 {
		t.Fatalf("non-owner delete should not succeed remotely, got %+v", summary)
	}
	if summary.Failed == 0 {
		t.Fatalf("expected at least one refused provider, got %+v", summary)
	}

	// n1 still serves the content.
	data, err := n1.store.Get(fp)
	if err != nil {
		t.Fatalf("n1 lost the object: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Fatal("n1 content changed")
	}
}

func TestDialFailureLeavesNodesRunning(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	n1 := startTestRunner(t, "n1", 9, nil)
	n2 := startTestRunner(t, "n2", 10, nil)

	// A dead port on loopback: nothing listens there.
	dead, err := ma.NewMultiaddr("/ip4/127.0.0.1/udp/1/quic-v1")
	if err != nil {
		t.Fatalf("multiaddr: %v", err)
	}
	if err := n2.Dial(ctx, n1.PeerID(), dead); !errors.Is(err, ErrDialFailed) {
		t.Fatalf("expected ErrDialFailed, got %v", err)
	}
	if err := n2.Dial(ctx, n1.PeerID(), dead); !errors.Is(err, ErrDialFailed) {
		t.Fatalf("expected ErrDialFailed again, got %v", err)
	}

	// A real dial still works afterwards and both nodes stay up.
	if err := n2.Dial(ctx, n1.PeerID(), n1.ListenAddrs()[0]); err != nil {
		t.Fatalf("real dial failed: %v", err)
	}
	if n1.State() != StateReady || n2.State() != StateReady {
		t.Fatalf("nodes not ready after dial failures: %s / %s", n1.State(), n2.State())
	}
}

func TestDownloadUnknownFingerprint(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	n1 := startTestRunner(t, "n1", 11, nil)
	n2 := startTestRunner(t, "n2", 12, bootstrapTo(n1))

	unknown := fingerprint.FromBytes([]byte("nobody ever published this"))
	if _, err := n2.Download(ctx, unknown); err == nil {
		t.Fatal("download of unknown fingerprint should fail")
	}

	// The failure must not kill either node.
	if n1.State() != StateReady || n2.State() != StateReady {
		t.Fatalf("nodes not ready after failed download: %s / %s", n1.State(), n2.State())
	}
	if _, err := n2.Publish(ctx, []byte("still alive")); err != nil {
		t.Fatalf("n2 no longer accepts commands: %v", err)
	}
}

func TestPublishWithoutPeers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	// n4 has no peers at publish time; the provider record stays local.
	n4 := startTestRunner(t, "n4", 13, nil)
	content := []byte("published in isolation")
	fp, err := n4.Publish(ctx, content)
	if err != nil {
		t.Fatalf("publish without peers: %v", err)
	}
	if fp != fingerprint.FromBytes(content) {
		t.Fatalf("wrong fingerprint %s", fp)
	}

	// After another node joins, the object is still retrievable from n4.
	n3 := startTestRunner(t, "n3", 14, bootstrapTo(n4))
	got, err := n3.Download(ctx, fp)
	if err != nil {
		t.Fatalf("download after join: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("content mismatch after join")
	}
}

func TestStopRefusesLaterCommands(t *testing.T) {
	n1 := startTestRunner(t, "n1", 15, nil)

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n1.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if n1.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", n1.State())
	}

	// Commands after stop are refused, not hung.
	_, err := n1.Publish(context.Background(), []byte("too late"))
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
