// Package node hosts the per-node actor and the process-wide node manager.
// An Actor is the mailbox-serialized façade over one node's swarm: every
// command enters through a single channel and completes before the next one
// begins, so the swarm is only ever driven by one caller at a time. The
// Manager is the directory of actors by name and the only owner of the
// in-memory node set.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"pkt.systems/pslog"

	"github.com/liberum-neto/liberum/internal/fingerprint"
	"github.com/liberum-neto/liberum/internal/nodestore"
	"github.com/liberum-neto/liberum/internal/objectstore"
	"github.com/liberum-neto/liberum/internal/swarm"
)

var (
	// ErrNotRunning rejects swarm commands sent to a stopped node.
	ErrNotRunning = errors.New("node: not running")
	// ErrAlreadyRunning rejects a second start.
	ErrAlreadyRunning = errors.New("node: already running")
	// ErrBootstrapNotFound reports a remove for an unknown bootstrap entry.
	ErrBootstrapNotFound = errors.New("node: bootstrap peer not found")
)

// DefaultCommandDeadline bounds a mailbox command when the caller supplies
// no deadline of its own.
const DefaultCommandDeadline = 30 * time.Second

type actorState int32

const (
	actorStopped actorState = iota
	actorStarting
	actorRunning
	actorStopping
)

// Actor serializes all access to one node. It processes its mailbox strictly
// in order: each command returns a reply before the next is dequeued.
type Actor struct {
	name    string
	store   *objectstore.Store
	nodes   *nodestore.Store
	logger  pslog.Logger
	mailbox chan envelope
	quit    chan struct{}
	done    chan struct{}

	quitOnce sync.Once
}

// envelope carries one mailbox entry: a command closure and the channel its
// reply is delivered on.
type envelope struct {
	run   func(*actorLoop) (any, error)
	reply chan reply
}

type reply struct {
	value any
	err   error
}

// actorLoop is the state owned exclusively by the actor goroutine.
type actorLoop struct {
	manifest *nodestore.Manifest
	state    actorState
	runner   *swarm.Runner
}

func newActor(manifest *nodestore.Manifest, store *objectstore.Store, nodes *nodestore.Store, logger pslog.Logger) *Actor {
	a := &Actor{
		name:    manifest.Name,
		store:   store,
		nodes:   nodes,
		logger:  logger.With("node", manifest.Name),
		mailbox: make(chan envelope),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go a.run(manifest)
	return a
}

// terminate ends the actor goroutine; any swarm still running is stopped on
// the way out.
func (a *Actor) terminate() {
	a.quitOnce.Do(func() { close(a.quit) })
	<-a.done
}

func (a *Actor) run(manifest *nodestore.Manifest) {
	loop := &actorLoop{manifest: manifest, state: actorStopped}
	for {
		select {
		case env := <-a.mailbox:
			value, err := env.run(loop)
			env.reply <- reply{value: value, err: err}
			close(env.reply)
		case <-a.quit:
			if loop.state == actorRunning && loop.runner != nil {
				stopCtx, cancel := context.WithTimeout(context.Background(), DefaultCommandDeadline)
				if err := loop.runner.Stop(stopCtx); err != nil {
					a.logger.Warn("node.teardown.stop_error", "error", err)
				}
				cancel()
			}
			close(a.done)
			return
		}
	}
}

// ask posts a command into the mailbox and waits for its reply under the
// caller's deadline (or the default).
func (a *Actor) ask(ctx context.Context, run func(*actorLoop) (any, error)) (any, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCommandDeadline)
		defer cancel()
	}
	env := envelope{run: run, reply: make(chan reply, 1)}
	select {
	case a.mailbox <- env:
	case <-a.done:
		return nil, ErrNotRunning
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case rep := <-env.reply:
		return rep.value, rep.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Name returns the node's display name.
func (a *Actor) Name() string {
	return a.name
}

// Start brings the node up: swarm listeners, bootstrap, ready.
func (a *Actor) Start(ctx context.Context) error {
	_, err := a.ask(ctx, func(l *actorLoop) (any, error) {
		if l.state != actorStopped {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, a.name)
		}
		l.state = actorStarting
		runner, err := swarm.Start(ctx, swarm.Config{
			Name:          a.name,
			Keypair:       l.manifest.Keypair,
			ListenAddrs:   listenAddrs(l.manifest),
			ExternalAddrs: l.manifest.ExternalAddrs,
			Bootstrap:     l.manifest.Bootstrap,
			Store:         a.store,
			Logger:        a.logger,
		})
		if err != nil {
			l.state = actorStopped
			return nil, err
		}
		l.runner = runner
		l.state = actorRunning
		return nil, nil
	})
	return err
}

// defaultListenAddr is used when a manifest has no external addresses, which
// otherwise double as the listen addresses: every interface, OS-assigned UDP
// port, QUIC.
const defaultListenAddr = "/ip6/::/udp/0/quic-v1"

func listenAddrs(m *nodestore.Manifest) []ma.Multiaddr {
	if len(m.ExternalAddrs) > 0 {
		return m.ExternalAddrs
	}
	addr, err := ma.NewMultiaddr(defaultListenAddr)
	if err != nil {
		panic(err)
	}
	return []ma.Multiaddr{addr}
}

// Stop shuts the swarm down and persists the manifest.
func (a *Actor) Stop(ctx context.Context) error {
	_, err := a.ask(ctx, func(l *actorLoop) (any, error) {
		if l.state != actorRunning {
			return nil, fmt.Errorf("%w: %s", ErrNotRunning, a.name)
		}
		l.state = actorStopping
		err := l.runner.Stop(ctx)
		l.runner = nil
		l.state = actorStopped
		if saveErr := a.nodes.Save(l.manifest); saveErr != nil {
			a.logger.Warn("node.stop.save_manifest_error", "error", saveErr)
			if err == nil {
				err = saveErr
			}
		}
		return nil, err
	})
	return err
}

// IsRunning reports whether the node currently drives a swarm.
func (a *Actor) IsRunning(ctx context.Context) (bool, error) {
	v, err := a.ask(ctx, func(l *actorLoop) (any, error) {
		return l.state == actorRunning, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// PeerID derives the node's peer ID; available whether or not the node runs.
func (a *Actor) PeerID(ctx context.Context) (peer.ID, error) {
	v, err := a.ask(ctx, func(l *actorLoop) (any, error) {
		return l.manifest.PeerID()
	})
	if err != nil {
		return "", err
	}
	return v.(peer.ID), nil
}

func (a *Actor) withRunner(ctx context.Context, run func(*actorLoop, *swarm.Runner) (any, error)) (any, error) {
	return a.ask(ctx, func(l *actorLoop) (any, error) {
		if l.state != actorRunning {
			return nil, fmt.Errorf("%w: %s", ErrNotRunning, a.name)
		}
		return run(l, l.runner)
	})
}

// Dial attempts a direct connection to p at addr.
func (a *Actor) Dial(ctx context.Context, p peer.ID, addr ma.Multiaddr) error {
	_, err := a.withRunner(ctx, func(_ *actorLoop, r *swarm.Runner) (any, error) {
		return nil, r.Dial(ctx, p, addr)
	})
	return err
}

// Publish stores data, announces this node as provider, records ownership in
// the manifest, and returns the fingerprint.
func (a *Actor) Publish(ctx context.Context, data []byte) (fingerprint.Fingerprint, error) {
	v, err := a.withRunner(ctx, func(l *actorLoop, r *swarm.Runner) (any, error) {
		fp, err := r.Publish(ctx, data)
		if err != nil {
			return nil, err
		}
		if !containsFingerprint(l.manifest.OwnedObjects, fp) {
			l.manifest.OwnedObjects = append(l.manifest.OwnedObjects, fp)
			if err := a.nodes.Save(l.manifest); err != nil {
				a.logger.Warn("node.publish.save_manifest_error", "error", err)
			}
		}
		return fp, nil
	})
	if err != nil {
		return fingerprint.Fingerprint{}, err
	}
	return v.(fingerprint.Fingerprint), nil
}

// Download retrieves an object by fingerprint.
func (a *Actor) Download(ctx context.Context, fp fingerprint.Fingerprint) ([]byte, error) {
	v, err := a.withRunner(ctx, func(_ *actorLoop, r *swarm.Runner) (any, error) {
		return r.Download(ctx, fp)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// GetProviders resolves the provider set for fp.
func (a *Actor) GetProviders(ctx context.Context, fp fingerprint.Fingerprint) ([]peer.ID, error) {
	v, err := a.withRunner(ctx, func(_ *actorLoop, r *swarm.Runner) (any, error) {
		return r.GetProviders(ctx, fp)
	})
	if err != nil {
		return nil, err
	}
	return v.([]peer.ID), nil
}

// ListProviders returns the locally cached provider view for fp without a
// network walk.
func (a *Actor) ListProviders(ctx context.Context, fp fingerprint.Fingerprint) ([]peer.ID, error) {
	v, err := a.withRunner(ctx, func(_ *actorLoop, r *swarm.Runner) (any, error) {
		return r.CachedProviders(fp), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]peer.ID), nil
}

// Delete removes the object locally and on every remote provider, returning
// the aggregate.
func (a *Actor) Delete(ctx context.Context, fp fingerprint.Fingerprint) (swarm.DeleteSummary, error) {
	v, err := a.withRunner(ctx, func(l *actorLoop, r *swarm.Runner) (any, error) {
		summary, err := r.Delete(ctx, fp)
		if err != nil {
			return nil, err
		}
		if removed := removeFingerprint(&l.manifest.OwnedObjects, fp); removed {
			if err := a.nodes.Save(l.manifest); err != nil {
				a.logger.Warn("node.delete.save_manifest_error", "error", err)
			}
		}
		return summary, nil
	})
	if err != nil {
		return swarm.DeleteSummary{}, err
	}
	return v.(swarm.DeleteSummary), nil
}

// AddBootstrap records a bootstrap peer in the manifest.
func (a *Actor) AddBootstrap(ctx context.Context, p peer.ID, addr ma.Multiaddr) error {
	_, err := a.ask(ctx, func(l *actorLoop) (any, error) {
		for _, bp := range l.manifest.Bootstrap {
			if bp.ID == p && bp.Addr.Equal(addr) {
				return nil, nil
			}
		}
		l.manifest.Bootstrap = append(l.manifest.Bootstrap, nodestore.BootstrapPeer{ID: p, Addr: addr})
		return nil, a.nodes.Save(l.manifest)
	})
	return err
}

// RemoveBootstrap drops a bootstrap peer from the manifest.
func (a *Actor) RemoveBootstrap(ctx context.Context, p peer.ID) error {
	_, err := a.ask(ctx, func(l *actorLoop) (any, error) {
		kept := l.manifest.Bootstrap[:0]
		removed := false
		for _, bp := range l.manifest.Bootstrap {
			if bp.ID == p {
				removed = true
				continue
			}
			kept = append(kept, bp)
		}
		if !removed {
			return nil, fmt.Errorf("%w: %s", ErrBootstrapNotFound, p)
		}
		l.manifest.Bootstrap = kept
		return nil, a.nodes.Save(l.manifest)
	})
	return err
}

// AddExternalAddress records an address the node publishes to the network.
func (a *Actor) AddExternalAddress(ctx context.Context, addr ma.Multiaddr) error {
	_, err := a.ask(ctx, func(l *actorLoop) (any, error) {
		for _, existing := range l.manifest.ExternalAddrs {
			if existing.Equal(addr) {
				return nil, nil
			}
		}
		l.manifest.ExternalAddrs = append(l.manifest.ExternalAddrs, addr)
		return nil, a.nodes.Save(l.manifest)
	})
	return err
}

func containsFingerprint(fps []fingerprint.Fingerprint, fp fingerprint.Fingerprint) bool {
	for _, f := range fps {
		if f == fp {
			return true
		}
	}
	return false
}

func removeFingerprint(fps *[]fingerprint.Fingerprint, fp fingerprint.Fingerprint) bool {
	kept := (*fps)[:0]
	removed := false
	for _, f := range *fps {
		if f == fp {
			removed = true
			continue
		}
		kept = append(kept, f)
	}
	*fps = kept
	return removed
}
