package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/crypto"
	"pkt.systems/pslog"

	"github.com/liberum-neto/liberum/internal/identity"
	"github.com/liberum-neto/liberum/internal/nodestore"
	"github.com/liberum-neto/liberum/internal/objectstore"
)

var (
	// ErrUnknownNode reports a name with neither a live actor nor a
	// manifest on disk.
	ErrUnknownNode = errors.New("node: unknown node")
	// ErrExists reports a create for a name already taken.
	ErrExists = errors.New("node: node already exists")
	// ErrStillRunning refuses to destroy a running node's manifest.
	ErrStillRunning = errors.New("node: still running")
)

// Manager is the process-wide directory of node actors, keyed by
// case-sensitive name. It is the sole owner of the in-memory node set.
type Manager struct {
	store  *objectstore.Store
	nodes  *nodestore.Store
	logger pslog.Logger

	mu     sync.Mutex
	actors map[string]*Actor
	order  []string
}

// NewManager wires the manager to the shared object store and the manifest
// store.
func NewManager(store *objectstore.Store, nodes *nodestore.Store, logger pslog.Logger) *Manager {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Manager{
		store:  store,
		nodes:  nodes,
		logger: logger.With("svc", "manager"),
		actors: make(map[string]*Actor),
	}
}

// NewNode creates and persists a fresh manifest and registers its actor. A
// seed, when given, pins the node identity deterministically.
func (m *Manager) NewNode(name string, seed *uint64) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", nodestore.ErrBadName)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, live := m.actors[name]; live || m.nodes.Exists(name) {
		return fmt.Errorf("%w: %q", ErrExists, name)
	}

	keypair, err := func() (crypto.PrivKey, error) {
		if seed != nil {
			return identity.FromSeed(*seed)
		}
		return identity.Generate()
	}()
	if err != nil {
		return err
	}
	manifest := &nodestore.Manifest{Name: name, Keypair: keypair, Seed: seed}
	if err := m.nodes.Save(manifest); err != nil {
		return err
	}
	m.register(manifest)
	m.logger.Info("node created", "node", name, "seeded", seed != nil)
	return nil
}

// LoadNode deserializes a manifest from disk and registers its actor.
// Loading an already registered node is a no-op.
func (m *Manager) LoadNode(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, live := m.actors[name]; live {
		return nil
	}
	manifest, err := m.nodes.Load(name)
	if err != nil {
		if errors.Is(err, nodestore.ErrNotFound) {
			return fmt.Errorf("%w: %q", ErrUnknownNode, name)
		}
		return err
	}
	m.register(manifest)
	m.logger.Debug("manager.node_loaded", "node", name)
	return nil
}

// register assumes m.mu is held.
func (m *Manager) register(manifest *nodestore.Manifest) {
	m.actors[manifest.Name] = newActor(manifest, m.store, m.nodes, m.logger)
	m.order = append(m.order, manifest.Name)
}

// Actor resolves a name to its live actor, loading the manifest lazily when
// one exists on disk.
func (m *Manager) Actor(name string) (*Actor, error) {
	m.mu.Lock()
	a, ok := m.actors[name]
	m.mu.Unlock()
	if ok {
		return a, nil
	}
	if err := m.LoadNode(name); err != nil {
		return nil, err
	}
	m.mu.Lock()
	a = m.actors[name]
	m.mu.Unlock()
	return a, nil
}

// Start starts the named node.
func (m *Manager) Start(ctx context.Context, name string) error {
	a, err := m.Actor(name)
	if err != nil {
		return err
	}
	return a.Start(ctx)
}

// Stop stops the named node.
func (m *Manager) Stop(ctx context.Context, name string) error {
	a, err := m.Actor(name)
	if err != nil {
		return err
	}
	return a.Stop(ctx)
}

// NodeInfo is one row of the node directory listing.
type NodeInfo struct {
	Name    string
	Running bool
}

// List returns every known node (live actors plus at-rest manifests) with
// its running state.
func (m *Manager) List(ctx context.Context) ([]NodeInfo, error) {
	names, err := m.nodes.List()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(names))
	infos := make([]NodeInfo, 0, len(names))
	for _, name := range names {
		seen[name] = struct{}{}
		infos = append(infos, NodeInfo{Name: name})
	}
	m.mu.Lock()
	for name := range m.actors {
		if _, ok := seen[name]; !ok {
			infos = append(infos, NodeInfo{Name: name})
		}
	}
	m.mu.Unlock()

	for i := range infos {
		a, err := m.Actor(infos[i].Name)
		if err != nil {
			continue
		}
		running, err := a.IsRunning(ctx)
		if err != nil {
			continue
		}
		infos[i].Running = running
	}
	return infos, nil
}

// DeleteNode destroys a stopped node's manifest and unregisters its actor.
func (m *Manager) DeleteNode(ctx context.Context, name string) error {
	a, err := m.Actor(name)
	if err != nil {
		return err
	}
	running, err := a.IsRunning(ctx)
	if err != nil {
		return err
	}
	if running {
		return fmt.Errorf("%w: %q", ErrStillRunning, name)
	}

	m.mu.Lock()
	if live, ok := m.actors[name]; ok && live == a {
		delete(m.actors, name)
		for i, n := range m.order {
			if n == name {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	a.terminate()

	if err := m.nodes.Delete(name); err != nil {
		return err
	}
	m.logger.Info("node deleted", "node", name)
	return nil
}

// Shutdown stops every running node in reverse creation order and tears the
// directory down.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	order := make([]string, len(m.order))
	copy(order, m.order)
	actors := make(map[string]*Actor, len(m.actors))
	for name, a := range m.actors {
		actors[name] = a
	}
	m.actors = make(map[string]*Actor)
	m.order = nil
	m.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		a, ok := actors[order[i]]
		if !ok {
			continue
		}
		if running, err := a.IsRunning(ctx); err == nil && running {
			if err := a.Stop(ctx); err != nil {
				m.logger.Warn("manager.shutdown.stop_error", "node", order[i], "error", err)
			}
		}
		a.terminate()
	}
	m.logger.Info("manager shut down", "nodes", len(order))
}
