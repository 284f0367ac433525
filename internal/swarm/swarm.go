// Package swarm drives one node's network presence. A Runner composes the
// libp2p host (QUIC transport), the Kademlia DHT, the object transfer
// request/response protocol, and a ping service, and owns the single event
// loop through which every outbound command flows. Commands are tagged with
// a query ID and resolved through a table of reply channels; stopping the
// runner cancels every outstanding query.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	ma "github.com/multiformats/go-multiaddr"
	"pkt.systems/pslog"

	"github.com/liberum-neto/liberum/internal/fingerprint"
	"github.com/liberum-neto/liberum/internal/nodestore"
	"github.com/liberum-neto/liberum/internal/objectstore"
	"github.com/liberum-neto/liberum/internal/transferproto"
)

var (
	// ErrListenFailed reports that no listener could be established; the
	// node never becomes ready.
	ErrListenFailed = errors.New("swarm: failed to establish any listener")
	// ErrDialFailed reports a failed direct connection attempt.
	ErrDialFailed = errors.New("swarm: dial failed")
	// ErrNoProviders reports a download for which the DHT returned no
	// provider other than this node.
	ErrNoProviders = errors.New("swarm: no providers found")
	// ErrDownloadFailed reports that every provider attempt came back
	// empty, corrupt, or unreachable.
	ErrDownloadFailed = errors.New("swarm: download failed")
	// ErrCancelled reports a query cut short by the runner stopping.
	ErrCancelled = errors.New("swarm: query cancelled")
	// ErrStopped rejects commands sent to a stopped runner.
	ErrStopped = errors.New("swarm: runner stopped")
)

// Defaults for the tunables in Config.
const (
	DefaultFetchTimeout       = 5 * time.Second
	DefaultDownloadBudget     = 20 * time.Second
	DefaultReannounceInterval = 10 * time.Minute
	DefaultBootstrapTimeout   = 10 * time.Second
	DefaultMaxFanout          = 4
	DefaultDialTimeout        = 10 * time.Second
	DefaultProviderLookup     = 10 * time.Second
)

// State is the lifecycle position of a running node's swarm.
type State int32

// Lifecycle states, in order of progression.
const (
	StateCreated State = iota
	StateListening
	StateBootstrapping
	StateReady
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateListening:
		return "listening"
	case StateBootstrapping:
		return "bootstrapping"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config captures everything a Runner needs to come up.
type Config struct {
	Name          string
	Keypair       crypto.PrivKey
	ListenAddrs   []ma.Multiaddr
	ExternalAddrs []ma.Multiaddr
	Bootstrap     []nodestore.BootstrapPeer
	Store         *objectstore.Store
	Logger        pslog.Logger

	FetchTimeout       time.Duration
	DownloadBudget     time.Duration
	ReannounceInterval time.Duration
	BootstrapTimeout   time.Duration
	MaxFanout          int
	MaxMessageSize     uint32
}

func (cfg *Config) applyDefaults() {
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.DownloadBudget <= 0 {
		cfg.DownloadBudget = DefaultDownloadBudget
	}
	if cfg.ReannounceInterval <= 0 {
		cfg.ReannounceInterval = DefaultReannounceInterval
	}
	if cfg.BootstrapTimeout <= 0 {
		cfg.BootstrapTimeout = DefaultBootstrapTimeout
	}
	if cfg.MaxFanout < DefaultMaxFanout {
		cfg.MaxFanout = DefaultMaxFanout
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = transferproto.DefaultMaxMessageSize
	}
}

// DeleteSummary aggregates the outcome of a Delete command.
type DeleteSummary struct {
	DeletedMyself bool
	Successful    uint64
	Failed        uint64
}

// Runner owns one node's swarm and event loop.
type Runner struct {
	cfg   Config
	log   pslog.Logger
	host  host.Host
	dht   *dht.IpfsDHT
	ping  *ping.PingService
	store *objectstore.Store
	self  peer.ID

	runCtx context.Context
	cancel context.CancelFunc

	cmds        chan *command
	completions chan completion
	done        chan struct{}

	state atomic.Int32

	// announceMu guards the set of fingerprints this node advertises and
	// the provider cache filled in by DHT lookups. Both are touched from
	// command goroutines and the inbound stream handler.
	announceMu sync.Mutex
	announced  map[fingerprint.Fingerprint]struct{}
	providers  map[fingerprint.Fingerprint]map[peer.ID]struct{}
}

// Start brings up the swarm for cfg and blocks until it is Ready (bootstrap
// round finished or timed out). Failing to establish any listener returns
// ErrListenFailed and leaves nothing running.
func Start(ctx context.Context, cfg Config) (*Runner, error) {
	cfg.applyDefaults()
	if cfg.Keypair == nil {
		return nil, fmt.Errorf("swarm: keypair required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("swarm: object store required")
	}
	if len(cfg.ListenAddrs) == 0 {
		return nil, fmt.Errorf("%w: at least one listen address is required", ErrListenFailed)
	}

	log := cfg.Logger.With("node", cfg.Name)

	opts := []libp2p.Option{
		libp2p.Identity(cfg.Keypair),
		libp2p.ListenAddrs(cfg.ListenAddrs...),
		libp2p.Transport(libp2pquic.NewTransport),
	}
	if len(cfg.ExternalAddrs) > 0 {
		ext := cfg.ExternalAddrs
		opts = append(opts, libp2p.AddrsFactory(func(addrs []ma.Multiaddr) []ma.Multiaddr {
			out := addrs
			for _, e := range ext {
				dup := false
				for _, a := range addrs {
					if a.Equal(e) {
						dup = true
						break
					}
				}
				if !dup {
					out = append(out, e)
				}
			}
			return out
		}))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrListenFailed, err)
	}
	if len(h.Network().ListenAddresses()) == 0 {
		h.Close()
		return nil, ErrListenFailed
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		cfg:         cfg,
		log:         log,
		host:        h,
		store:       cfg.Store,
		self:        h.ID(),
		runCtx:      runCtx,
		cancel:      cancel,
		cmds:        make(chan *command),
		completions: make(chan completion),
		done:        make(chan struct{}),
		announced:   make(map[fingerprint.Fingerprint]struct{}),
		providers:   make(map[fingerprint.Fingerprint]map[peer.ID]struct{}),
	}
	r.state.Store(int32(StateListening))
	log.Info("swarm listening", "peer_id", r.self.String(), "addrs", addrStrings(h.Addrs()))

	kad, err := dht.New(runCtx, h, dht.Mode(dht.ModeServer))
	if err != nil {
		cancel()
		h.Close()
		r.state.Store(int32(StateStopped))
		return nil, fmt.Errorf("swarm: start kademlia: %w", err)
	}
	r.dht = kad
	r.ping = ping.NewPingService(h)
	h.SetStreamHandler(protocol.ID(transferproto.ProtocolID), r.handleStream)

	r.state.Store(int32(StateBootstrapping))
	r.bootstrap(ctx)
	r.state.Store(int32(StateReady))
	log.Info("swarm ready", "peers", len(h.Network().Peers()))

	go r.loop()
	return r, nil
}

// bootstrap connects the configured bootstrap peers and waits for the first
// Kademlia refresh round, bounded by the bootstrap timeout. A node with no
// bootstrap peers becomes ready immediately.
func (r *Runner) bootstrap(ctx context.Context) {
	for _, bp := range r.cfg.Bootstrap {
		connectCtx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
		err := r.host.Connect(connectCtx, peer.AddrInfo{ID: bp.ID, Addrs: []ma.Multiaddr{bp.Addr}})
		cancel()
		if err != nil {
			r.log.Warn("swarm.bootstrap.connect_failed", "peer", bp.ID.String(), "addr", bp.Addr.String(), "error", err)
			continue
		}
		r.host.Peerstore().AddAddrs(bp.ID, []ma.Multiaddr{bp.Addr}, peerstore.PermanentAddrTTL)
	}

	if err := r.dht.Bootstrap(ctx); err != nil {
		r.log.Warn("swarm.bootstrap.kademlia_error", "error", err)
	}
	if len(r.cfg.Bootstrap) == 0 {
		return
	}
	select {
	case err := <-r.dht.RefreshRoutingTable():
		if err != nil {
			r.log.Debug("swarm.bootstrap.refresh_error", "error", err)
		}
	case <-time.After(r.cfg.BootstrapTimeout):
		r.log.Debug("swarm.bootstrap.timeout")
	case <-ctx.Done():
	}
}

// State reports the current lifecycle state.
func (r *Runner) State() State {
	return State(r.state.Load())
}

// PeerID returns this swarm's peer ID.
func (r *Runner) PeerID() peer.ID {
	return r.self
}

// ListenAddrs returns the host's current listen addresses.
func (r *Runner) ListenAddrs() []ma.Multiaddr {
	return r.host.Addrs()
}

// NumPeers reports the number of currently connected peers.
func (r *Runner) NumPeers() int {
	return len(r.host.Network().Peers())
}

// Stop cancels all outstanding queries, closes listeners, and exits the
// event loop. Safe to call more than once.
func (r *Runner) Stop(ctx context.Context) error {
	if State(r.state.Load()) == StateStopped {
		return nil
	}
	r.state.Store(int32(StateStopping))
	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func addrStrings(addrs []ma.Multiaddr) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}
