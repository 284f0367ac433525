package liberum

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"github.com/liberum-neto/liberum/api"
	"github.com/liberum-neto/liberum/internal/node"
	"github.com/liberum-neto/liberum/internal/nodestore"
	"github.com/liberum-neto/liberum/internal/objectstore"
)

// Option configures daemon instances.
type Option func(*options)

type options struct {
	Logger pslog.Logger
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// Daemon hosts the node manager, the shared object store, and the control
// socket listener.
type Daemon struct {
	cfg      Config
	logger   pslog.Logger
	store    *objectstore.Store
	nodes    *nodestore.Store
	manager  *node.Manager
	listener net.Listener

	mu       sync.Mutex
	shutdown bool
	conns    map[net.Conn]struct{}
	serving  sync.WaitGroup
}

// NewDaemon constructs a daemon according to cfg. The control socket is not
// bound until Serve.
func NewDaemon(cfg Config, opts ...Option) (*Daemon, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}

	store, err := objectstore.Open(cfg.DataDir, logger)
	if err != nil {
		return nil, err
	}
	nodes, err := nodestore.Open(cfg.DataDir, logger)
	if err != nil {
		return nil, err
	}

	return &Daemon{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		nodes:   nodes,
		manager: node.NewManager(store, nodes, logger),
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

// Manager exposes the node directory, mainly for embedding and tests.
func (d *Daemon) Manager() *node.Manager {
	return d.manager
}

// Serve binds the control socket and accepts request connections until ctx
// is cancelled. A stale socket file from a previous run is replaced.
func (d *Daemon) Serve(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(d.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("daemon: prepare socket directory: %w", err)
	}
	if err := os.Remove(d.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("daemon: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", d.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("daemon: bind control socket: %w", err)
	}
	d.mu.Lock()
	d.listener = ln
	d.mu.Unlock()
	d.logger.Info("control socket listening", "path", d.cfg.SocketPath)

	go func() {
		<-ctx.Done()
		d.Shutdown(context.Background())
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			d.mu.Lock()
			stopping := d.shutdown
			d.mu.Unlock()
			if stopping || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("daemon: accept: %w", err)
		}
		d.mu.Lock()
		if d.shutdown {
			d.mu.Unlock()
			conn.Close()
			return nil
		}
		d.conns[conn] = struct{}{}
		d.serving.Add(1)
		d.mu.Unlock()
		go d.serveConn(conn)
	}
}

// Shutdown closes the control socket, stops every running node in reverse
// creation order, and releases the stores. Safe to call more than once.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return nil
	}
	d.shutdown = true
	ln := d.listener
	for conn := range d.conns {
		conn.Close()
	}
	d.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	d.serving.Wait()
	d.manager.Shutdown(ctx)
	if err := d.store.Close(); err != nil {
		d.logger.Warn("daemon.shutdown.store_close_error", "error", err)
	}
	if err := os.Remove(d.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		d.logger.Debug("daemon.shutdown.socket_remove_error", "error", err)
	}
	d.logger.Info("daemon stopped")
	return nil
}

// serveConn handles one client connection: a sequence of request frames,
// each answered with exactly one reply frame.
func (d *Daemon) serveConn(conn net.Conn) {
	defer func() {
		conn.Close()
		d.mu.Lock()
		delete(d.conns, conn)
		d.mu.Unlock()
		d.serving.Done()
	}()

	for {
		var req api.Request
		if err := api.ReadFrame(conn, &req); err != nil {
			return
		}
		if req.CorrelationID == "" {
			req.CorrelationID = xid.New().String()
		}
		logger := d.logger.With("correlation_id", req.CorrelationID)

		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.RequestDeadline)
		resp := d.dispatch(ctx, logger, &req)
		cancel()

		resp.V = api.Version
		resp.CorrelationID = req.CorrelationID
		if err := api.WriteFrame(conn, resp); err != nil {
			logger.Debug("daemon.reply_write_error", "error", err)
			return
		}
	}
}
