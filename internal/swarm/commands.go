package swarm

import (
	"context"
	"errors"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/liberum-neto/liberum/internal/fingerprint"
	"github.com/liberum-neto/liberum/internal/objectstore"
	"github.com/liberum-neto/liberum/internal/transferproto"
)

type commandKind int

const (
	cmdDial commandKind = iota
	cmdPublish
	cmdGetProviders
	cmdDownload
	cmdDelete
)

// command is the tagged variant sent into the event loop. One field set per
// kind; reply is buffered so the loop never blocks on delivery.
type command struct {
	id    uint64
	kind  commandKind
	data  []byte
	fp    fingerprint.Fingerprint
	peer  peer.ID
	addr  ma.Multiaddr
	reply chan result
}

type result struct {
	fp        fingerprint.Fingerprint
	data      []byte
	providers []peer.ID
	summary   DeleteSummary
	err       error
}

type completion struct {
	id  uint64
	res result
}

// loop is the runner's single event loop: it admits commands into the query
// table, resolves completions, and drives the periodic provider re-announce.
func (r *Runner) loop() {
	queries := make(map[uint64]*command)
	var nextID uint64

	ticker := time.NewTicker(r.cfg.ReannounceInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-r.cmds:
			nextID++
			cmd.id = nextID
			queries[cmd.id] = cmd
			go r.execute(cmd)
		case comp := <-r.completions:
			if cmd, ok := queries[comp.id]; ok {
				delete(queries, comp.id)
				cmd.reply <- comp.res
				close(cmd.reply)
			}
		case <-ticker.C:
			go r.reannounce()
		case <-r.runCtx.Done():
			// Dropping the reply channels is what outstanding callers
			// observe as Cancelled.
			for id, cmd := range queries {
				delete(queries, id)
				close(cmd.reply)
			}
			r.host.RemoveStreamHandler(protocol.ID(transferproto.ProtocolID))
			if err := r.dht.Close(); err != nil {
				r.log.Debug("swarm.stop.dht_close_error", "error", err)
			}
			if err := r.host.Close(); err != nil {
				r.log.Debug("swarm.stop.host_close_error", "error", err)
			}
			r.state.Store(int32(StateStopped))
			r.log.Info("swarm stopped")
			close(r.done)
			return
		}
	}
}

func (r *Runner) execute(cmd *command) {
	var res result
	switch cmd.kind {
	case cmdDial:
		res.err = r.doDial(cmd.peer, cmd.addr)
	case cmdPublish:
		res.fp, res.err = r.doPublish(cmd.data)
	case cmdGetProviders:
		res.providers, res.err = r.doGetProviders(cmd.fp)
	case cmdDownload:
		res.data, res.err = r.doDownload(cmd.fp)
	case cmdDelete:
		res.summary, res.err = r.doDelete(cmd.fp)
	}
	select {
	case r.completions <- completion{id: cmd.id, res: res}:
	case <-r.runCtx.Done():
	}
}

// enqueue submits a command and waits for its resolution. A runner stopping
// mid-flight surfaces as ErrCancelled; a caller deadline surfaces as the
// context error.
func (r *Runner) enqueue(ctx context.Context, cmd *command) (result, error) {
	cmd.reply = make(chan result, 1)
	select {
	case r.cmds <- cmd:
	case <-r.done:
		return result{}, ErrStopped
	case <-r.runCtx.Done():
		return result{}, ErrStopped
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
	select {
	case res, ok := <-cmd.reply:
		if !ok {
			return result{}, ErrCancelled
		}
		return res, res.err
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

// Dial attempts a direct connection to p at addr; on success the address is
// kept as a known route.
func (r *Runner) Dial(ctx context.Context, p peer.ID, addr ma.Multiaddr) error {
	_, err := r.enqueue(ctx, &command{kind: cmdDial, peer: p, addr: addr})
	return err
}

// Publish stores data locally and announces this node as its provider.
// It returns once the local store is updated and the provider record has
// been submitted to the DHT.
func (r *Runner) Publish(ctx context.Context, data []byte) (fingerprint.Fingerprint, error) {
	res, err := r.enqueue(ctx, &command{kind: cmdPublish, data: data})
	return res.fp, err
}

// GetProviders returns the union of locally cached and network-returned
// providers for fp. An empty set is a valid answer.
func (r *Runner) GetProviders(ctx context.Context, fp fingerprint.Fingerprint) ([]peer.ID, error) {
	res, err := r.enqueue(ctx, &command{kind: cmdGetProviders, fp: fp})
	return res.providers, err
}

// Download retrieves the object named by fp, locally when present, otherwise
// from the first provider that produces bytes matching the fingerprint.
func (r *Runner) Download(ctx context.Context, fp fingerprint.Fingerprint) ([]byte, error) {
	res, err := r.enqueue(ctx, &command{kind: cmdDownload, fp: fp})
	return res.data, err
}

// Delete removes this node's publication of fp and asks every remote
// provider to do the same, aggregating the outcome.
func (r *Runner) Delete(ctx context.Context, fp fingerprint.Fingerprint) (DeleteSummary, error) {
	res, err := r.enqueue(ctx, &command{kind: cmdDelete, fp: fp})
	return res.summary, err
}

// CachedProviders returns the providers learned from past DHT lookups
// without touching the network.
func (r *Runner) CachedProviders(fp fingerprint.Fingerprint) []peer.ID {
	r.announceMu.Lock()
	defer r.announceMu.Unlock()
	out := make([]peer.ID, 0, len(r.providers[fp]))
	for p := range r.providers[fp] {
		out = append(out, p)
	}
	return out
}

func (r *Runner) doDial(p peer.ID, addr ma.Multiaddr) error {
	ctx, cancel := context.WithTimeout(r.runCtx, DefaultDialTimeout)
	defer cancel()
	err := r.host.Connect(ctx, peer.AddrInfo{ID: p, Addrs: []ma.Multiaddr{addr}})
	if err != nil {
		r.log.Debug("swarm.dial.failed", "peer", p.String(), "addr", addr.String(), "error", err)
		return errors.Join(ErrDialFailed, err)
	}
	r.host.Peerstore().AddAddrs(p, []ma.Multiaddr{addr}, peerstore.PermanentAddrTTL)
	r.log.Info("dialed peer", "peer", p.String(), "addr", addr.String())
	return nil
}

func (r *Runner) doPublish(data []byte) (fingerprint.Fingerprint, error) {
	fp, err := r.store.Put(data, r.self, time.Now().UTC())
	if err != nil {
		return fp, err
	}
	r.announce(fp)
	if err := r.provide(fp); err != nil {
		// With an empty routing table the DHT cannot walk anywhere, but the
		// local provider record is in place and will be re-announced.
		r.log.Debug("swarm.publish.provide_deferred", "fingerprint", fp.String(), "error", err)
	}
	r.log.Info("published object", "fingerprint", fp.String(), "bytes", len(data))
	return fp, nil
}

func (r *Runner) provide(fp fingerprint.Fingerprint) error {
	key, err := fp.DHTKey()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(r.runCtx, DefaultProviderLookup)
	defer cancel()
	return r.dht.Provide(ctx, key, true)
}

func (r *Runner) announce(fp fingerprint.Fingerprint) {
	r.announceMu.Lock()
	r.announced[fp] = struct{}{}
	r.announceMu.Unlock()
}

func (r *Runner) unannounce(fp fingerprint.Fingerprint) {
	r.announceMu.Lock()
	delete(r.announced, fp)
	delete(r.providers, fp)
	r.announceMu.Unlock()
}

func (r *Runner) doGetProviders(fp fingerprint.Fingerprint) ([]peer.ID, error) {
	found, err := r.lookupProviders(r.runCtx, fp, 0)
	if err != nil {
		return nil, err
	}
	r.announceMu.Lock()
	defer r.announceMu.Unlock()
	set := r.providers[fp]
	if set == nil {
		set = make(map[peer.ID]struct{})
		r.providers[fp] = set
	}
	for _, p := range found {
		set[p] = struct{}{}
	}
	union := make([]peer.ID, 0, len(set))
	for p := range set {
		union = append(union, p)
	}
	return union, nil
}

// lookupProviders walks the DHT for providers of fp in arrival order. A
// limit of zero caps the walk at 20 providers.
func (r *Runner) lookupProviders(ctx context.Context, fp fingerprint.Fingerprint, limit int) ([]peer.ID, error) {
	key, err := fp.DHTKey()
	if err != nil {
		return nil, err
	}
	lookupCtx, cancel := context.WithTimeout(ctx, DefaultProviderLookup)
	defer cancel()

	count := 20
	if limit > 0 && limit < count {
		count = limit
	}
	seen := make(map[peer.ID]struct{})
	var out []peer.ID
	for info := range r.dht.FindProvidersAsync(lookupCtx, key, count) {
		if info.ID == "" {
			continue
		}
		if _, dup := seen[info.ID]; dup {
			continue
		}
		seen[info.ID] = struct{}{}
		if len(info.Addrs) > 0 {
			r.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.TempAddrTTL)
		}
		out = append(out, info.ID)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *Runner) doDownload(fp fingerprint.Fingerprint) ([]byte, error) {
	if data, err := r.store.Get(fp); err == nil {
		return data, nil
	}

	budget, cancel := context.WithTimeout(r.runCtx, r.cfg.DownloadBudget)
	defer cancel()

	// One extra slot beyond the fan-out cap in case the provider set
	// includes ourselves.
	providers, err := r.lookupProviders(budget, fp, r.cfg.MaxFanout+1)
	if err != nil {
		return nil, err
	}
	attempted := 0
	for _, p := range providers {
		if p == r.self {
			continue
		}
		if attempted >= r.cfg.MaxFanout {
			break
		}
		attempted++
		data, err := r.fetchFrom(budget, p, fp)
		if err != nil {
			r.log.Debug("swarm.download.provider_failed", "fingerprint", fp.String(), "provider", p.String(), "error", err)
			if budget.Err() != nil {
				break
			}
			continue
		}
		if !fp.Matches(data) {
			r.log.Warn("swarm.download.integrity_mismatch", "fingerprint", fp.String(), "provider", p.String(), "bytes", len(data))
			continue
		}
		if _, err := r.store.PutCached(data, p); err != nil {
			r.log.Warn("swarm.download.cache_failed", "fingerprint", fp.String(), "error", err)
		} else {
			// A cached copy is served and advertised until the owner
			// deletes it.
			r.announce(fp)
			if err := r.provide(fp); err != nil {
				r.log.Debug("swarm.download.provide_deferred", "fingerprint", fp.String(), "error", err)
			}
		}
		r.log.Info("downloaded object", "fingerprint", fp.String(), "provider", p.String(), "bytes", len(data))
		return data, nil
	}
	if attempted == 0 {
		return nil, ErrNoProviders
	}
	return nil, ErrDownloadFailed
}

func (r *Runner) doDelete(fp fingerprint.Fingerprint) (DeleteSummary, error) {
	var summary DeleteSummary

	sig, err := r.signFingerprint(fp)
	if err != nil {
		return summary, err
	}

	switch _, delErr := r.store.Delete(fp, r.self, sig); {
	case delErr == nil:
		summary.DeletedMyself = true
		r.unannounce(fp)
	case errors.Is(delErr, objectstore.ErrNotFound):
		// Nothing held locally; remote deletes still proceed under the
		// owner's signature.
	case errors.Is(delErr, objectstore.ErrNotOwner):
		r.log.Debug("swarm.delete.not_local_owner", "fingerprint", fp.String())
	default:
		return summary, delErr
	}

	providers, err := r.lookupProviders(r.runCtx, fp, 0)
	if err != nil {
		return summary, err
	}
	for _, p := range providers {
		if p == r.self {
			continue
		}
		n, err := r.deleteFrom(r.runCtx, p, fp, sig)
		if err != nil {
			r.log.Debug("swarm.delete.provider_failed", "fingerprint", fp.String(), "provider", p.String(), "error", err)
			summary.Failed++
			continue
		}
		summary.Successful += uint64(n)
	}
	r.log.Info("delete finished", "fingerprint", fp.String(),
		"deleted_myself", summary.DeletedMyself, "successful", summary.Successful, "failed", summary.Failed)
	return summary, nil
}

// reannounce refreshes the provider record of everything this node still
// advertises.
func (r *Runner) reannounce() {
	r.announceMu.Lock()
	fps := make([]fingerprint.Fingerprint, 0, len(r.announced))
	for fp := range r.announced {
		fps = append(fps, fp)
	}
	r.announceMu.Unlock()

	for _, fp := range fps {
		if r.runCtx.Err() != nil {
			return
		}
		if err := r.provide(fp); err != nil {
			r.log.Debug("swarm.reannounce.provide_error", "fingerprint", fp.String(), "error", err)
		}
	}
	if len(fps) > 0 {
		r.log.Debug("swarm.reannounce.done", "objects", len(fps))
	}
}
