package swarm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/liberum-neto/liberum/internal/fingerprint"
	"github.com/liberum-neto/liberum/internal/identity"
	"github.com/liberum-neto/liberum/internal/objectstore"
	"github.com/liberum-neto/liberum/internal/transferproto"
)

const inboundStreamDeadline = 30 * time.Second

func (r *Runner) signFingerprint(fp fingerprint.Fingerprint) ([]byte, error) {
	return identity.Sign(r.cfg.Keypair, fp.Bytes())
}

// fetchFrom asks one provider for the object, bounded by the per-attempt
// fetch timeout within the caller's budget.
func (r *Runner) fetchFrom(ctx context.Context, p peer.ID, fp fingerprint.Fingerprint) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	s, err := r.host.NewStream(attemptCtx, p, protocol.ID(transferproto.ProtocolID))
	if err != nil {
		return nil, fmt.Errorf("swarm: open transfer stream to %s: %w", p, err)
	}
	defer s.Close()
	if deadline, ok := attemptCtx.Deadline(); ok {
		s.SetDeadline(deadline)
	}

	if err := transferproto.WriteRequest(s, transferproto.FetchRequest{Fingerprint: fp}); err != nil {
		s.Reset()
		return nil, fmt.Errorf("swarm: send fetch request: %w", err)
	}
	if err := s.CloseWrite(); err != nil {
		s.Reset()
		return nil, fmt.Errorf("swarm: close write side: %w", err)
	}
	rep, err := transferproto.ReadFetchReply(s, r.cfg.MaxMessageSize)
	if err != nil {
		s.Reset()
		return nil, err
	}
	switch rep.Status {
	case transferproto.StatusOK:
		return rep.Data, nil
	case transferproto.StatusAbsent:
		return nil, fmt.Errorf("swarm: provider %s reports object absent", p)
	case transferproto.StatusBusy:
		return nil, fmt.Errorf("swarm: provider %s busy", p)
	default:
		return nil, fmt.Errorf("swarm: provider %s returned status %d", p, rep.Status)
	}
}

// deleteFrom sends an authenticated delete to one provider and returns the
// number of replicas it removed.
func (r *Runner) deleteFrom(ctx context.Context, p peer.ID, fp fingerprint.Fingerprint, sig []byte) (uint32, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	s, err := r.host.NewStream(attemptCtx, p, protocol.ID(transferproto.ProtocolID))
	if err != nil {
		return 0, fmt.Errorf("swarm: open transfer stream to %s: %w", p, err)
	}
	defer s.Close()
	if deadline, ok := attemptCtx.Deadline(); ok {
		s.SetDeadline(deadline)
	}

	if err := transferproto.WriteRequest(s, transferproto.DeleteRequest{Fingerprint: fp, Signature: sig}); err != nil {
		s.Reset()
		return 0, fmt.Errorf("swarm: send delete request: %w", err)
	}
	if err := s.CloseWrite(); err != nil {
		s.Reset()
		return 0, fmt.Errorf("swarm: close write side: %w", err)
	}
	rep, err := transferproto.ReadDeleteReply(s)
	if err != nil {
		s.Reset()
		return 0, err
	}
	switch rep.Status {
	case transferproto.StatusOK:
		return rep.SuccessCount, nil
	case transferproto.StatusNotOwner:
		return 0, fmt.Errorf("swarm: provider %s refused delete: not owner", p)
	case transferproto.StatusAbsent:
		return 0, fmt.Errorf("swarm: provider %s no longer holds the object", p)
	default:
		return 0, fmt.Errorf("swarm: provider %s busy", p)
	}
}

// handleStream serves one inbound transfer request. Framing errors reset the
// stream; everything else gets a typed status reply.
func (r *Runner) handleStream(s network.Stream) {
	defer s.Close()
	s.SetDeadline(time.Now().Add(inboundStreamDeadline))

	req, err := transferproto.ReadRequest(s)
	if err != nil {
		r.log.Debug("swarm.transfer.bad_request", "remote", s.Conn().RemotePeer().String(), "error", err)
		s.Reset()
		return
	}

	switch req := req.(type) {
	case transferproto.FetchRequest:
		r.serveFetch(s, req)
	case transferproto.DeleteRequest:
		r.serveDelete(s, req)
	}
}

func (r *Runner) serveFetch(s network.Stream, req transferproto.FetchRequest) {
	remote := s.Conn().RemotePeer()
	data, err := r.store.Get(req.Fingerprint)
	rep := transferproto.FetchReply{Status: transferproto.StatusOK, Data: data}
	switch {
	case errors.Is(err, objectstore.ErrNotFound):
		rep = transferproto.FetchReply{Status: transferproto.StatusAbsent}
	case err != nil:
		r.log.Warn("swarm.transfer.fetch_read_error", "fingerprint", req.Fingerprint.String(), "error", err)
		rep = transferproto.FetchReply{Status: transferproto.StatusBusy}
	case uint32(len(data)) > r.cfg.MaxMessageSize:
		r.log.Warn("swarm.transfer.fetch_too_large", "fingerprint", req.Fingerprint.String(), "bytes", len(data))
		rep = transferproto.FetchReply{Status: transferproto.StatusBusy}
	}
	if err := transferproto.WriteFetchReply(s, rep); err != nil {
		r.log.Debug("swarm.transfer.fetch_reply_error", "remote", remote.String(), "error", err)
		s.Reset()
		return
	}
	if rep.Status == transferproto.StatusOK {
		r.log.Debug("swarm.transfer.served", "fingerprint", req.Fingerprint.String(), "remote", remote.String(), "bytes", len(data))
	}
}

func (r *Runner) serveDelete(s network.Stream, req transferproto.DeleteRequest) {
	remote := s.Conn().RemotePeer()
	rep := transferproto.DeleteReply{Status: transferproto.StatusOK, SuccessCount: 1}
	_, err := r.store.Delete(req.Fingerprint, remote, req.Signature)
	switch {
	case err == nil:
		r.unannounce(req.Fingerprint)
		r.log.Info("remote delete honoured", "fingerprint", req.Fingerprint.String(), "requester", remote.String())
	case errors.Is(err, objectstore.ErrNotOwner):
		rep = transferproto.DeleteReply{Status: transferproto.StatusNotOwner}
		r.log.Debug("swarm.transfer.delete_refused", "fingerprint", req.Fingerprint.String(), "requester", remote.String())
	case errors.Is(err, objectstore.ErrNotFound):
		rep = transferproto.DeleteReply{Status: transferproto.StatusAbsent}
	default:
		r.log.Warn("swarm.transfer.delete_error", "fingerprint", req.Fingerprint.String(), "error", err)
		rep = transferproto.DeleteReply{Status: transferproto.StatusBusy}
	}
	if err := transferproto.WriteDeleteReply(s, rep); err != nil {
		r.log.Debug("swarm.transfer.delete_reply_error", "remote", remote.String(), "error", err)
		s.Reset()
	}
}
