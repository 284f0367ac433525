package liberum

import (
	"context"
	"errors"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"pkt.systems/pslog"

	"github.com/liberum-neto/liberum/api"
	"github.com/liberum-neto/liberum/internal/fingerprint"
	"github.com/liberum-neto/liberum/internal/node"
	"github.com/liberum-neto/liberum/internal/nodestore"
	"github.com/liberum-neto/liberum/internal/objectstore"
	"github.com/liberum-neto/liberum/internal/swarm"
	"github.com/liberum-neto/liberum/internal/transferproto"
)

// dispatch routes one control request to the manager and renders the reply.
func (d *Daemon) dispatch(ctx context.Context, logger pslog.Logger, req *api.Request) *api.Response {
	switch {
	case req.NewNode != nil:
		return d.handleNewNode(req.NewNode)
	case req.ConfigNode != nil:
		return d.handleConfigNode(ctx, req.ConfigNode)
	case req.StartNode != nil:
		return result(d.manager.Start(ctx, req.StartNode.Name))
	case req.StopNode != nil:
		return result(d.manager.Stop(ctx, req.StopNode.Name))
	case req.ListNodes != nil:
		return d.handleListNodes(ctx)
	case req.GetPeerID != nil:
		return d.handleGetPeerID(ctx, req.GetPeerID)
	case req.Dial != nil:
		return d.handleDial(ctx, req.Dial)
	case req.PublishFile != nil:
		return d.handlePublish(ctx, req.PublishFile)
	case req.DownloadFile != nil:
		return d.handleDownload(ctx, req.DownloadFile)
	case req.GetProviders != nil:
		return d.handleGetProviders(ctx, req.GetProviders)
	case req.DeleteObject != nil:
		return d.handleDeleteObject(ctx, req.DeleteObject)
	case req.DeleteNode != nil:
		return result(d.manager.DeleteNode(ctx, req.DeleteNode.Name))
	default:
		logger.Warn("daemon.dispatch.empty_request")
		return errorResponse(api.NewError(api.KindInvalidInput, "no request variant set"))
	}
}

func (d *Daemon) handleNewNode(req *api.NewNodeRequest) *api.Response {
	return result(d.manager.NewNode(req.Name, req.Seed))
}

func (d *Daemon) handleConfigNode(ctx context.Context, req *api.ConfigNodeRequest) *api.Response {
	a, err := d.manager.Actor(req.Name)
	if err != nil {
		return errorResponse(toAPIError(err))
	}
	switch req.Op {
	case api.ConfigAddBootstrap:
		p, addr, apiErr := parsePeerAddr(req.PeerID, req.Addr)
		if apiErr != nil {
			return errorResponse(apiErr)
		}
		return result(a.AddBootstrap(ctx, p, addr))
	case api.ConfigRemoveBootstrap:
		p, err := peer.Decode(req.PeerID)
		if err != nil {
			return errorResponse(api.NewError(api.KindInvalidInput, "bad peer id %q: %v", req.PeerID, err))
		}
		return result(a.RemoveBootstrap(ctx, p))
	case api.ConfigAddExternalAddr:
		addr, err := ma.NewMultiaddr(req.Addr)
		if err != nil {
			return errorResponse(api.NewError(api.KindInvalidInput, "bad multiaddress %q: %v", req.Addr, err))
		}
		return result(a.AddExternalAddress(ctx, addr))
	default:
		return errorResponse(api.NewError(api.KindInvalidInput, "unknown config op %q", req.Op))
	}
}

func (d *Daemon) handleListNodes(ctx context.Context) *api.Response {
	infos, err := d.manager.List(ctx)
	if err != nil {
		return errorResponse(toAPIError(err))
	}
	entries := make([]api.NodeListEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, api.NodeListEntry{Name: info.Name, Running: info.Running})
	}
	return &api.Response{NodeList: entries}
}

func (d *Daemon) handleGetPeerID(ctx context.Context, req *api.GetPeerIDRequest) *api.Response {
	a, err := d.manager.Actor(req.Name)
	if err != nil {
		return errorResponse(toAPIError(err))
	}
	id, err := a.PeerID(ctx)
	if err != nil {
		return errorResponse(toAPIError(err))
	}
	return &api.Response{PeerID: id.String()}
}

func (d *Daemon) handleDial(ctx context.Context, req *api.DialRequest) *api.Response {
	a, err := d.manager.Actor(req.Name)
	if err != nil {
		return errorResponse(toAPIError(err))
	}
	p, addr, apiErr := parsePeerAddr(req.PeerID, req.Addr)
	if apiErr != nil {
		return errorResponse(apiErr)
	}
	return result(a.Dial(ctx, p, addr))
}

func (d *Daemon) handlePublish(ctx context.Context, req *api.PublishFileRequest) *api.Response {
	a, err := d.manager.Actor(req.Name)
	if err != nil {
		return errorResponse(toAPIError(err))
	}
	fp, err := a.Publish(ctx, req.Data)
	if err != nil {
		return errorResponse(toAPIError(err))
	}
	return &api.Response{Published: &api.PublishedResponse{Fingerprint: fp.String()}}
}

func (d *Daemon) handleDownload(ctx context.Context, req *api.DownloadFileRequest) *api.Response {
	a, err := d.manager.Actor(req.Name)
	if err != nil {
		return errorResponse(toAPIError(err))
	}
	fp, err := fingerprint.Parse(req.Fingerprint)
	if err != nil {
		return errorResponse(api.NewError(api.KindInvalidInput, "bad fingerprint %q: %v", req.Fingerprint, err))
	}
	data, err := a.Download(ctx, fp)
	if err != nil {
		return errorResponse(toAPIError(err))
	}
	return &api.Response{Downloaded: &api.DownloadedResponse{Fingerprint: fp.String(), Data: data}}
}

func (d *Daemon) handleGetProviders(ctx context.Context, req *api.GetProvidersRequest) *api.Response {
	a, err := d.manager.Actor(req.Name)
	if err != nil {
		return errorResponse(toAPIError(err))
	}
	fp, err := fingerprint.Parse(req.Fingerprint)
	if err != nil {
		return errorResponse(api.NewError(api.KindInvalidInput, "bad fingerprint %q: %v", req.Fingerprint, err))
	}
	providers, err := a.GetProviders(ctx, fp)
	if err != nil {
		return errorResponse(toAPIError(err))
	}
	ids := make([]string, 0, len(providers))
	for _, p := range providers {
		ids = append(ids, p.String())
	}
	return &api.Response{Providers: &api.ProvidersResponse{PeerIDs: ids}}
}

func (d *Daemon) handleDeleteObject(ctx context.Context, req *api.DeleteObjectRequest) *api.Response {
	a, err := d.manager.Actor(req.Name)
	if err != nil {
		return errorResponse(toAPIError(err))
	}
	fp, err := fingerprint.Parse(req.Fingerprint)
	if err != nil {
		return errorResponse(api.NewError(api.KindInvalidInput, "bad fingerprint %q: %v", req.Fingerprint, err))
	}
	summary, err := a.Delete(ctx, fp)
	if err != nil {
		return errorResponse(toAPIError(err))
	}
	return &api.Response{Deleted: &api.DeletedResponse{
		DeletedMyself: summary.DeletedMyself,
		Successful:    summary.Successful,
		Failed:        summary.Failed,
	}}
}

func parsePeerAddr(peerID, addr string) (peer.ID, ma.Multiaddr, *api.Error) {
	p, err := peer.Decode(peerID)
	if err != nil {
		return "", nil, api.NewError(api.KindInvalidInput, "bad peer id %q: %v", peerID, err)
	}
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return "", nil, api.NewError(api.KindInvalidInput, "bad multiaddress %q: %v", addr, err)
	}
	return p, maddr, nil
}

func result(err error) *api.Response {
	if err != nil {
		return errorResponse(toAPIError(err))
	}
	return &api.Response{OK: true}
}

func errorResponse(e *api.Error) *api.Response {
	return &api.Response{Error: e}
}

// toAPIError maps internal failures onto the control-surface taxonomy.
func toAPIError(err error) *api.Error {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	kind := api.KindInternal
	switch {
	case errors.Is(err, nodestore.ErrBadName):
		kind = api.KindInvalidInput
	case errors.Is(err, node.ErrNotRunning), errors.Is(err, swarm.ErrStopped):
		kind = api.KindNotRunning
	case errors.Is(err, node.ErrAlreadyRunning):
		kind = api.KindAlreadyRunning
	case errors.Is(err, node.ErrUnknownNode), errors.Is(err, nodestore.ErrNotFound), errors.Is(err, node.ErrBootstrapNotFound):
		kind = api.KindUnknownNode
	case errors.Is(err, node.ErrExists), errors.Is(err, nodestore.ErrExists):
		kind = api.KindExists
	case errors.Is(err, node.ErrStillRunning):
		kind = api.KindAlreadyRunning
	case errors.Is(err, swarm.ErrDialFailed):
		kind = api.KindDialError
	case errors.Is(err, swarm.ErrNoProviders):
		kind = api.KindNoProviders
	case errors.Is(err, swarm.ErrDownloadFailed):
		kind = api.KindAbsent
	case errors.Is(err, swarm.ErrCancelled):
		kind = api.KindCancelled
	case errors.Is(err, swarm.ErrListenFailed):
		kind = api.KindListenFailed
	case errors.Is(err, context.DeadlineExceeded):
		kind = api.KindTimeout
	case errors.Is(err, context.Canceled):
		kind = api.KindCancelled
	case errors.Is(err, objectstore.ErrNotOwner):
		kind = api.KindNotOwner
	case errors.Is(err, objectstore.ErrNotFound):
		kind = api.KindAbsent
	case errors.Is(err, objectstore.ErrIntegrity):
		kind = api.KindStorage
	case errors.Is(err, objectstore.ErrCorrupted):
		kind = api.KindStorage
	case errors.Is(err, transferproto.ErrFraming):
		kind = api.KindProtocolFraming
	}
	return api.NewError(kind, "%v", err)
}
