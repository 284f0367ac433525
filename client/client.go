// Package client wraps the daemon's control socket for Go callers. The base
// of every call is one request frame answered by one reply frame; the client
// keeps a single connection and serializes calls over it.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/liberum-neto/liberum/api"
)

// DefaultDialTimeout bounds the initial socket connection.
const DefaultDialTimeout = 5 * time.Second

// Client talks to a liberum daemon over its Unix control socket.
type Client struct {
	socketPath string

	mu   sync.Mutex
	conn net.Conn
}

// New connects to the daemon at socketPath.
func New(socketPath string) (*Client, error) {
	c := &Client{socketPath: socketPath}
	if err := c.reconnect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) reconnect() error {
	conn, err := net.DialTimeout("unix", c.socketPath, DefaultDialTimeout)
	if err != nil {
		return fmt.Errorf("client: connect %s: %w", c.socketPath, err)
	}
	c.conn = conn
	return nil
}

// Close releases the socket connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Do sends one request and waits for its reply. A response carrying a typed
// error is returned as that *api.Error.
func (c *Client) Do(ctx context.Context, req *api.Request) (*api.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		if err := c.reconnect(); err != nil {
			return nil, err
		}
	}
	req.V = api.Version
	if req.CorrelationID == "" {
		req.CorrelationID = xid.New().String()
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := api.WriteFrame(c.conn, req); err != nil {
		c.conn.Close()
		c.conn = nil
		return nil, fmt.Errorf("client: send request: %w", err)
	}
	var resp api.Response
	if err := api.ReadFrame(c.conn, &resp); err != nil {
		c.conn.Close()
		c.conn = nil
		return nil, fmt.Errorf("client: read reply: %w", err)
	}
	if resp.Error != nil {
		return &resp, resp.Error
	}
	return &resp, nil
}

// NewNode creates a node, optionally with a deterministic seed.
func (c *Client) NewNode(ctx context.Context, name string, seed *uint64) error {
	_, err := c.Do(ctx, &api.Request{NewNode: &api.NewNodeRequest{Name: name, Seed: seed}})
	return err
}

// StartNode brings a node up.
func (c *Client) StartNode(ctx context.Context, name string) error {
	_, err := c.Do(ctx, &api.Request{StartNode: &api.StartNodeRequest{Name: name}})
	return err
}

// StopNode shuts a node down.
func (c *Client) StopNode(ctx context.Context, name string) error {
	_, err := c.Do(ctx, &api.Request{StopNode: &api.StopNodeRequest{Name: name}})
	return err
}

// DeleteNode destroys a stopped node's manifest.
func (c *Client) DeleteNode(ctx context.Context, name string) error {
	_, err := c.Do(ctx, &api.Request{DeleteNode: &api.DeleteNodeRequest{Name: name}})
	return err
}

// ListNodes returns every known node with its running state.
func (c *Client) ListNodes(ctx context.Context) ([]api.NodeListEntry, error) {
	resp, err := c.Do(ctx, &api.Request{ListNodes: &api.ListNodesRequest{}})
	if err != nil {
		return nil, err
	}
	return resp.NodeList, nil
}

// GetPeerID resolves a node name to its peer ID.
func (c *Client) GetPeerID(ctx context.Context, name string) (string, error) {
	resp, err := c.Do(ctx, &api.Request{GetPeerID: &api.GetPeerIDRequest{Name: name}})
	if err != nil {
		return "", err
	}
	return resp.PeerID, nil
}

// ConfigNode applies one manifest mutation.
func (c *Client) ConfigNode(ctx context.Context, req api.ConfigNodeRequest) error {
	_, err := c.Do(ctx, &api.Request{ConfigNode: &req})
	return err
}

// Dial connects a node directly to a peer.
func (c *Client) Dial(ctx context.Context, name, peerID, addr string) error {
	_, err := c.Do(ctx, &api.Request{Dial: &api.DialRequest{Name: name, PeerID: peerID, Addr: addr}})
	return err
}

// PublishFile publishes bytes from a node and returns the fingerprint.
func (c *Client) PublishFile(ctx context.Context, name string, data []byte) (string, error) {
	resp, err := c.Do(ctx, &api.Request{PublishFile: &api.PublishFileRequest{Name: name, Data: data}})
	if err != nil {
		return "", err
	}
	if resp.Published == nil {
		return "", errors.New("client: publish reply missing payload")
	}
	return resp.Published.Fingerprint, nil
}

// DownloadFile retrieves an object by fingerprint.
func (c *Client) DownloadFile(ctx context.Context, name, fp string) ([]byte, error) {
	resp, err := c.Do(ctx, &api.Request{DownloadFile: &api.DownloadFileRequest{Name: name, Fingerprint: fp}})
	if err != nil {
		return nil, err
	}
	if resp.Downloaded == nil {
		return nil, errors.New("client: download reply missing payload")
	}
	return resp.Downloaded.Data, nil
}

// GetProviders resolves the provider set for a fingerprint.
func (c *Client) GetProviders(ctx context.Context, name, fp string) ([]string, error) {
	resp, err := c.Do(ctx, &api.Request{GetProviders: &api.GetProvidersRequest{Name: name, Fingerprint: fp}})
	if err != nil {
		return nil, err
	}
	if resp.Providers == nil {
		return nil, errors.New("client: providers reply missing payload")
	}
	return resp.Providers.PeerIDs, nil
}

// DeleteObject deletes an object locally and across remote providers.
func (c *Client) DeleteObject(ctx context.Context, name, fp string) (*api.DeletedResponse, error) {
	resp, err := c.Do(ctx, &api.Request{DeleteObject: &api.DeleteObjectRequest{Name: name, Fingerprint: fp}})
	if err != nil {
		return nil, err
	}
	if resp.Deleted == nil {
		return nil, errors.New("client: delete reply missing payload")
	}
	return resp.Deleted, nil
}
