package liberum

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/pslog"

	"github.com/liberum-neto/liberum/api"
	"github.com/liberum-neto/liberum/client"
)

// startTestDaemon serves a daemon on a socket under a short temp path (unix
// socket paths are length-limited) and returns a connected client.
func startTestDaemon(t *testing.T) *client.Client {
	t.Helper()
	runDir, err := os.MkdirTemp("", "liberum")
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(runDir) })

	cfg := Config{
		DataDir:    t.TempDir(),
		SocketPath: filepath.Join(runDir, "core.sock"),
	}
	d, err := NewDaemon(cfg, WithLogger(pslog.NoopLogger()))
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(15 * time.Second):
			t.Error("daemon did not shut down in time")
		}
	})

	var c *client.Client
	deadline := time.Now().Add(5 * time.Second)
	for {
		c, err = client.New(cfg.SocketPath)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("daemon socket never came up: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestControlSurfaceNodeLifecycle(t *testing.T) {
	c := startTestDaemon(t)
	ctx := context.Background()

	seed := uint64(1)
	if err := c.NewNode(ctx, "n1", &seed); err != nil {
		t.Fatalf("new-node: %v", err)
	}
	if err := c.NewNode(ctx, "n1", nil); err == nil {
		t.Fatal("duplicate new-node should fail")
	} else {
		var apiErr *api.Error
		if !errors.As(err, &apiErr) || apiErr.Kind != api.KindExists {
			t.Fatalf("expected exists error kind, got %v", err)
		}
	}

	entries, err := c.ListNodes(ctx)
	if err != nil {
		t.Fatalf("list-nodes: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "n1" || entries[0].Running {
		t.Fatalf("unexpected listing %+v", entries)
	}

	id, err := c.GetPeerID(ctx, "n1")
	if err != nil {
		t.Fatalf("get-peer-id: %v", err)
	}
	if id == "" {
		t.Fatal("empty peer id")
	}

	// A stopped node refuses swarm commands with the not_running kind.
	_, err = c.PublishFile(ctx, "n1", []byte("data"))
	var apiErr *api.Error
	if !errors.As(err, &apiErr) || apiErr.Kind != api.KindNotRunning {
		t.Fatalf("expected not_running, got %v", err)
	}

	// Unknown nodes surface as unknown_node.
	if _, err := c.GetPeerID(ctx, "ghost"); err == nil {
		t.Fatal("get-peer-id of unknown node should fail")
	} else if !errors.As(err, &apiErr) || apiErr.Kind != api.KindUnknownNode {
		t.Fatalf("expected unknown_node, got %v", err)
	}

	if err := c.DeleteNode(ctx, "n1"); err != nil {
		t.Fatalf("delete-node: %v", err)
	}
	entries, err = c.ListNodes(ctx)
	if err != nil {
		t.Fatalf("list-nodes after delete: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty listing, got %+v", entries)
	}
}

func TestControlSurfaceInputValidation(t *testing.T) {
	c := startTestDaemon(t)
	ctx := context.Background()

	if err := c.NewNode(ctx, "n1", nil); err != nil {
		t.Fatalf("new-node: %v", err)
	}

	var apiErr *api.Error
	if _, err := c.DownloadFile(ctx, "n1", "not!base58"); err == nil {
		t.Fatal("bad fingerprint should fail")
	} else if !errors.As(err, &apiErr) || apiErr.Kind != api.KindInvalidInput {
		t.Fatalf("expected invalid_input, got %v", err)
	}

	if err := c.Dial(ctx, "n1", "bogus-peer", "/ip4/127.0.0.1/udp/1/quic-v1"); err == nil {
		t.Fatal("bad peer id should fail")
	} else if !errors.As(err, &apiErr) || apiErr.Kind != api.KindInvalidInput {
		t.Fatalf("expected invalid_input for peer id, got %v", err)
	}

	if err := c.ConfigNode(ctx, api.ConfigNodeRequest{Name: "n1", Op: "frobnicate"}); err == nil {
		t.Fatal("unknown config op should fail")
	} else if !errors.As(err, &apiErr) || apiErr.Kind != api.KindInvalidInput {
		t.Fatalf("expected invalid_input for config op, got %v", err)
	}
}

func TestConfigValidateDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.DataDir == "" || cfg.SocketPath == "" {
		t.Fatalf("defaults not filled: %+v", cfg)
	}
	if cfg.RequestDeadline != DefaultRequestDeadline {
		t.Fatalf("deadline default not applied: %v", cfg.RequestDeadline)
	}

	bad := Config{RequestDeadline: -time.Second}
	if err := bad.Validate(); err == nil {
		t.Fatal("negative deadline should be rejected")
	}
}
