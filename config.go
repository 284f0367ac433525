package liberum

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Defaults for the daemon configuration.
const (
	// DefaultDataDirName is the directory under the user's home that holds
	// node manifests and the object store.
	DefaultDataDirName = ".liberum-neto"
	// DefaultRuntimeDir holds the control socket and the daemon's pid and
	// output files.
	DefaultRuntimeDir = "/tmp/liberum-core"
	// DefaultSocketName is the control socket file inside the runtime dir.
	DefaultSocketName = "core.sock"
	// DefaultPidFileName is the pid file inside the runtime dir.
	DefaultPidFileName = "core.pid"
	// DefaultRequestDeadline bounds one control command.
	DefaultRequestDeadline = 30 * time.Second
)

// Config captures the daemon tunables.
type Config struct {
	// DataDir is the root for nodes/ and objects/. Empty selects
	// $HOME/.liberum-neto.
	DataDir string
	// SocketPath is the Unix control socket. Empty selects
	// /tmp/liberum-core/core.sock.
	SocketPath string
	// RequestDeadline bounds each control command. Zero selects the
	// default.
	RequestDeadline time.Duration
}

// Validate fills defaults and rejects unusable values.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("config: resolve home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, DefaultDataDirName)
	}
	if c.SocketPath == "" {
		c.SocketPath = filepath.Join(DefaultRuntimeDir, DefaultSocketName)
	}
	if c.RequestDeadline < 0 {
		return fmt.Errorf("config: request deadline must be >= 0")
	}
	if c.RequestDeadline == 0 {
		c.RequestDeadline = DefaultRequestDeadline
	}
	return nil
}
