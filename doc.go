// Package liberum exposes the Go APIs behind the Liberum Neto daemon: a
// peer-to-peer content distribution service that hosts many independent
// virtual nodes inside one process. Each node joins a Kademlia-style overlay
// over QUIC, publishes content-addressed objects, announces itself as their
// provider, and serves retrieval and authenticated deletion requests from
// other peers. A Unix control socket lets clients (the CLI, a GUI) drive the
// daemon.
//
// # Running a daemon
//
// The daemon listens on `Config.SocketPath` (default
// /tmp/liberum-core/core.sock) and keeps its state under `Config.DataDir`
// (default $HOME/.liberum-neto): node manifests under nodes/<name> and the
// shared content-addressed object store under objects/.
//
//	cfg := liberum.Config{}
//	d, err := liberum.NewDaemon(cfg, liberum.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	if err := d.Serve(ctx); err != nil {
//	    log.Fatalf("liberum: %v", err)
//	}
//
// Cancelling ctx stops every running node in reverse creation order and
// removes the socket.
//
// # Objects and fingerprints
//
// An object is an opaque byte blob named by its fingerprint, the base58 form
// of the BLAKE3 hash of its bytes. Publishing stores the blob locally,
// records the publishing node as its owner, and announces a provider record
// on the DHT. Downloads fetch from the first provider whose bytes verify
// against the fingerprint. Deletion is owner-only: remote providers check
// the requester's signature over the digest against the recorded owner.
//
// # Client
//
// The Go client (github.com/liberum-neto/liberum/client) wraps the control
// socket, and cmd/liberum-cli maps it onto a command line. Each control
// connection is served on its own goroutine, its requests one after another,
// each under a deadline (default 30 s); per-node command ordering is
// preserved by the node's mailbox.
package liberum
