package relay

import (
	"context"
	"log"
	"sync"

	"github.com/gocast/gocast/internal/config"
	"github.com/gocast/gocast/internal/stream"
)

// maxConnecting bounds how many relay clients may be mid-connect (DNS,
// TCP connect, redirect chase) at once, matching the reference source's
// relays_connecting cap so a batch of new relays can't open a flood of
// simultaneous sockets.
const maxConnecting = 3

// Engine owns the set of active relay Clients for one config source (the
// local config file's relays list, or a MasterPoller's discovered mount
// list — each gets its own Engine instance). It is diff-driven: Diff is
// called whenever the candidate set changes, and only the delta between
// what is running and what is wanted is acted on.
type Engine struct {
	mu      sync.Mutex
	clients map[string]*Client

	mounts *stream.MountManager
	logger *log.Logger
	pool   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine creates an Engine that feeds relayed audio into mounts owned
// by mounts.
func NewEngine(mounts *stream.MountManager, logger *log.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		clients: make(map[string]*Client),
		mounts:  mounts,
		logger:  logger,
		pool:    make(chan struct{}, maxConnecting),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// acquireConnectSlot blocks until a connecting slot is free or ctx is
// canceled, returning a release function.
func (e *Engine) acquireConnectSlot(ctx context.Context) (func(), error) {
	select {
	case e.pool <- struct{}{}:
		return func() { <-e.pool }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Diff reconciles the running client set against candidates, mirroring
// update_relay_set: relays present in candidates but not running are
// started, relays whose details changed are swapped in place (used from
// the client's next connect; an open connection is not interrupted),
// on-demand-only changes
// are reconciled without a restart, and relays no longer present are
// marked for cleanup and removed from the registry.
func (e *Engine) Diff(candidates []*config.RelayConfig) {
	wanted := make(map[string]*Relay, len(candidates))
	for _, cfg := range candidates {
		if !cfg.Enabled {
			continue
		}
		wanted[cfg.LocalMount] = FromConfig(cfg)
	}
	e.diffWanted(wanted)
}

// DiffMounts reconciles the running client set against a set of mount
// paths discovered by a MasterPoller, matching update_relays' handling
// of relays synthesized from a stream list rather than the config file.
func (e *Engine) DiffMounts(mounts []string, masterCfg *config.MasterConfig) {
	wanted := make(map[string]*Relay, len(mounts))
	for _, mount := range mounts {
		wanted[mount] = FromMountPath(mount, masterCfg)
	}
	e.diffWanted(wanted)
}

func (e *Engine) diffWanted(wanted map[string]*Relay) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for localMount, newRelay := range wanted {
		existing, ok := e.clients[localMount]
		if !ok {
			e.startLocked(newRelay)
			continue
		}

		current := existing.Relay()
		if current.HasChanged(newRelay) {
			newRelay.ID = current.ID
			existing.swapRelay(newRelay)
			continue
		}

		if current.OnDemand != newRelay.OnDemand {
			existing.setOnDemand(newRelay.OnDemand)
		}
		if current.Enabled != newRelay.Enabled {
			existing.Toggle(newRelay.Enabled)
		}
	}

	for localMount, client := range e.clients {
		if _, ok := wanted[localMount]; !ok {
			client.MarkCleanup()
			delete(e.clients, localMount)
		}
	}
}

func (e *Engine) startLocked(r *Relay) {
	mount, err := e.mounts.GetOrCreateMount(r.LocalMount)
	if err != nil {
		if e.logger != nil {
			e.logger.Printf("relay: cannot create mount %s: %v", r.LocalMount, err)
		}
		return
	}

	client := newClient(e, r, mount, e.logger)
	e.clients[r.LocalMount] = client
	go client.Run(e.ctx)
}

// Client returns the running client for a local mount, if any.
func (e *Engine) Client(localMount string) *Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clients[localMount]
}

// Clients returns a snapshot of every currently registered client.
func (e *Engine) Clients() []*Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Client, 0, len(e.clients))
	for _, c := range e.clients {
		out = append(out, c)
	}
	return out
}

// Connecting reports how many relay connect slots are currently in use,
// for admin diagnostics.
func (e *Engine) Connecting() int {
	return len(e.pool)
}

// Stop cancels every running client and waits for them to exit.
func (e *Engine) Stop() {
	e.cancel()
	e.mu.Lock()
	clients := make([]*Client, 0, len(e.clients))
	for _, c := range e.clients {
		clients = append(clients, c)
	}
	e.mu.Unlock()

	for _, c := range clients {
		c.Stop()
	}
}
