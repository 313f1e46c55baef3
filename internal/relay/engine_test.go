package relay

import (
	"context"
	"testing"

	"github.com/gocast/gocast/internal/config"
	"github.com/gocast/gocast/internal/stream"
)

func newTestEngine() *Engine {
	cfg := config.DefaultConfig()
	mounts := stream.NewMountManager(cfg)
	return NewEngine(mounts, nil)
}

func TestDiffStartsNewRelay(t *testing.T) {
	e := newTestEngine()
	defer e.Stop()

	e.Diff([]*config.RelayConfig{
		{
			LocalMount: "/relay1",
			Enabled:    true,
			Masters:    []config.RelayMasterConfig{{Server: "master.example", Port: 8000, Mount: "/live"}},
		},
	})

	if e.Client("/relay1") == nil {
		t.Fatalf("expected a client to be started for /relay1")
	}
}

func TestDiffRemovesAbsentRelay(t *testing.T) {
	e := newTestEngine()
	defer e.Stop()

	cfg := &config.RelayConfig{
		LocalMount: "/relay1",
		Enabled:    true,
		Masters:    []config.RelayMasterConfig{{Server: "master.example", Port: 8000, Mount: "/live"}},
	}
	e.Diff([]*config.RelayConfig{cfg})
	if e.Client("/relay1") == nil {
		t.Fatalf("expected client to start")
	}

	e.Diff(nil)
	if e.Client("/relay1") != nil {
		t.Fatalf("expected client to be removed from the registry once absent from candidates")
	}
}

func TestDiffIsIdempotentForUnchangedRelay(t *testing.T) {
	e := newTestEngine()
	defer e.Stop()

	cfg := &config.RelayConfig{
		LocalMount: "/relay1",
		Enabled:    true,
		Masters:    []config.RelayMasterConfig{{Server: "master.example", Port: 8000, Mount: "/live"}},
	}
	e.Diff([]*config.RelayConfig{cfg})
	first := e.Client("/relay1")

	e.Diff([]*config.RelayConfig{cfg})
	second := e.Client("/relay1")

	if first != second {
		t.Fatalf("expected the same client instance across idempotent diffs")
	}
}

func TestDiffReconcilesOnDemandInPlace(t *testing.T) {
	e := newTestEngine()
	defer e.Stop()

	base := config.RelayConfig{
		LocalMount: "/relay1",
		Enabled:    true,
		Masters:    []config.RelayMasterConfig{{Server: "master.example", Port: 8000, Mount: "/live"}},
	}
	e.Diff([]*config.RelayConfig{&base})
	client := e.Client("/relay1")

	changed := base
	changed.OnDemand = true
	e.Diff([]*config.RelayConfig{&changed})

	if e.Client("/relay1") != client {
		t.Fatalf("expected on_demand-only change to reconcile in place, not restart the client")
	}
	if !client.Relay().OnDemand {
		t.Fatalf("expected OnDemand to be updated on the running client")
	}
}

func TestConnectingSlotsCappedAtThree(t *testing.T) {
	e := newTestEngine()
	defer e.Stop()

	ctx := context.Background()
	var releases []func()
	for i := 0; i < maxConnecting; i++ {
		release, err := e.acquireConnectSlot(ctx)
		if err != nil {
			t.Fatalf("unexpected error acquiring slot %d: %v", i, err)
		}
		releases = append(releases, release)
	}

	done := make(chan struct{})
	go func() {
		release, err := e.acquireConnectSlot(ctx)
		if err == nil {
			release()
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("expected a 4th acquire to block while 3 slots are held")
	default:
	}

	releases[0]()
	<-done
}
