package relay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocast/gocast/internal/config"
)

// maxPartialLine caps how much of an unterminated line the poller will
// buffer before giving up on the current response, matching
// streamlist_data's 200-byte per-read scratch buffer in the reference
// source.
const maxPartialLine = 200

// MasterPoller periodically fetches a remote master's stream list and
// feeds the discovered mount paths into an Engine's diff, so relays for
// every mount the master carries are created and torn down automatically
// as the master's own mount set changes. It implements worker.Task so it
// runs on the cooperative scheduler rather than its own goroutine.
type MasterPoller struct {
	cfg      *config.MasterConfig
	engine   *Engine
	logger   *log.Logger
	client   *http.Client
	selfHost string
	selfPort int

	lastMounts []string
}

// NewMasterPoller creates a poller that feeds discovered mounts into
// engine according to cfg. selfHost and selfPort are this server's own
// advertised address, sent to the master as rserver/rport registration
// parameters so the master lists this server among its own redirect
// targets for mounts it doesn't carry.
func NewMasterPoller(cfg *config.MasterConfig, engine *Engine, logger *log.Logger, selfHost string, selfPort int) *MasterPoller {
	return &MasterPoller{
		cfg:      cfg,
		engine:   engine,
		logger:   logger,
		client:   &http.Client{Timeout: 10 * time.Second},
		selfHost: selfHost,
		selfPort: selfPort,
	}
}

// Process fetches the stream list once and returns the configured poll
// interval as the next delay, satisfying worker.Task.
func (p *MasterPoller) Process(now time.Time) time.Duration {
	interval := 120 * time.Second
	if p.cfg.UpdateInterval > 0 {
		interval = time.Duration(p.cfg.UpdateInterval) * time.Second
	}

	mounts, err := p.fetch(context.Background())
	if err != nil {
		if p.logger != nil {
			p.logger.Printf("master poll: %v", err)
		}
		return interval
	}

	p.lastMounts = mounts
	p.engine.DiffMounts(mounts, p.cfg)
	return interval
}

// fetch downloads and parses the master's stream list. /admin/streams is
// tried first on both the SSL and plain ports before falling back to the
// older /admin/streamlist.txt endpoint, matching the reference source's
// redirector_update preferring the modern admin endpoint and only
// dropping to the legacy one when a master doesn't serve it. Every
// request carries this server's own rserver/rport/interval registration
// parameters.
func (p *MasterPoller) fetch(ctx context.Context) ([]string, error) {
	query := p.registrationQuery()
	var lastErr error

	for _, endpoint := range []string{"/admin/streams", "/admin/streamlist.txt"} {
		if p.cfg.SSLPort > 0 {
			target := fmt.Sprintf("https://%s:%d%s?%s", p.cfg.Server, p.cfg.SSLPort, endpoint, query)
			if mounts, err := p.fetchURL(ctx, target); err == nil {
				return mounts, nil
			} else {
				lastErr = err
			}
		}

		target := fmt.Sprintf("http://%s:%d%s?%s", p.cfg.Server, p.cfg.Port, endpoint, query)
		mounts, err := p.fetchURL(ctx, target)
		if err == nil {
			return mounts, nil
		}
		lastErr = err
	}

	return nil, lastErr
}

// registrationQuery builds the rserver=&rport=&interval= query string the
// reference source's relay clients send on every poll so the polled
// master can add this server to its own redirect list.
func (p *MasterPoller) registrationQuery() string {
	interval := 120
	if p.cfg.UpdateInterval > 0 {
		interval = p.cfg.UpdateInterval
	}
	v := url.Values{}
	v.Set("rserver", p.selfHost)
	v.Set("rport", fmt.Sprintf("%d", p.selfPort))
	v.Set("interval", fmt.Sprintf("%d", interval))
	return v.Encode()
}

func (p *MasterPoller) fetchURL(ctx context.Context, target string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if p.cfg.Username != "" || p.cfg.Password != "" {
		req.SetBasicAuth(p.cfg.Username, p.cfg.Password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("master returned status %d", resp.StatusCode)
	}

	return parseStreamList(resp.Body)
}

// parseStreamList reads newline-separated mount paths from r, matching
// streamlist_data's partial-line buffering behavior: an unterminated
// trailing fragment is carried over rather than dropped, and any single
// line exceeding maxPartialLine aborts the parse rather than growing the
// buffer without bound.
func parseStreamList(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, maxPartialLine), maxPartialLine)

	var mounts []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			line = "/" + line
		}
		mounts = append(mounts, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream list line exceeds %d bytes or read failed: %w", maxPartialLine, err)
	}
	return mounts, nil
}
