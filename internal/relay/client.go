package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocast/gocast/internal/icymeta"
	"github.com/gocast/gocast/internal/mpegsync"
	"github.com/gocast/gocast/internal/stream"
)

// State is one of the relay client's cooperative-scheduler states.
type State int32

const (
	StateInit State = iota
	StateStartup
	StateConnected
	StateTerminating
	StateRestart
	StateDisabled
	StateDead
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStartup:
		return "startup"
	case StateConnected:
		return "connected"
	case StateTerminating:
		return "terminating"
	case StateRestart:
		return "restart"
	case StateDisabled:
		return "disabled"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// maxRedirects bounds the 302 chain a client will follow when opening a
// relay connection, matching the reference source's hard-coded limit.
const maxRedirects = 10

// ErrTooManyRedirects is returned by openConnection when the 302 chain
// exceeds maxRedirects.
var ErrTooManyRedirects = errors.New("relay: too many redirects")

// ErrNoMasters is returned when every candidate master has been marked
// skip and there is nowhere left to try.
var ErrNoMasters = errors.New("relay: no usable master")

// Client drives one Relay's connection lifecycle: connect to whichever
// master is currently in use (following redirects, trying the next
// candidate on failure), stream audio into the local mount, and reconnect
// or retire according to on-demand and cleanup signals from the Engine.
type Client struct {
	mu    sync.Mutex
	relay *Relay

	engine *Engine
	mount  *stream.Mount
	logger *log.Logger

	state      atomic.Int32
	cleanup    atomic.Bool
	readBytes  atomic.Int64
	startedAt  time.Time
	lastActive time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func newClient(engine *Engine, r *Relay, mount *stream.Mount, logger *log.Logger) *Client {
	c := &Client{
		relay:  r,
		engine: engine,
		mount:  mount,
		logger: logger,
		done:   make(chan struct{}),
	}
	c.state.Store(int32(StateInit))
	return c
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// LocalMount returns the mount path this client feeds.
func (c *Client) LocalMount() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.relay.LocalMount
}

// Relay returns a copy of the currently active relay definition.
func (c *Client) Relay() *Relay {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *c.relay
	cp.Masters = append([]Master(nil), c.relay.Masters...)
	return &cp
}

// swapRelay installs new relay details in place, matching get_relay_details:
// under lock, the old shared data is replaced. The new details take effect
// on the client's next connect; a connection that is already open keeps
// streaming from its current master until it ends.
func (c *Client) swapRelay(r *Relay) {
	c.mu.Lock()
	c.relay = r
	c.mu.Unlock()
}

// setOnDemand reconciles the on_demand flag without a restart, matching
// relay_has_changed's carve-out for that one field.
func (c *Client) setOnDemand(onDemand bool) {
	c.mu.Lock()
	c.relay.OnDemand = onDemand
	c.mu.Unlock()
}

// MarkCleanup flags the client for teardown on its next tick, matching
// update_relays marking absent relays cleanup=1.
func (c *Client) MarkCleanup() {
	c.cleanup.Store(true)
	// Wake the run loop: cancelling ends an open connection too, and
	// connectAndStream's deferred StopSource releases the mount.
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Toggle flips whether the relay is actively running, matching
// relay_toggle.
func (c *Client) Toggle(enabled bool) {
	c.mu.Lock()
	c.relay.Enabled = enabled
	c.mu.Unlock()
}

// Run is the client's main loop, executed on a dedicated goroutine because
// it performs blocking network I/O; see SPEC_FULL's concurrency section for
// why this sits outside the cooperative worker.Pool tick.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer close(c.done)

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			c.setState(StateDead)
			return
		}
		if c.cleanup.Load() {
			c.setState(StateTerminating)
			c.teardown()
			c.setState(StateDead)
			return
		}

		c.mu.Lock()
		enabled := c.relay.Enabled
		onDemand := c.relay.OnDemand
		c.mu.Unlock()

		if !enabled {
			c.setState(StateDisabled)
			select {
			case <-ctx.Done():
				continue
			case <-time.After(time.Second):
				continue
			}
		}

		if onDemand && c.mount.ListenerCount() == 0 && c.State() != StateInit {
			select {
			case <-ctx.Done():
				continue
			case <-time.After(time.Second):
				continue
			}
		}

		c.setState(StateStartup)
		if err := c.connectAndStream(ctx); err != nil {
			if c.logger != nil {
				c.logger.Printf("relay %s: %v", c.LocalMount(), err)
			}
			c.setState(StateRestart)
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
	}
}

// Stop cancels the client's run loop and waits for it to exit.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-c.done
}

func (c *Client) teardown() {
	if c.mount.IsActive() {
		c.mount.StopSource()
	}
}

// connectAndStream acquires a connecting-slot, opens the relay connection
// (following redirects and falling back across masters), and streams the
// response body into the mount until it ends or the context is canceled.
func (c *Client) connectAndStream(ctx context.Context) error {
	release, err := c.engine.acquireConnectSlot(ctx)
	if err != nil {
		return err
	}

	body, metaInterval, err := c.openConnection(ctx)
	release()
	if err != nil {
		return err
	}
	defer body.Close()

	c.startedAt = time.Now()
	c.readBytes.Store(0)
	c.setState(StateConnected)

	if err := c.mount.StartSource("relay:" + c.LocalMount()); err != nil {
		return fmt.Errorf("relay: mount already has a source: %w", err)
	}
	defer c.mount.StopSource()

	return c.pump(ctx, body, metaInterval)
}

// pump reads the upstream body, stripping any inline ICY metadata, and
// writes audio bytes into the mount. A master relay's body is itself the
// output of another Icecast-family server, so frames arrive pre-aligned;
// pump only needs a one-time resync to skip whatever HTTP/ICY response
// noise precedes the first frame, unlike mp3state's per-source-write
// carry-and-resync (a pushed source has no such guarantee).
func (c *Client) pump(ctx context.Context, body io.Reader, metaInterval int) error {
	strip := newIcyStripper(metaInterval, c.mount.SetMetadata)
	buf := make([]byte, 16384)
	synced := false

	type readResult struct {
		n   int
		err error
	}
	results := make(chan readResult, 1)

	go func() {
		for {
			n, err := body.Read(buf)
			results <- readResult{n, err}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-results:
			if res.n > 0 {
				audio := strip.feed(buf[:res.n])
				if len(audio) > 0 {
					if !synced {
						offset, ok := mpegsync.Resync(audio, mpegsync.MaxUnprocessedDefault)
						if !ok {
							c.lastActive = time.Now()
							audio = nil
						} else {
							audio = audio[offset:]
							synced = true
						}
					}
					if len(audio) > 0 {
						if _, err := c.mount.WriteData(audio); err != nil {
							return err
						}
						c.readBytes.Add(int64(len(audio)))
						c.lastActive = time.Now()
					}
				}
			}
			if res.err != nil {
				if res.err == io.EOF {
					return nil
				}
				return res.err
			}
		}
	}
}

// openConnection implements the reference source's open_relay_connection:
// try the in-use master (or the first non-skipped one), follow up to
// maxRedirects 302s rewriting the target in place, and fall through to the
// next master on any hard failure.
func (c *Client) openConnection(ctx context.Context) (io.ReadCloser, int, error) {
	c.mu.Lock()
	masters := append([]Master(nil), c.relay.Masters...)
	mp3Metadata := c.relay.Mp3Metadata
	c.mu.Unlock()

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: 0,
	}

	redirects := 0
	for idx := 0; idx < len(masters); idx++ {
		m := masters[idx]
		if m.Skip {
			continue
		}

		reqURL := fmt.Sprintf("http://%s:%d%s", m.Host, m.Port, m.Mount)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			masters[idx].Skip = true
			continue
		}
		if mp3Metadata {
			req.Header.Set("Icy-MetaData", "1")
		}
		if m.Username != "" || m.Password != "" {
			req.Header.Set("Authorization", "Basic "+basicAuth(m.Username, m.Password))
		}

		resp, err := client.Do(req)
		if err != nil {
			masters[idx].Skip = true
			c.saveMasters(masters)
			continue
		}

		if resp.StatusCode == http.StatusFound || resp.StatusCode == http.StatusMovedPermanently ||
			resp.StatusCode == http.StatusTemporaryRedirect || resp.StatusCode == http.StatusSeeOther {
			resp.Body.Close()
			redirects++
			if redirects > maxRedirects {
				return nil, 0, ErrTooManyRedirects
			}
			loc := resp.Header.Get("Location")
			next, err := parseRelayLocation(loc)
			if err != nil {
				masters[idx].Skip = true
				c.saveMasters(masters)
				continue
			}
			masters[idx] = next
			idx-- // retry the same slot against the rewritten target
			continue
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			masters[idx].Skip = true
			c.saveMasters(masters)
			continue
		}

		c.mu.Lock()
		c.relay.InUseIdx = idx
		c.relay.Masters = masters
		c.mu.Unlock()

		metaInterval := 0
		if v := resp.Header.Get("icy-metaint"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				metaInterval = n
			}
		}
		return resp.Body, metaInterval, nil
	}

	return nil, 0, ErrNoMasters
}

func (c *Client) saveMasters(masters []Master) {
	c.mu.Lock()
	c.relay.Masters = masters
	c.mu.Unlock()
}

func basicAuth(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}

// parseRelayLocation turns a redirect Location header into a Master,
// rejecting anything but plain http:// per the upstream-connection scheme
// restriction.
func parseRelayLocation(loc string) (Master, error) {
	u, err := url.Parse(loc)
	if err != nil {
		return Master{}, err
	}
	if u.Scheme != "http" {
		return Master{}, fmt.Errorf("relay: redirect to unsupported scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return Master{}, errors.New("relay: redirect missing host")
	}
	port := 80
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}

	var username, password string
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}

	mount := u.Path
	if u.RawQuery != "" {
		mount += "?" + u.RawQuery
	}

	return Master{Host: host, Port: port, Mount: mount, Username: username, Password: password}, nil
}

// icyStripper removes interleaved ICY metadata blocks from an upstream
// relay body, forwarding only audio bytes and invoking onTitle whenever a
// non-empty metadata block is seen. interval <= 0 means the upstream
// response carried no icy-metaint header and the body is passed through
// untouched.
type icyStripper struct {
	interval int
	remain   int
	inMeta   bool
	metaLen  int
	metaBuf  []byte
	onTitle  func(string)
}

func newIcyStripper(interval int, onTitle func(string)) *icyStripper {
	return &icyStripper{interval: interval, remain: interval, onTitle: onTitle}
}

func (s *icyStripper) feed(p []byte) []byte {
	if s.interval <= 0 {
		return p
	}

	out := make([]byte, 0, len(p))
	for len(p) > 0 {
		if s.inMeta {
			need := s.metaLen - len(s.metaBuf)
			take := need
			if take > len(p) {
				take = len(p)
			}
			s.metaBuf = append(s.metaBuf, p[:take]...)
			p = p[take:]
			if len(s.metaBuf) >= s.metaLen {
				s.applyMeta()
				s.inMeta = false
				s.remain = s.interval
			}
			continue
		}

		if s.remain == 0 {
			s.metaLen = int(p[0]) * 16
			p = p[1:]
			s.metaBuf = s.metaBuf[:0]
			if s.metaLen == 0 {
				s.remain = s.interval
			} else {
				s.inMeta = true
			}
			continue
		}

		take := s.remain
		if take > len(p) {
			take = len(p)
		}
		out = append(out, p[:take]...)
		p = p[take:]
		s.remain -= take
	}
	return out
}

func (s *icyStripper) applyMeta() {
	if title := parseStreamTitle(string(s.metaBuf)); title != "" && s.onTitle != nil {
		s.onTitle(title)
	}
}

// parseStreamTitle extracts the StreamTitle value from a raw ICY metadata
// block, or "" if it carries none.
func parseStreamTitle(meta string) string {
	parsed := icymeta.ParseICYText(meta)
	if parsed == nil {
		return ""
	}
	return parsed.StreamTitle
}
