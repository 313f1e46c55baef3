package server

import (
	"bytes"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gocast/gocast/internal/config"
	"github.com/gocast/gocast/internal/icymeta"
	lsend "github.com/gocast/gocast/internal/listener"
	"github.com/gocast/gocast/internal/relay"
	"github.com/gocast/gocast/internal/stream"
)

func newTestMount(t *testing.T, path string) (*stream.MountManager, *stream.Mount) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Mounts[path] = &config.MountConfig{Name: path, MaxListeners: 10, Type: "audio/mpeg", Public: true}
	mm := stream.NewMountManager(cfg)
	mount, err := mm.GetOrCreateMount(path)
	if err != nil {
		t.Fatalf("GetOrCreateMount: %v", err)
	}
	if err := mount.StartSource("127.0.0.1"); err != nil {
		t.Fatalf("StartSource: %v", err)
	}
	return mm, mount
}

// capWriter is a headerless http.ResponseWriter stand-in that captures
// everything written and closes a listener once it has enough bytes,
// standing in for a client that reads exactly its expected payload and
// hangs up. streamToClient discovers the hangup on the very next loop
// iteration's listener.Done() check, so a test never blocks waiting for a
// live source that (by design, in these tests) never sends more data.
type capWriter struct {
	buf      bytes.Buffer
	want     int
	listener *stream.Listener
	header   http.Header
}

func (w *capWriter) Header() http.Header {
	if w.header == nil {
		w.header = make(http.Header)
	}
	return w.header
}

func (w *capWriter) WriteHeader(int) {}

func (w *capWriter) Write(p []byte) (int, error) {
	n, _ := w.buf.Write(p)
	if w.buf.Len() >= w.want && w.listener != nil {
		w.listener.Close()
	}
	return n, nil
}

// TestICYIntervalInsertsRealBlockThenNoop drives streamToClient with a
// 16-byte advertised interval so a single response crosses two interval
// boundaries, checking Testable Property #1's exact byte layout: audio,
// real metadata block on the first change, audio, a no-op zero byte once
// the title is unchanged, then the remaining audio.
func TestICYIntervalInsertsRealBlockThenNoop(t *testing.T) {
	mm, mount := newTestMount(t, "/live")
	_ = mm

	builder := icymeta.NewBuilder(icymeta.DefaultCharset)
	update := builder.Build("Test Song")
	defer update.ICY.Release()
	mount.SetMetadataBuf(update.ICY)

	chunk := bytes.Repeat([]byte{'A'}, 16)
	audio := append(append(append([]byte{}, chunk...), chunk...), chunk[:8]...)
	if _, err := mount.WriteData(audio); err != nil {
		t.Fatalf("WriteData: %v", err)
	}

	want := append(append(append(append(append([]byte{}, chunk...), update.ICY.Data...), chunk...), byte(0)), chunk[:8]...)

	h := NewListenerHandler(mm, config.DefaultConfig(), log.Default())
	listener := stream.NewListener("127.0.0.1", "test-agent")
	mount.AddListener(listener)
	defer mount.RemoveListener(listener)

	cw := &capWriter{want: len(want), listener: listener}
	framing := lsend.FramingICY
	h.setHeaders(cw, mount, 16, framing)
	h.streamToClient(cw, nil, false, listener, mount, 16, framing)

	if !bytes.Equal(cw.buf.Bytes(), want) {
		t.Fatalf("interleaving mismatch:\n got=%v\nwant=%v", cw.buf.Bytes(), want)
	}
}

// TestICYListenerNoMetadataBelowInterval checks the boundary case of
// Testable Property #1: a run shorter than one full interval carries no
// metadata byte at all.
func TestICYListenerNoMetadataBelowInterval(t *testing.T) {
	mm, mount := newTestMount(t, "/live")
	_ = mm

	builder := icymeta.NewBuilder(icymeta.DefaultCharset)
	update := builder.Build("Test Song")
	defer update.ICY.Release()
	mount.SetMetadataBuf(update.ICY)

	audio := bytes.Repeat([]byte{'A'}, 40)
	if _, err := mount.WriteData(audio); err != nil {
		t.Fatalf("WriteData: %v", err)
	}

	h := NewListenerHandler(mm, config.DefaultConfig(), log.Default())
	listener := stream.NewListener("127.0.0.1", "test-agent")
	mount.AddListener(listener)
	defer mount.RemoveListener(listener)

	cw := &capWriter{want: len(audio), listener: listener}
	framing := lsend.FramingICY
	h.streamToClient(cw, nil, false, listener, mount, 16000, framing)

	if !bytes.Equal(cw.buf.Bytes(), audio) {
		t.Fatalf("expected passthrough audio below one interval, got %v", cw.buf.Bytes())
	}
}

// TestNonICYListenerGetsRawTransparentStream exercises Testable Property #3
// (inline-metadata transparency): a listener that never asked for
// Icy-MetaData sees exactly the bytes written to the mount, with no
// metadata byte interleaved at all.
func TestNonICYListenerGetsRawTransparentStream(t *testing.T) {
	mm, mount := newTestMount(t, "/live")
	_ = mm

	builder := icymeta.NewBuilder(icymeta.DefaultCharset)
	update := builder.Build("Test Song")
	defer update.ICY.Release()
	mount.SetMetadataBuf(update.ICY)

	audio := bytes.Repeat([]byte{'A'}, 64)
	if _, err := mount.WriteData(audio); err != nil {
		t.Fatalf("WriteData: %v", err)
	}

	h := NewListenerHandler(mm, config.DefaultConfig(), log.Default())
	listener := stream.NewListener("127.0.0.1", "test-agent")
	mount.AddListener(listener)
	defer mount.RemoveListener(listener)

	cw := &capWriter{want: len(audio), listener: listener}
	h.streamToClient(cw, nil, false, listener, mount, 0, lsend.FramingRaw)

	if !bytes.Equal(cw.buf.Bytes(), audio) {
		t.Fatalf("expected raw passthrough with no metadata bytes, got %v", cw.buf.Bytes())
	}
}

// TestServeHTTPNegotiatesICYFraming confirms ServeHTTP's header-to-framing
// wiring end to end: an Icy-MetaData: 1 request gets an icy-metaint header
// and ICY-interleaved audio, entirely through the public HTTP surface.
func TestServeHTTPNegotiatesICYFraming(t *testing.T) {
	mm, mount := newTestMount(t, "/live")

	audio := bytes.Repeat([]byte{'A'}, 8)
	if _, err := mount.WriteData(audio); err != nil {
		t.Fatalf("WriteData: %v", err)
	}

	handler := NewListenerHandler(mm, config.DefaultConfig(), log.Default())
	srv := httptest.NewServer(handler)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/live", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Icy-MetaData", "1")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.Header.Get("icy-metaint") == "" {
		t.Fatalf("expected icy-metaint header to be set")
	}

	got := make([]byte, len(audio))
	if _, err := io.ReadFull(resp.Body, got); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if !bytes.Equal(got, audio) {
		t.Fatalf("expected leading audio bytes below the interval, got %v", got)
	}
}

// TestServeHTTPRedirectsToSlaveWhenMountMissing exercises the
// redirectToSlave fallback: a request for a mount this server doesn't
// carry, with a RedirectList entry for it, gets a 302 to the peer rather
// than a bare 404.
func TestServeHTTPRedirectsToSlaveWhenMountMissing(t *testing.T) {
	cfg := config.DefaultConfig()
	mm := stream.NewMountManager(cfg)
	handler := NewListenerHandler(mm, cfg, log.Default())

	rl := relay.NewRedirectList()
	rl.Add("/missing", "peer.example.org", 8000, time.Minute)
	handler.SetRedirectList(rl)

	srv := httptest.NewServer(handler)
	defer srv.Close()

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	resp, err := client.Get(srv.URL + "/missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	loc := resp.Header.Get("Location")
	if !strings.Contains(loc, "peer.example.org:8000/missing") {
		t.Fatalf("expected redirect to peer.example.org:8000/missing, got %q", loc)
	}
}

// TestServeHTTP404sWhenNoRedirectAvailable confirms the 404 fallback still
// fires when no RedirectList entry covers the missing mount.
func TestServeHTTP404sWhenNoRedirectAvailable(t *testing.T) {
	cfg := config.DefaultConfig()
	mm := stream.NewMountManager(cfg)
	handler := NewListenerHandler(mm, cfg, log.Default())

	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
