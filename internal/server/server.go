// Package server handles HTTP server and listener connections
package server

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"embed"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocast/gocast/internal/auth"
	"github.com/gocast/gocast/internal/config"
	"github.com/gocast/gocast/internal/relay"
	"github.com/gocast/gocast/internal/source"
	gocaststats "github.com/gocast/gocast/internal/stats"
	"github.com/gocast/gocast/internal/stream"
	"github.com/gocast/gocast/internal/worker"
)

//go:embed admin
var adminFS embed.FS

// Server is the main GoCast HTTP server
type Server struct {
	config          *config.Config
	configManager   *config.ConfigManager
	mountManager    *stream.MountManager
	httpServer      *http.Server
	httpsServer     *http.Server
	listenerHandler *ListenerHandler
	sourceHandler   *source.Handler
	metadataHandler *source.MetadataHandler
	statusHandler   *StatusHandler
	metricsHandler  http.Handler
	logBuffer       *LogBuffer
	activityBuffer  *ActivityBuffer
	logger          *log.Logger
	startTime       time.Time
	mu              sync.RWMutex
	// Session tokens for authenticated SSE connections
	sessionTokens map[string]time.Time
	tokenMu       sync.RWMutex

	relayEngine   *relay.Engine
	workerPool    *worker.Pool
	masterPoller  *relay.MasterPoller
	redirectList  *relay.RedirectList
	authn         *auth.Authenticator
	autoSSL       *AutoSSLManager
	challengeHTTP *http.Server
}

// generateToken creates a secure random token
func generateToken() string {
	bytes := make([]byte, 32)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// New creates a new GoCast server
func New(cfg *config.Config, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}

	mm := stream.NewMountManager(cfg)
	relayEngine := relay.NewEngine(mm, logger)
	pool := worker.NewPool(4)
	redirectList := relay.NewRedirectList()
	activityBuffer := NewActivityBuffer(500)

	s := &Server{
		config:          cfg,
		configManager:   nil,
		mountManager:    mm,
		listenerHandler: NewListenerHandlerWithActivity(mm, cfg, logger, activityBuffer),
		sourceHandler:   source.NewHandler(mm, cfg, logger),
		metadataHandler: source.NewMetadataHandler(mm, cfg, logger),
		statusHandler:   NewStatusHandler(mm, cfg),
		metricsHandler:  newMetricsHandler(stream.NewPromMetrics(mm, relayEngine, redirectList), mm),
		logBuffer:       NewLogBuffer(1000),
		activityBuffer:  activityBuffer,
		logger:          logger,
		startTime:       time.Now(),
		sessionTokens:   make(map[string]time.Time),
		relayEngine:     relayEngine,
		workerPool:      pool,
		redirectList:    redirectList,
		authn:           auth.NewAuthenticator(cfg),
	}
	s.listenerHandler.SetRedirectList(redirectList)

	s.relayEngine.Diff(cfg.Relays)
	s.activityBuffer.RelayReconciled("config", len(cfg.Relays))

	if cfg.Master != nil {
		s.masterPoller = relay.NewMasterPoller(cfg.Master, relay.NewEngine(mm, logger), logger, cfg.Server.Hostname, cfg.Server.Port)
		s.workerPool.Add(s.masterPoller)
	}

	// Clean up expired tokens periodically
	go s.cleanupTokens()
	go s.gcRedirects()
	s.authn.StartCleanup(nil)

	return s
}

// NewWithConfigManager creates a new GoCast server with a config manager
func NewWithConfigManager(cm *config.ConfigManager, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}

	cfg := cm.GetConfig()
	mm := stream.NewMountManager(cfg)
	relayEngine := relay.NewEngine(mm, logger)
	pool := worker.NewPool(4)
	redirectList := relay.NewRedirectList()
	activityBuffer := NewActivityBuffer(500)

	s := &Server{
		config:          cfg,
		configManager:   cm,
		mountManager:    mm,
		listenerHandler: NewListenerHandlerWithActivity(mm, cfg, logger, activityBuffer),
		sourceHandler:   source.NewHandler(mm, cfg, logger),
		metadataHandler: source.NewMetadataHandler(mm, cfg, logger),
		statusHandler:   NewStatusHandler(mm, cfg),
		metricsHandler:  newMetricsHandler(stream.NewPromMetrics(mm, relayEngine, redirectList), mm),
		logBuffer:       NewLogBuffer(1000),
		activityBuffer:  activityBuffer,
		logger:          logger,
		startTime:       time.Now(),
		sessionTokens:   make(map[string]time.Time),
		relayEngine:     relayEngine,
		workerPool:      pool,
		redirectList:    redirectList,
		authn:           auth.NewAuthenticator(cfg),
	}
	s.listenerHandler.SetRedirectList(redirectList)

	s.relayEngine.Diff(cfg.Relays)
	s.activityBuffer.RelayReconciled("config", len(cfg.Relays))

	if cfg.Master != nil {
		s.masterPoller = relay.NewMasterPoller(cfg.Master, relay.NewEngine(mm, logger), logger, cfg.Server.Hostname, cfg.Server.Port)
		s.workerPool.Add(s.masterPoller)
	}

	// Register for config changes
	cm.OnChange(func(newCfg *config.Config) {
		s.mu.Lock()
		s.config = newCfg
		s.mu.Unlock()
		s.authn.SetConfig(newCfg)
		s.relayEngine.Diff(newCfg.Relays)
		s.activityBuffer.RelayReconciled("reload", len(newCfg.Relays))
		s.logger.Println("Configuration updated")
	})

	// Clean up expired tokens periodically
	go s.cleanupTokens()
	go s.gcRedirects()
	s.authn.StartCleanup(nil)

	return s
}

// NewWithSetupManager creates a server backed by a zero-config manager
// rooted at dataDir, persisting all settings (including an auto-generated
// admin password) to dataDir/config.json on first run.
func NewWithSetupManager(dataDir string, logger *log.Logger) (*Server, error) {
	cm, err := config.NewZeroConfigManager(dataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize configuration: %w", err)
	}
	return NewWithConfigManager(cm, logger), nil
}

// GetConfigManager returns the config manager (may be nil)
func (s *Server) GetConfigManager() *config.ConfigManager {
	return s.configManager
}

// GetLogWriter returns a writer that appends to the admin panel's log
// buffer under the given source tag, for fanning out process-level log
// output (via io.MultiWriter) alongside stdout/stderr.
func (s *Server) GetLogWriter(source string) io.Writer {
	if s.logBuffer == nil {
		return nil
	}
	return NewLogWriter(s.logBuffer, LogLevelInfo, source)
}

// LogBuffer returns the server's admin-panel log ring buffer.
func (s *Server) LogBuffer() *LogBuffer {
	return s.logBuffer
}

// cleanupTokens removes expired session tokens
func (s *Server) cleanupTokens() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		s.tokenMu.Lock()
		now := time.Now()
		for token, expires := range s.sessionTokens {
			if now.After(expires) {
				delete(s.sessionTokens, token)
			}
		}
		s.tokenMu.Unlock()
	}
}

// gcRedirects periodically drops redirect entries peers have stopped
// refreshing, matching redirector_update's own stale sweep.
func (s *Server) gcRedirects() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		s.redirectList.GC()
	}
}

// createSessionToken creates a new session token valid for 24 hours
func (s *Server) createSessionToken() string {
	token := generateToken()
	s.tokenMu.Lock()
	s.sessionTokens[token] = time.Now().Add(24 * time.Hour)
	s.tokenMu.Unlock()
	return token
}

// validateSessionToken checks if a token is valid
func (s *Server) validateSessionToken(token string) bool {
	s.tokenMu.RLock()
	expires, exists := s.sessionTokens[token]
	s.tokenMu.RUnlock()
	return exists && time.Now().Before(expires)
}

// Start starts the HTTP server(s)
func (s *Server) Start() error {
	s.workerPool.Start()

	if s.activityBuffer != nil {
		s.activityBuffer.Add(ActivityServerStart, "GoCast server starting", nil)
	}

	// Create main router
	mux := s.createRouter()

	// Create HTTP server, tuned for long-lived audio connections (no
	// read/write deadlines that would cut off a slow listener mid-stream)
	addr := fmt.Sprintf("%s:%d", s.config.Server.ListenAddress, s.config.Server.Port)
	s.httpServer = StreamingHTTPServer(addr, mux, s.config, s.connStateHandler)

	// Start HTTP server
	go func() {
		s.logger.Printf("Starting GoCast HTTP server on %s", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("HTTP server error: %v", err)
		}
	}()

	// Start HTTPS server if enabled
	if s.config.SSL.Enabled {
		if err := s.startHTTPS(mux); err != nil {
			return fmt.Errorf("failed to start HTTPS server: %w", err)
		}
	}

	return nil
}

// startHTTPS starts the HTTPS server, either with a certificate loaded from
// disk or, when AutoSSL is enabled, one obtained and renewed automatically
// from Let's Encrypt via ACME.
func (s *Server) startHTTPS(handler http.Handler) error {
	var tlsConfig *tls.Config

	if s.config.SSL.AutoSSL {
		mgr, err := NewAutoSSLManager(s.config.Server.Hostname, s.config.SSL.AutoSSLEmail, s.config.SSL.CacheDir, s.logger)
		if err != nil {
			return fmt.Errorf("failed to start AutoSSL: %w", err)
		}
		if s.activityBuffer != nil {
			mgr.OnCertObtained(func(hostname string) {
				s.activityBuffer.ConfigChanged("ssl", fmt.Sprintf("AutoSSL certificate obtained for %s", hostname))
			})
		}
		s.autoSSL = mgr
		tlsConfig = mgr.TLSConfig()
		s.challengeHTTP = mgr.StartHTTPChallengeServer(s.config.SSL.Port)
	} else {
		cert, err := tls.LoadX509KeyPair(s.config.SSL.CertPath, s.config.SSL.KeyPath)
		if err != nil {
			return fmt.Errorf("failed to load SSL certificates: %w", err)
		}
		tlsConfig = OptimizedTLSConfigWithCert(cert)
	}

	addr := fmt.Sprintf("%s:%d", s.config.Server.ListenAddress, s.config.SSL.Port)
	s.httpsServer = StreamingHTTPSServer(addr, handler, s.config, tlsConfig, s.connStateHandler)

	go func() {
		s.logger.Printf("Starting GoCast HTTPS server on %s", addr)
		if err := s.httpsServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("HTTPS server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Println("Shutting down GoCast server...")

	if s.activityBuffer != nil {
		s.activityBuffer.Add(ActivityServerStop, "GoCast server stopping", nil)
	}

	s.relayEngine.Stop()
	s.workerPool.Stop()

	var wg sync.WaitGroup

	// Shutdown HTTP server
	if s.httpServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.httpServer.Shutdown(ctx); err != nil {
				s.logger.Printf("HTTP server shutdown error: %v", err)
			}
		}()
	}

	// Shutdown HTTPS server
	if s.httpsServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.httpsServer.Shutdown(ctx); err != nil {
				s.logger.Printf("HTTPS server shutdown error: %v", err)
			}
		}()
	}

	// Shutdown ACME HTTP-01 challenge server
	if s.challengeHTTP != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.challengeHTTP.Shutdown(ctx); err != nil {
				s.logger.Printf("AutoSSL challenge server shutdown error: %v", err)
			}
		}()
	}

	// Wait for all servers to shutdown
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Println("GoCast server stopped gracefully")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// createRouter creates the HTTP request router
func (s *Server) createRouter() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path

		// Log request
		s.logger.Printf("%s %s %s from %s", r.Method, r.URL.Path, r.Proto, r.RemoteAddr)

		// Handle OPTIONS for CORS
		if r.Method == http.MethodOptions {
			s.listenerHandler.HandleOptions(w, r)
			return
		}

		// Admin static assets (CSS, JS)
		if strings.HasPrefix(path, "/admin/css/") || strings.HasPrefix(path, "/admin/js/") {
			s.serveAdminStatic(w, r)
			return
		}

		// Admin endpoints
		if strings.HasPrefix(path, "/admin/") && path != "/admin/streams" && path != "/admin/streamlist.txt" && path != "/admin/token" {
			s.handleAdmin(w, r)
			return
		}

		// Status endpoints
		if path == "/status" || path == "/status.xsl" || path == "/status-json.xsl" {
			s.statusHandler.ServeHTTP(w, r)
			return
		}

		// Prometheus scrape endpoint
		if path == "/metrics" {
			s.metricsHandler.ServeHTTP(w, r)
			return
		}

		// Stream list, polled by peers slaving off this server. /admin/streams
		// is the primary endpoint; streamlist.txt is kept for older pollers.
		if path == "/admin/streams" || path == "/admin/streamlist.txt" {
			s.handleStreamList(w, r)
			return
		}

		// Token-authenticated SSE events endpoint
		if path == "/events" {
			s.handleTokenEvents(w, r)
			return
		}

		// Token generation endpoint (requires basic auth)
		if path == "/admin/token" {
			s.handleAdminToken(w, r)
			return
		}

		// Favicon
		if path == "/favicon.ico" {
			http.NotFound(w, r)
			return
		}

		// Root path - show status
		if path == "/" {
			s.statusHandler.ServeHTTP(w, r)
			return
		}

		// Source connection (PUT or SOURCE method)
		if r.Method == http.MethodPut || r.Method == "SOURCE" {
			s.sourceHandler.HandleSource(w, r)
			return
		}

		// Listener connection (GET)
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			s.listenerHandler.ServeHTTP(w, r)
			return
		}

		// Unknown method
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
}

// handleStreamList serves the plain-text list of actively sourced mounts
// that a peer's MasterPoller polls to build its own relay set. A poller
// also registers itself as a redirect target for those same mounts via
// rserver/rport/interval query parameters, matching redirector_add in the
// reference source, so a listener request this server can't satisfy can
// be sent to that peer instead of a bare 404.
func (s *Server) handleStreamList(w http.ResponseWriter, r *http.Request) {
	s.registerRedirectSource(r)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, mount := range s.mountManager.GetActiveMounts() {
		fmt.Fprintf(w, "%s\n", mount.Path)
	}
}

// registerRedirectSource records the calling peer as a redirect candidate
// for every mount this server is currently sourcing, if it identified
// itself with rserver/rport query parameters.
func (s *Server) registerRedirectSource(r *http.Request) {
	if s.redirectList == nil {
		return
	}

	rserver := r.URL.Query().Get("rserver")
	rport := r.URL.Query().Get("rport")
	if rserver == "" || rport == "" {
		return
	}
	port, err := strconv.Atoi(rport)
	if err != nil || port <= 0 {
		return
	}

	interval := 120
	if raw := r.URL.Query().Get("interval"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			interval = v
		}
	}

	for _, mount := range s.mountManager.GetActiveMounts() {
		s.redirectList.Add(mount.Path, rserver, port, time.Duration(interval)*time.Second)
	}
}

// handleAdmin handles admin endpoints
func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	// Check if admin is enabled
	if !s.config.Admin.Enabled {
		http.Error(w, "Admin interface disabled", http.StatusForbidden)
		return
	}

	// Authenticate admin
	if !s.authn.AuthenticateAdminUI(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="GoCast Admin"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	// Route admin requests
	switch {
	case path == "/admin/stats" || path == "/admin/stats.xml":
		s.handleAdminStats(w, r)

	case path == "/admin/listclients":
		s.handleAdminListClients(w, r)

	case path == "/admin/moveclients":
		s.handleAdminMoveClients(w, r)

	case path == "/admin/killclient":
		s.handleAdminKillClient(w, r)

	case path == "/admin/killsource":
		s.handleAdminKillSource(w, r)

	case path == "/admin/metadata":
		s.metadataHandler.HandleMetadataUpdate(w, r)

	case path == "/admin/listmounts":
		s.handleAdminListMounts(w, r)

	case path == "/admin/events":
		s.handleAdminEvents(w, r)

	case path == "/admin/activity":
		s.handleAdminActivity(w, r)

	case strings.HasPrefix(path, "/admin/config"):
		s.handleAdminConfig(w, r)

	case path == "/admin/", path == "/admin":
		s.handleAdminIndex(w, r)

	case path == "/admin/panel":
		s.handleModernAdminPanel(w, r)

	default:
		http.NotFound(w, r)
	}
}

// handleAdminStats returns server statistics
func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/xml")

	fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?>`)
	fmt.Fprint(w, "\n<icestats>")
	fmt.Fprintf(w, "<admin>%s</admin>", s.config.Server.AdminRoot)
	fmt.Fprintf(w, "<host>%s</host>", s.config.Server.Hostname)
	fmt.Fprintf(w, "<location>%s</location>", s.config.Server.Location)
	fmt.Fprintf(w, "<server_id>GoCast/%s</server_id>", Version)
	fmt.Fprintf(w, "<server_start>%s</server_start>", s.startTime.Format(time.RFC3339))

	for _, stat := range s.mountManager.Stats() {
		fmt.Fprint(w, "<source>")
		fmt.Fprintf(w, "<mount>%s</mount>", stat.Path)
		fmt.Fprintf(w, "<listeners>%d</listeners>", stat.Listeners)
		fmt.Fprintf(w, "<peak_listeners>%d</peak_listeners>", stat.PeakListeners)
		fmt.Fprintf(w, "<genre>%s</genre>", escapeXML(stat.Metadata.Genre))
		fmt.Fprintf(w, "<server_name>%s</server_name>", escapeXML(stat.Metadata.Name))
		fmt.Fprintf(w, "<server_description>%s</server_description>", escapeXML(stat.Metadata.Description))
		fmt.Fprintf(w, "<server_type>%s</server_type>", stat.ContentType)
		fmt.Fprintf(w, "<title>%s</title>", escapeXML(stat.Metadata.StreamTitle))
		fmt.Fprintf(w, "<total_bytes_read>%d</total_bytes_read>", stat.BytesReceived)
		fmt.Fprint(w, "</source>")
	}

	fmt.Fprint(w, "</icestats>")
}

// handleAdminListClients lists connected clients for a mount
func (s *Server) handleAdminListClients(w http.ResponseWriter, r *http.Request) {
	mountPath := r.URL.Query().Get("mount")
	if mountPath == "" {
		http.Error(w, "Missing mount parameter", http.StatusBadRequest)
		return
	}

	mount := s.mountManager.GetMount(mountPath)
	if mount == nil {
		http.Error(w, "Mount not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/xml")

	fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?>`)
	fmt.Fprint(w, "\n<icestats>")
	fmt.Fprintf(w, "<source mount=\"%s\">", mountPath)

	for _, listener := range mount.GetListeners() {
		fmt.Fprint(w, "<listener>")
		fmt.Fprintf(w, "<ID>%s</ID>", listener.ID)
		fmt.Fprintf(w, "<IP>%s</IP>", listener.IP)
		fmt.Fprintf(w, "<UserAgent>%s</UserAgent>", escapeXML(listener.UserAgent))
		fmt.Fprintf(w, "<Connected>%d</Connected>", int(time.Since(listener.ConnectedAt).Seconds()))
		fmt.Fprint(w, "</listener>")
	}

	fmt.Fprint(w, "</source>")
	fmt.Fprint(w, "</icestats>")
}

// handleAdminMoveClients checks the mount and destination parameters and
// answers with an Icecast success response; no listener is moved.
func (s *Server) handleAdminMoveClients(w http.ResponseWriter, r *http.Request) {
	srcMount := r.URL.Query().Get("mount")
	dstMount := r.URL.Query().Get("destination")

	if srcMount == "" || dstMount == "" {
		http.Error(w, "Missing mount or destination parameter", http.StatusBadRequest)
		return
	}

	// Listeners stay on their current mount; only the response is sent.
	w.Header().Set("Content-Type", "text/xml")
	fmt.Fprint(w, `<?xml version="1.0"?><iceresponse><message>Clients moved</message><return>1</return></iceresponse>`)
}

// handleAdminKillClient disconnects a specific client
func (s *Server) handleAdminKillClient(w http.ResponseWriter, r *http.Request) {
	mountPath := r.URL.Query().Get("mount")
	clientID := r.URL.Query().Get("id")

	if mountPath == "" || clientID == "" {
		http.Error(w, "Missing mount or id parameter", http.StatusBadRequest)
		return
	}

	mount := s.mountManager.GetMount(mountPath)
	if mount == nil {
		http.Error(w, "Mount not found", http.StatusNotFound)
		return
	}

	mount.RemoveListenerByID(clientID)

	if s.activityBuffer != nil {
		s.activityBuffer.AdminAction("kill-client", fmt.Sprintf("%s on %s from %s", clientID, mountPath, getClientIP(r)))
	}

	w.Header().Set("Content-Type", "text/xml")
	fmt.Fprint(w, `<?xml version="1.0"?><iceresponse><message>Client killed</message><return>1</return></iceresponse>`)
}

// handleAdminKillSource disconnects a source
func (s *Server) handleAdminKillSource(w http.ResponseWriter, r *http.Request) {
	mountPath := r.URL.Query().Get("mount")

	if mountPath == "" {
		http.Error(w, "Missing mount parameter", http.StatusBadRequest)
		return
	}

	mount := s.mountManager.GetMount(mountPath)
	if mount == nil {
		http.Error(w, "Mount not found", http.StatusNotFound)
		return
	}

	mount.StopSource()

	if s.activityBuffer != nil {
		s.activityBuffer.AdminAction("kill-source", fmt.Sprintf("%s from %s", mountPath, getClientIP(r)))
	}

	w.Header().Set("Content-Type", "text/xml")
	fmt.Fprint(w, `<?xml version="1.0"?><iceresponse><message>Source killed</message><return>1</return></iceresponse>`)
}

// handleAdminEvents provides Server-Sent Events for real-time updates
func (s *Server) handleAdminEvents(w http.ResponseWriter, r *http.Request) {
	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	// Send initial data
	s.sendSSEStats(w, flusher)

	// Create ticker for updates (every 500ms for smooth updates)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	// Keep connection open and send updates
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			s.sendSSEStats(w, flusher)
		}
	}
}

// handleAdminActivity returns the most recent admin-panel activity feed
// entries (listener connects/disconnects, source starts/stops, config and
// mount changes) as JSON, optionally filtered to entries newer than the
// "since" query parameter's entry ID.
func (s *Server) handleAdminActivity(w http.ResponseWriter, r *http.Request) {
	if s.activityBuffer == nil {
		s.jsonSuccess(w, []ActivityEntry{})
		return
	}

	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		since, err := strconv.ParseInt(sinceStr, 10, 64)
		if err != nil {
			s.jsonError(w, "Invalid since parameter", http.StatusBadRequest)
			return
		}
		s.jsonSuccess(w, s.activityBuffer.GetSince(since))
		return
	}

	n := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			n = parsed
		}
	}
	s.jsonSuccess(w, s.activityBuffer.GetRecent(n))
}

// handleTokenEvents provides token-authenticated SSE for real-time status
func (s *Server) handleTokenEvents(w http.ResponseWriter, r *http.Request) {
	// Check token from query parameter
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "Missing token", http.StatusUnauthorized)
		return
	}

	if !s.validateSessionToken(token) {
		http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
		return
	}

	// Token is valid, serve SSE
	s.handleAdminEvents(w, r)
}

// handleAdminToken generates a session token for authenticated users
func (s *Server) handleAdminToken(w http.ResponseWriter, r *http.Request) {
	// Check if admin is enabled
	if !s.config.Admin.Enabled {
		http.Error(w, "Admin interface disabled", http.StatusForbidden)
		return
	}

	// Authenticate admin
	if !s.authn.AuthenticateAdminUI(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="GoCast Admin"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	// Generate and return token
	token := s.createSessionToken()
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"token":"%s","expires_in":86400}`, token)
}

func (s *Server) sendSSEStats(w http.ResponseWriter, flusher http.Flusher) {
	mountStats := s.mountManager.Stats()
	global := gocaststats.Global()

	// Build JSON manually for efficiency
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf(`{"server_id":"GoCast/%s","uptime":`, Version))
	sb.WriteString(fmt.Sprintf("%d", int(time.Since(s.startTime).Seconds())))
	sb.WriteString(fmt.Sprintf(
		`,"total_connections":%d,"total_bytes":%d,"peak_listeners":%d`,
		global.GetTotalConnections(), global.GetTotalBytes(), global.GetPeakListeners(),
	))
	sb.WriteString(`,"source":[`)

	for i, stat := range mountStats {
		if i > 0 {
			sb.WriteString(",")
		}
		title := stat.Metadata.StreamTitle
		if title == "" {
			title = stat.Metadata.Name
		}
		sb.WriteString(fmt.Sprintf(
			`{"mount":"%s","listeners":%d,"peak":%d,"active":%v,"title":"%s","artist":"%s","album":"%s","name":"%s","genre":"%s","description":"%s","bitrate":%d,"content_type":"%s"}`,
			stat.Path, stat.Listeners, stat.PeakListeners, stat.Active,
			escapeJSON(title), escapeJSON(stat.Metadata.Artist), escapeJSON(stat.Metadata.Album),
			escapeJSON(stat.Metadata.Name), escapeJSON(stat.Metadata.Genre),
			escapeJSON(stat.Metadata.Description), stat.Metadata.Bitrate, stat.ContentType,
		))
	}
	sb.WriteString("]}")

	fmt.Fprintf(w, "data: %s\n\n", sb.String())
	flusher.Flush()
}

// handleAdminListMounts lists all mount points
func (s *Server) handleAdminListMounts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/xml")

	fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?>`)
	fmt.Fprint(w, "\n<icestats>")

	for _, stat := range s.mountManager.Stats() {
		fmt.Fprint(w, "<source>")
		fmt.Fprintf(w, "<mount>%s</mount>", stat.Path)
		fmt.Fprintf(w, "<listeners>%d</listeners>", stat.Listeners)
		fmt.Fprintf(w, "<connected>%v</connected>", stat.Active)
		fmt.Fprintf(w, "<content-type>%s</content-type>", stat.ContentType)
		fmt.Fprint(w, "</source>")
	}

	fmt.Fprint(w, "</icestats>")
}

// handleModernAdminPanel serves the modern admin panel
func (s *Server) handleModernAdminPanel(w http.ResponseWriter, r *http.Request) {
	s.serveAdminIndex(w, r)
}

// serveAdminStatic serves static files from the embedded admin directory
func (s *Server) serveAdminStatic(w http.ResponseWriter, r *http.Request) {
	// Strip leading slash to get the embedded path
	filePath := strings.TrimPrefix(r.URL.Path, "/")

	content, err := adminFS.ReadFile(filePath)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	// Set content type based on file extension
	if strings.HasSuffix(filePath, ".css") {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
	} else if strings.HasSuffix(filePath, ".js") {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	}

	// Enable caching for static assets
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(content)
}

// serveAdminIndex serves the admin panel index.html
func (s *Server) serveAdminIndex(w http.ResponseWriter, r *http.Request) {
	content, err := adminFS.ReadFile("admin/index.html")
	if err != nil {
		// Fallback error message
		http.Error(w, "Admin panel not found", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(content)
}

// getAdminFS returns the embedded admin filesystem for use in handlers
func getAdminFS() fs.FS {
	subFS, _ := fs.Sub(adminFS, "admin")
	return subFS
}

// handleAdminIndex serves the modern admin panel
func (s *Server) handleAdminIndex(w http.ResponseWriter, r *http.Request) {
	s.serveAdminIndex(w, r)
}

// handleAdminIndexOld shows old admin index page (kept for reference)
func (s *Server) handleAdminIndexOld(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head>
<title>GoCast Admin</title>
<style>
body { font-family: Arial, sans-serif; margin: 20px; background: #1a1a2e; color: #eee; }
h1 { color: #00d9ff; }
a { color: #00d9ff; text-decoration: none; }
a:hover { text-decoration: underline; }
.menu { background: #16213e; padding: 20px; border-radius: 8px; margin: 20px 0; }
.menu ul { list-style: none; padding: 0; }
.menu li { margin: 10px 0; }
.mount { background: #0f3460; padding: 15px; margin: 10px 0; border-radius: 8px; }
.mount h3 { margin-top: 0; color: #00d9ff; }
.active { color: #4CAF50; }
.inactive { color: #f44336; }
</style>
</head>
<body>
<h1>üéµ GoCast Admin Panel</h1>

<div class="menu">
<h2>Quick Links</h2>
<ul>
<li><a href="/admin/stats">üìä Server Statistics (XML)</a></li>
<li><a href="/admin/listmounts">üìÇ List All Mounts</a></li>
<li><a href="/status">üåê Public Status Page</a></li>
<li><a href="/status?format=json">üìã Status JSON</a></li>
</ul>
</div>

<h2>Active Mounts</h2>
`)

	stats := s.mountManager.Stats()
	if len(stats) == 0 {
		fmt.Fprint(w, `<p class="inactive">No mounts configured</p>`)
	}

	for _, stat := range stats {
		status := `<span class="inactive">‚óè Offline</span>`
		if stat.Active {
			status = `<span class="active">‚óè Live</span>`
		}

		fmt.Fprintf(w, `<div class="mount">
<h3>%s %s</h3>
<p>Listeners: %d | Peak: %d | Sent: %s</p>
<p>Now Playing: %s</p>
<p>
<a href="/admin/listclients?mount=%s">üë• List Clients</a> |
<a href="/admin/killsource?mount=%s" onclick="return confirm('Kill source?')">‚ö†Ô∏è Kill Source</a>
</p>
</div>`,
			stat.Path, status,
			stat.Listeners, stat.PeakListeners, gocaststats.FormatBytes(stat.BytesSent),
			stat.Metadata.StreamTitle,
			stat.Path, stat.Path,
		)
	}

	fmt.Fprintf(w, `
<p style="margin-top: 40px; color: #666; font-size: 12px;">
Server uptime: %s<br>
GoCast - Modern Icecast replacement
</p>
</body>
</html>`, gocaststats.FormatDuration(time.Since(s.startTime)))
}

// connStateHandler tracks connection state changes and applies TCP tuning
// to freshly accepted connections before the first audio frame is written.
func (s *Server) connStateHandler(conn net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		TuneConnection(conn, s.config)
	case http.StateClosed:
		// Connection closed
	case http.StateHijacked:
		// Connection hijacked (for SOURCE method)
	}
}

// MountManager returns the mount manager
func (s *Server) MountManager() *stream.MountManager {
	return s.mountManager
}

// Config returns the server configuration
func (s *Server) Config() *config.Config {
	return s.config
}

// StartTime returns when the server started
func (s *Server) StartTime() time.Time {
	return s.startTime
}
