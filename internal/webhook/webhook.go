package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/overlaysync/internal/activation"
	"github.com/schaermu/overlaysync/internal/config"
	"github.com/schaermu/overlaysync/internal/drift"
	"github.com/schaermu/overlaysync/internal/remote"
	overlaysync "github.com/schaermu/overlaysync/internal/sync"
	"github.com/schaermu/overlaysync/internal/systemduser"
)

// SignatureHeader carries the HMAC-SHA256 of the request body
const SignatureHeader = "X-Overlaysync-Signature-256"

// PublishEvent announces that a new revision of an overlay was published
type PublishEvent struct {
	Location string `json:"location"`
	Revision string `json:"revision"`
}

// Server implements the serve mode HTTP server
type Server struct {
	cfg         *config.Config
	source      remote.Source
	systemd     systemduser.Systemd
	logger      *slog.Logger
	secret      []byte
	syncMu      sync.Mutex // guards syncRunning and syncPending
	syncRunning bool       // whether a sync is currently in progress
	syncPending bool       // whether another sync is needed after the current one
	debounce    *debouncer
}

// debouncer implements debouncing for sync triggers
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new server
func NewServer(cfg *config.Config, source remote.Source, systemd systemduser.Systemd, logger *slog.Logger) (*Server, error) {
	secret, err := os.ReadFile(cfg.Serve.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}

	// Trim any whitespace/newlines from secret
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("webhook secret file %s is empty", cfg.Serve.SecretFile)
	}

	return &Server{
		cfg:      cfg,
		source:   source,
		systemd:  systemd,
		logger:   logger,
		secret:   secret,
		debounce: &debouncer{delay: cfg.DebounceDelay()},
	}, nil
}

// Handler returns the HTTP routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/", s.handleWebhook)
	return mux
}

// Start performs an initial sync and then serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("performing initial sync before starting webhook server")
	s.performSync(ctx)

	if s.cfg.Serve.WatchDrift {
		stop, err := s.watchDrift()
		if err != nil {
			return err
		}
		defer stop()
	}

	listener, activated, err := activation.Listen(s.cfg.Serve.ListenAddr)
	if err != nil {
		return err
	}
	return s.serve(ctx, listener, activated)
}

func (s *Server) serve(ctx context.Context, listener net.Listener, activated bool) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", listener.Addr().String(), "socket_activated", activated)
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// watchDrift triggers a debounced sync whenever files change under an
// overlay install path. The returned func stops the watcher.
func (s *Server) watchDrift() (func(), error) {
	watcher, err := drift.NewWatcher(s.logger)
	if err != nil {
		return nil, err
	}

	dirs := make([]string, 0, len(s.cfg.Overlays))
	for _, o := range s.cfg.Overlays {
		dirs = append(dirs, s.cfg.InstallPath(o))
	}
	if err := watcher.Start(dirs); err != nil {
		return nil, err
	}
	s.logger.Info("watching install paths for drift", "paths", dirs)

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events():
				if !ok {
					return
				}
				s.logger.Debug("drift detected", "path", ev.Path, "op", ev.Op.String())
				s.triggerSync()
			case err, ok := <-watcher.Errors():
				if !ok {
					return
				}
				s.logger.Warn("drift watcher error", "error", err)
			}
		}
	}()

	return func() {
		if err := watcher.Stop(); err != nil {
			s.logger.Warn("failed to stop drift watcher", "error", err)
		}
	}, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ok\n")
}

// handleWebhook handles incoming publish notifications
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get(SignatureHeader)) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	var event PublishEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if !s.isLocationConfigured(event.Location) {
		s.logger.Info("ignoring publish for unconfigured location", "location", event.Location)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Location not configured for sync\n")
		return
	}

	s.logger.Info("publish accepted", "location", event.Location, "revision", event.Revision)
	s.triggerSync()

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "Sync triggered\n")
}

// verifySignature verifies the sha256=<hex> HMAC of body
func (s *Server) verifySignature(body []byte, signature string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(signature), []byte(expected))
}

// isLocationConfigured reports whether location names one of the configured
// overlays. An empty location means "all overlays".
func (s *Server) isLocationConfigured(location string) bool {
	if location == "" {
		return true
	}
	want := strings.TrimRight(location, "/")
	for _, o := range s.cfg.Overlays {
		if strings.TrimRight(o.URL, "/") == want {
			return true
		}
	}
	return false
}

func (s *Server) triggerSync() {
	s.debounce.trigger(func() {
		s.performSync(context.Background())
	})
}

// performSync executes the sync operation with single-flight semantics.
// If a sync is already in progress, at most one additional run is queued;
// further concurrent requests are dropped to avoid unbounded goroutine pile-up.
func (s *Server) performSync(ctx context.Context) {
	s.syncMu.Lock()
	if s.syncRunning {
		s.syncPending = true
		s.syncMu.Unlock()
		s.logger.Info("sync already in progress, queuing pending re-run")
		return
	}
	s.syncRunning = true
	s.syncMu.Unlock()

	for {
		s.logger.Info("performing sync operation")

		engine := overlaysync.NewEngine(s.cfg, s.source, s.systemd, s.logger, false)
		if _, err := engine.Run(ctx); err != nil {
			s.logger.Error("sync failed", "error", err)
		}

		s.syncMu.Lock()
		if !s.syncPending {
			s.syncRunning = false
			s.syncMu.Unlock()
			break
		}
		s.syncPending = false
		s.syncMu.Unlock()

		s.logger.Info("re-running sync due to pending request")
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}
