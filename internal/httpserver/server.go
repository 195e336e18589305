// Package httpserver provides the REST + WebSocket transport for the
// ingestion core: the seven chunked-upload endpoints, the authenticated
// push channel, and the probe/metrics endpoints. HTTP is always on, following
// the teacher's server: no HTTPS/TLS variant, since cert management was not
// retained from the teacher's domain.
package httpserver

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/abdulmunimjundurahman/ingestd/internal/auth"
	"github.com/abdulmunimjundurahman/ingestd/internal/logging"
	"github.com/abdulmunimjundurahman/ingestd/internal/pipeline"
	"github.com/abdulmunimjundurahman/ingestd/internal/progressbus"
	"github.com/abdulmunimjundurahman/ingestd/internal/uploadsession"
)

// MaxChunkBytesDefault is the per-chunk body size limit, per the documented
// upload contract.
const MaxChunkBytesDefault = 10 << 20

// Config holds server construction parameters.
type Config struct {
	Logger        *slog.Logger
	MaxChunkBytes int64 // defaults to MaxChunkBytesDefault

	// Tokens and Users back the standalone /auth/login endpoint. Both may be
	// nil, in which case /auth/login is not registered — a real deployment
	// mints tokens through an external identity provider instead.
	Tokens *auth.TokenService
	Users  *auth.UserStore
}

// Server is the REST + WebSocket transport for one running instance.
type Server struct {
	logger *slog.Logger

	sessions *uploadsession.Manager
	pipeline *pipeline.Orchestrator
	bus      *progressbus.Bus
	verifier auth.Verifier

	tokens *auth.TokenService
	users  *auth.UserStore

	maxChunkBytes int64
	startTime     time.Time

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	shutdown chan struct{}
	inFlight sync.WaitGroup
	draining atomic.Bool

	rl       *rateLimiter
	rlCancel context.CancelFunc
	rlWG     sync.WaitGroup
}

// New creates a Server wired to the given components.
func New(sessions *uploadsession.Manager, pl *pipeline.Orchestrator, bus *progressbus.Bus, verifier auth.Verifier, cfg Config) *Server {
	maxChunkBytes := cfg.MaxChunkBytes
	if maxChunkBytes <= 0 {
		maxChunkBytes = MaxChunkBytesDefault
	}
	return &Server{
		logger:        logging.Default(cfg.Logger).With("component", "httpserver"),
		sessions:      sessions,
		pipeline:      pl,
		bus:           bus,
		verifier:      verifier,
		tokens:        cfg.Tokens,
		users:         cfg.Users,
		maxChunkBytes: maxChunkBytes,
		startTime:     time.Now(),
		shutdown:      make(chan struct{}),
		rl:            newRateLimiter(5.0/60.0, 5), // 5 req/min per IP, burst of 5
	}
}

// trackingMiddleware tracks in-flight requests and rejects new ones with 503
// while the server is draining.
func (s *Server) trackingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			http.Error(w, "server is draining", http.StatusServiceUnavailable)
			return
		}
		s.inFlight.Add(1)
		defer s.inFlight.Done()
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware allows same-origin requests and, for loopback hosts (local
// dev behind a proxy), any port on the same hostname. It never reflects an
// arbitrary Origin, since doing so would let any page read authenticated
// responses via a browser fetch with credentials.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && isOriginAllowed(origin, r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

func isOriginAllowed(origin string, r *http.Request) bool {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if origin == scheme+"://"+r.Host {
		return true
	}
	reqHost, _, _ := net.SplitHostPort(r.Host)
	if reqHost == "" {
		reqHost = r.Host
	}
	if !isLoopback(reqHost) {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	oHost, _, _ := net.SplitHostPort(u.Host)
	if oHost == "" {
		oHost = u.Host
	}
	return isLoopback(oHost)
}

// securityHeadersMiddleware sets the baseline response headers every
// response should carry, regardless of route.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// buildMux registers every route and returns the mux, unwrapped by
// middleware (Handler wraps it; tests can use this directly).
func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("POST /init", auth.RequireBearer(s.verifier)(http.HandlerFunc(s.handleInit)))
	mux.Handle("POST /upload/{fileId}/{chunkIndex}", auth.RequireBearer(s.verifier)(http.HandlerFunc(s.handleUploadChunk)))
	mux.Handle("GET /resume/{fileId}", auth.RequireBearer(s.verifier)(http.HandlerFunc(s.handleResume)))
	mux.Handle("POST /complete/{fileId}", auth.RequireBearer(s.verifier)(http.HandlerFunc(s.handleComplete)))
	mux.Handle("DELETE /{fileId}", auth.RequireBearer(s.verifier)(http.HandlerFunc(s.handleCancel)))
	mux.Handle("GET /status/{fileId}", auth.RequireBearer(s.verifier)(http.HandlerFunc(s.handleStatus)))
	mux.Handle("POST /validate/{fileId}", auth.RequireBearer(s.verifier)(http.HandlerFunc(s.handleValidate)))
	mux.HandleFunc("GET /ws/upload-progress", s.handleWebSocket)

	if s.tokens != nil && s.users != nil {
		mux.HandleFunc("POST /auth/login", s.handleLogin)
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	s.registerMetrics(mux)

	return mux
}

// Handler returns the fully wrapped handler: tracking → CORS → security
// headers → rate limit → compress → mux. Useful for tests (httptest.Server)
// and for embedding.
func (s *Server) Handler() http.Handler {
	mux := s.buildMux()
	return s.trackingMiddleware(corsMiddleware(securityHeadersMiddleware(rateLimitMiddleware(s.rl)(compressMiddleware(mux)))))
}

// Serve starts the server on listener and blocks until it is stopped.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	rlCtx, rlCancel := context.WithCancel(context.Background())
	s.rlCancel = rlCancel
	s.rl.startCleanup(rlCtx, &s.rlWG, 3*time.Minute, 5*time.Minute)

	s.mu.Lock()
	s.server = &http.Server{
		// h2c serves HTTP/2 over cleartext for clients that speak it
		// (notably long-lived chunk uploads sharing one connection), while
		// transparently falling back to HTTP/1.1 for everything else.
		Handler:           h2c.NewHandler(s.Handler(), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.Info("server starting", "addr", listener.Addr().String())
	err := srv.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ServeTCP starts the server on a TCP address.
func (s *Server) ServeTCP(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Stop drains in-flight requests (bounded by ctx) then closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.rlCancel != nil {
		s.rlCancel()
		s.rlWG.Wait()
	}

	s.logger.Info("draining in-flight requests")
	s.draining.Store(true)

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	s.mu.Lock()
	server := s.server
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	s.logger.Info("server stopping")
	return server.Shutdown(ctx)
}

// ShutdownChan is closed if a handler ever needs to signal the process to
// shut down (currently unused, reserved for a future admin endpoint).
func (s *Server) ShutdownChan() <-chan struct{} {
	return s.shutdown
}
