package internal

import (
	"context"
	"crypto/ed25519"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"
)

type Options struct {
	InstanceID string
	// Redis switches membership, canvases and delivery to the shared
	// backends. Nil keeps everything in process.
	Redis      *redis.Client
	KeyPrefix  string
	PrivateKey ed25519.PrivateKey
	// CanvasServiceURL, when set, is asked whether canvases exist instead of
	// the local canvas store.
	CanvasServiceURL string
	OriginPatterns   []string
	SnapshotReplay   bool
	SnapshotLimit    int
	MaxMessageBytes  int64
	PingInterval     time.Duration
}

func Main(logger *slog.Logger, ctx context.Context, opts Options) (chi.Router, error) {
	if opts.InstanceID == "" {
		return nil, errors.New("instance id is required")
	}
	if len(opts.PrivateKey) != ed25519.PrivateKeySize {
		return nil, errors.New("an ed25519 private key is required")
	}

	metrics := NewMetrics()

	var (
		registry Registry
		store    CanvasStore
		cluster  *Cluster
	)

	if opts.Redis != nil {
		cluster = NewCluster(logger, opts.Redis, opts.InstanceID, opts.KeyPrefix)
		registry = NewRedisRegistry(opts.Redis, opts.KeyPrefix, cluster)
		store = NewRedisCanvasStore(opts.Redis, opts.KeyPrefix, opts.SnapshotLimit)
	} else {
		registry = NewMemoryRegistry()
		store = NewMemoryCanvasStore(opts.SnapshotLimit)
	}

	var oracle CanvasOracle = store
	if opts.CanvasServiceURL != "" {
		signer := NewRequestSigner(opts.PrivateKey)
		oracle = NewHTTPCanvasOracle(opts.CanvasServiceURL, opts.InstanceID, signer)
		logger.Debug("canvas service", slog.String("url", opts.CanvasServiceURL))
	}

	hub := NewHub(logger, metrics, cluster)
	go hub.Run(ctx)

	coordinatorOpts := CoordinatorOptions{
		Logger:   logger,
		Registry: registry,
		Oracle:   oracle,
		Sender:   hub,
		Metrics:  metrics,
	}
	if opts.SnapshotReplay {
		coordinatorOpts.Snapshots = store
	}
	coordinator := NewCoordinator(coordinatorOpts)

	wsOpts := WebsocketOptions{
		OriginPatterns: opts.OriginPatterns,
		ReadLimit:      opts.MaxMessageBytes,
		PingInterval:   opts.PingInterval,
	}

	router := chi.NewRouter()
	router.Use(mid(opts.InstanceID))
	router.Get("/health", health())
	router.Get("/stats", stats(logger, registry, hub))
	router.Get("/.well-known/public.txt", PublicKeyRoute(opts.PrivateKey))
	router.Method(http.MethodGet, "/metrics", metrics.Handler())
	router.Get("/ws", JoinRoute(logger, hub, coordinator, metrics, wsOpts))
	router.Delete("/connections", DropRoute(logger, hub, NewRequestVerifier(opts.PrivateKey.Public().(ed25519.PublicKey))))

	router.Route("/canvas", func(r chi.Router) {
		r.Use(middleware.Recoverer)
		r.Post("/create", CreateCanvasRoute(logger, store))
		r.Get("/{canvasID}", GetCanvasRoute(logger, store))
	})

	return router, nil
}

func health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}
}

type statsResponse struct {
	RegistryStats
	Connections int `json:"connections"`
}

func stats(logger *slog.Logger, registry Registry, hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := registry.Stats(r.Context())
		if err != nil {
			logger.Error("failed to read registry stats", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, statsResponse{RegistryStats: s, Connections: hub.Len()})
	}
}

func mid(instanceID string) func(http.Handler) http.Handler {
	return func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Server", "whiteboard")
			w.Header().Set("Instance-ID", instanceID)
			handler.ServeHTTP(w, r)
		})
	}
}
