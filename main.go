package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Jerry-Khobby/real-time-collaborative-whiteboard/internal"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/ksuid"
	"github.com/sethvargo/go-envconfig"
	"golang.org/x/exp/slog"
)

type Env struct {
	Port             int                   `env:"PORT,default=8080"`
	InstanceID       string                `env:"INSTANCE_ID"`
	RedisURL         string                `env:"REDIS_URL"`
	KeyPrefix        string                `env:"KEY_PREFIX,default=wb"`
	PrivateKey       envconfig.Base64Bytes `env:"PRIVATE_KEY"`
	CanvasServiceURL string                `env:"CANVAS_SERVICE_URL"`
	OriginPatterns   []string              `env:"ORIGIN_PATTERNS,default=*"`
	SnapshotReplay   bool                  `env:"SNAPSHOT_REPLAY,default=true"`
	SnapshotLimit    int                   `env:"SNAPSHOT_LIMIT,default=5000"`
	MaxMessageBytes  int64                 `env:"MAX_MESSAGE_BYTES,default=65536"`
	PingInterval     time.Duration         `env:"PING_INTERVAL,default=45s"`
	LogLevel         slog.Level            `env:"LOG_LEVEL,default=debug"`
	ServiceDomain    string                `env:"SERVICE_DOMAIN"`
	PorkbunAPIKey    string                `env:"PORKBUN_API_KEY"`
	PorkbunAPISecret string                `env:"PORKBUN_API_SECRET"`
}

func privateKey(logger *slog.Logger, b []byte) (ed25519.PrivateKey, error) {
	switch len(b) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(b), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(b), nil
	case 0:
		logger.Warn("no PRIVATE_KEY set, using an ephemeral service key")
		_, key, err := ed25519.GenerateKey(rand.Reader)
		return key, err
	default:
		return nil, fmt.Errorf("PRIVATE_KEY has %v bytes", len(b))
	}
}

func doMain(logger *slog.Logger, env Env) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if env.InstanceID == "" {
		env.InstanceID = ksuid.New().String()
	}

	logger = logger.With(slog.String("instance", env.InstanceID))

	key, err := privateKey(logger, env.PrivateKey)
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if env.RedisURL != "" {
		rOpts, err := redis.ParseURL(env.RedisURL)
		if err != nil {
			return err
		}

		rdb = redis.NewClient(rOpts)
		if err := rdb.Info(ctx).Err(); err != nil {
			return err
		}

		//goland:noinspection GoUnhandledErrorResult
		defer rdb.Close()
	} else {
		logger.Warn("no REDIS_URL set, running as a single instance")
	}

	router, err := internal.Main(logger, ctx, internal.Options{
		InstanceID:       env.InstanceID,
		Redis:            rdb,
		KeyPrefix:        env.KeyPrefix,
		PrivateKey:       key,
		CanvasServiceURL: env.CanvasServiceURL,
		OriginPatterns:   env.OriginPatterns,
		SnapshotReplay:   env.SnapshotReplay,
		SnapshotLimit:    env.SnapshotLimit,
		MaxMessageBytes:  env.MaxMessageBytes,
		PingInterval:     env.PingInterval,
	})
	if err != nil {
		return err
	}

	var tlsConfig *tls.Config
	if env.ServiceDomain != "" && env.PorkbunAPIKey != "" && rdb != nil {
		tlsConfig, err = TLSConfig(env.ServiceDomain, env.PorkbunAPIKey, env.PorkbunAPISecret, env.KeyPrefix, rdb)
		if err != nil {
			return err
		}
	}

	server := &http.Server{
		Addr:      fmt.Sprintf(":%v", env.Port),
		Handler:   router,
		TLSConfig: tlsConfig,
	}

	ec := make(chan error, 1)
	go func() {
		logger.Debug("starting...", slog.String("address", server.Addr))

		var err error
		if server.TLSConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			ec <- err
		}
	}()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sc:
		logger.Warn("shutdown signal", slog.String("signal", sig.String()))
	case err := <-ec:
		return fmt.Errorf("http server: %w", err)
	}

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()

	return server.Shutdown(sctx)
}

func main() {
	_ = godotenv.Load()

	env := Env{}
	if err := envconfig.Process(context.Background(), &env); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	handler := slog.HandlerOptions{AddSource: true, Level: env.LogLevel}
	logger := slog.New(handler.NewTextHandler(os.Stdout))

	if err := doMain(logger, env); err != nil {
		logger.Error("failed to start", err)
		os.Exit(1)
	}
}
