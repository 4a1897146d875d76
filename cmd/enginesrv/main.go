// Command enginesrv runs the component execution engine as an HTTP service:
// submit a component reference plus input, get back a completed or failed
// execution record; replay a past execution to check it still reproduces.
package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/cyfrworks/cyfr-sub001/pkg/artifacts"
	"github.com/cyfrworks/cyfr-sub001/pkg/crypto"
	"github.com/cyfrworks/cyfr-sub001/pkg/executor"
	"github.com/cyfrworks/cyfr-sub001/pkg/policycache"
	"github.com/cyfrworks/cyfr-sub001/pkg/ratelimiter"
	"github.com/cyfrworks/cyfr-sub001/pkg/replay"
	"github.com/cyfrworks/cyfr-sub001/pkg/runtime"
	"github.com/cyfrworks/cyfr-sub001/pkg/secrets"
	"github.com/cyfrworks/cyfr-sub001/pkg/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx := context.Background()
	logger := slog.Default()

	dataDir := envOr("ENGINE_DATA_DIR", "data")
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		log.Fatalf("creating data dir: %v", err)
	}

	db, dialect, err := openDatabase(ctx, dataDir)
	if err != nil {
		log.Fatalf("opening storage: %v", err)
	}
	defer db.Close()

	encKey, err := loadOrGenerateEncryptionKey(filepath.Join(dataDir, "secrets.key"))
	if err != nil {
		log.Fatalf("loading secret encryption key: %v", err)
	}

	store, err := newStorage(db, dialect, encKey)
	if err != nil {
		log.Fatalf("constructing storage: %v", err)
	}
	if err := ensureSchema(db); err != nil {
		log.Fatalf("ensuring schema: %v", err)
	}

	limiter := newRateLimiter()

	emitterCfg := telemetry.DefaultConfig()
	emitterCfg.Enabled = os.Getenv("ENGINE_TELEMETRY_DISABLED") == ""
	emitter, err := telemetry.New(ctx, emitterCfg)
	if err != nil {
		log.Fatalf("initializing telemetry: %v", err)
	}

	maxMemory := envInt64Or("ENGINE_MAX_MEMORY_BYTES", 256*1024*1024)
	rt, err := runtime.New(ctx, maxMemory)
	if err != nil {
		log.Fatalf("initializing wasm runtime: %v", err)
	}

	cas, err := artifacts.NewFileStore(filepath.Join(dataDir, "artifacts"))
	if err != nil {
		log.Fatalf("initializing artifact store: %v", err)
	}
	fileStore := artifacts.NewComponentBinaryStore(dataDir, cas)

	componentRegistry, err := newComponentRegistry()
	if err != nil {
		log.Fatalf("loading trusted signing keys: %v", err)
	}
	binaryStore := &registryBackedBinaryStore{registry: componentRegistry, fallback: fileStore}

	chainSigner, err := loadOrGenerateChainSigner(filepath.Join(dataDir, "chain.key"))
	if err != nil {
		log.Fatalf("loading execution chain signing key: %v", err)
	}

	exec := executor.New(executor.Options{
		PolicyCache:       policycache.New(store, 30*time.Second),
		RateLimiter:       limiter,
		SecretResolver:    secrets.NewResolver(store),
		ExecutionStore:    store,
		BinaryStore:       binaryStore,
		Runtime:           rt,
		Telemetry:         emitter,
		ChainSigner:       chainSigner,
		ChainStore:        store,
		EnforceSignatures: os.Getenv("ENGINE_ENFORCE_SIGNATURES") == "true",
	})
	replayer := replay.New(store, binaryStore, rt)

	srv := &server{executor: exec, replayer: replayer, records: store, logger: logger, registry: componentRegistry}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", srv.handleHealth)
	mux.HandleFunc("POST /v1/executions", srv.handleExecute)
	mux.HandleFunc("POST /v1/components/publish", srv.handlePublish)
	mux.HandleFunc("GET /v1/executions/{id}", srv.handleGetExecution)
	mux.HandleFunc("POST /v1/executions/{id}/replay", srv.handleReplay)

	ingress := newIngressLimiter(envFloat64Or("ENGINE_INGRESS_RPS", 20), envIntOr("ENGINE_INGRESS_BURST", 40))

	addr := ":" + envOr("ENGINE_PORT", "8080")
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           ingress.middleware(mux),
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("engine listening", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("server error: %v", err)
		return 1
	}
	return 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt64Or(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat64Or(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return n
}

// openDatabase connects to Postgres when DATABASE_URL is set, falling back
// to an on-disk SQLite database for local/offline use.
func openDatabase(ctx context.Context, dataDir string) (*sql.DB, string, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbPath := filepath.Join(dataDir, "engine.db")
		log.Printf("[enginesrv] DATABASE_URL not set, using sqlite at %s", dbPath)
		db, err := sql.Open("sqlite", dbPath)
		if err != nil {
			return nil, "", err
		}
		return db, "sqlite", nil
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, "", err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, "", err
	}
	log.Println("[enginesrv] postgres: connected")
	return db, "postgres", nil
}

func newRateLimiter() ratelimiter.Limiter {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return ratelimiter.NewInMemory()
	}
	lim, err := newRedisLimiter(redisURL)
	if err != nil {
		log.Printf("[enginesrv] redis rate limiter unavailable (%v), falling back to in-memory", err)
		return ratelimiter.NewInMemory()
	}
	return lim
}
