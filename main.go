package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"Dynaopt/internal/auth"
	"Dynaopt/internal/config"
	"Dynaopt/internal/jobs"
	"Dynaopt/internal/notify/telegram"
	"Dynaopt/internal/repo"
	"Dynaopt/internal/runs"
	"Dynaopt/internal/solver"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

var wg sync.WaitGroup

func CORS(mux *mux.Router) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		mux.ServeHTTP(w, r)
	})
}

func HandleList(mux *mux.Router, cfg config.Server, store repo.Repository, manager *jobs.Manager, logger *zap.Logger) {
	authEnv := &auth.Authenv{
		JWTkey:       []byte(cfg.TokenKey),
		Login:        cfg.AdminLogin,
		PasswordHash: cfg.AdminPasswordHash,
		Log:          logger,
		SecureCookie: cfg.CertFile != "",
	}
	runsH := &runs.Handler{Jobs: manager, Repo: store, Defaults: cfg.Defaults, Log: logger}

	limiter := auth.NewIPRateLimiter(1, 3)

	api := mux.PathPrefix("/api").Subrouter()
	api.Use(limiter.LimitMiddleware)

	api.HandleFunc("/login", authEnv.AuthHandler).Methods("POST")
	api.HandleFunc("/logout", authEnv.LogoutHandler).Methods("POST")

	secureApi := api.PathPrefix("/user").Subrouter()
	secureApi.Use(authEnv.AuthMiddleware)
	runsH.Routes(secureApi)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}).Methods("GET")
}

func newLogger(level string) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zc.Level = lvl
	return zc.Build()
}

func openRepo(ctx context.Context, url string, logger *zap.Logger) (repo.Repository, func(), error) {
	if url == "" {
		logger.Warn("DATABASE_URL not set, run history is kept in memory")
		return repo.NewMemoryRunDB(), func() {}, nil
	}
	db, err := repo.InitDB(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	store := repo.NewPostgresRunDB(db)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, func() { db.Close() }, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.LoadEnv(); err != nil {
		log.Fatal(err)
	}
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("LOG_LEVEL: %v", err)
	}
	defer logger.Sync()

	store, closeDB, err := openRepo(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer closeDB()

	manager := jobs.NewManager(store, solver.NewExec(logger), cfg.MaxParallelRuns, logger)
	if cfg.BotToken != "" && cfg.AdminPeerID != 0 {
		manager.Notifier = &telegram.Notifier{Client: telegram.NewClient(cfg.BotToken), ChatID: cfg.AdminPeerID}
	}

	mux := mux.NewRouter()
	HandleList(mux, cfg, store, manager, logger)
	handler := CORS(mux)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting server", zap.String("addr", cfg.Addr), zap.Bool("tls", cfg.CertFile != ""))
	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		if cfg.CertFile != "" {
			err = server.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	manager.Shutdown()
	logger.Info("server stopped")

	wg.Wait()
}
