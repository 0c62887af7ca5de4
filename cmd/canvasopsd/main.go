package main

import (
	"context"
	"crypto/rand"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/anbinumer/canvasops/internal/config"
	"github.com/anbinumer/canvasops/internal/db"
	"github.com/anbinumer/canvasops/internal/lti"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

func main() {
	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Mode)
	defer logger.Sync()

	// --- DB ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	cancel()
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer dbh.Close()

	events := lti.NewSQLRecorder(dbh, logger)
	store := lti.NewSQLStore(dbh, cfg.DBDriver)

	// --- Seed platform registration ---
	if cfg.PlatformIssuer != "" {
		err := store.SavePlatform(context.Background(), lti.Platform{
			Name:          cfg.PlatformName,
			Issuer:        cfg.PlatformIssuer,
			ClientID:      cfg.ToolClientID,
			AuthLoginURL:  cfg.PlatformAuthURL,
			AuthTokenURL:  cfg.PlatformTokenURL,
			KeySetURL:     cfg.PlatformKeySetURL,
			DeploymentIDs: cfg.PlatformDeploymentIDs,
			Active:        true,
		})
		if err != nil {
			logger.Fatal("platform registration failed", zap.Error(err))
		}
		logger.Info("platform registered",
			zap.String("issuer", cfg.PlatformIssuer),
			zap.String("client_id", cfg.ToolClientID))
	}

	// --- Signing key ---
	keys, err := loadKeys(cfg)
	if err != nil {
		logger.Fatal("signing key", zap.Error(err))
	}
	logger.Info("tool key loaded", zap.String("kid", keys.KID()))

	// --- Launch data store ---
	encKey := cfg.EncryptionKey
	if len(encKey) == 0 {
		// Offline/dev only; online mode was rejected above without a key.
		encKey = make([]byte, 32)
		if _, err := rand.Read(encKey); err != nil {
			logger.Fatal("encryption key", zap.Error(err))
		}
		logger.Warn("LTI_ENCRYPTION_KEY not set, using ephemeral key; launch data will not survive restart")
	}
	cipher, err := lti.NewPayloadCipher(encKey)
	if err != nil {
		logger.Fatal("payload cipher", zap.Error(err))
	}

	var (
		launches    lti.LaunchDataStore
		launchPurge func(context.Context) (int64, error)
	)
	switch cfg.LaunchStore {
	case "bolt":
		bs, err := lti.OpenBoltLaunchStore(cfg.BoltPath, cipher, events)
		if err != nil {
			logger.Fatal("bolt launch store", zap.Error(err))
		}
		defer bs.Close()
		launches, launchPurge = bs, bs.PurgeExpired
	case "memory":
		ms := lti.NewMemoryLaunchStore(cipher, events)
		launches = ms
		launchPurge = func(context.Context) (int64, error) { return int64(ms.PurgeExpired()), nil }
	default:
		ss := lti.NewSQLLaunchStore(dbh, cipher, events)
		launches, launchPurge = ss, ss.PurgeExpired
	}

	// --- Protocol core ---
	nonces := lti.NewSQLNonceStore(dbh, events)
	states := lti.NewSQLStateStore(dbh)

	sessions := &lti.SessionManager{
		Store:          store,
		Launch:         launches,
		Events:         events,
		SessionTTL:     cfg.SessionTTL,
		StorageTimeout: cfg.StorageTimeout,
		Log:            logger,
	}
	validator := &lti.Validator{
		ClientID:    cfg.ToolClientID,
		Nonces:      nonces,
		NonceMaxAge: cfg.NonceTTL,
		Log:         logger,
	}
	oidc := &lti.OIDCService{
		Platforms:   store,
		States:      states,
		Nonces:      nonces,
		Validator:   validator,
		Sessions:    sessions,
		Events:      events,
		Keys:        lti.NewPlatformKeys(),
		RedirectURI: cfg.RedirectURI(),
		AppEntryURL: cfg.AppEntryURL,
		StateTTL:    cfg.StateTTL,
		Log:         logger,
	}

	pub := strings.TrimSuffix(cfg.PublicURL, "/")
	endpoints := &lti.Endpoints{
		OIDC:     oidc,
		JWKS:     &lti.JWKSHandler{Keys: keys},
		Probe:    &lti.CookieProbeHandler{},
		Sessions: sessions,
		Events:   events,
		ToolConfig: lti.ToolConfig{
			Title:         cfg.ToolTitle,
			Description:   "Canvas course operations tool",
			OIDCLoginURL:  pub + "/lti/login",
			TargetLinkURI: cfg.AppEntryURL,
			JWKSURL:       pub + "/lti/jwks.json",
		},
		LaunchPerMinute: cfg.LaunchPerMinute,
	}

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins(),
		AllowedMethods:   []string{"GET", "POST", "HEAD", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length", "ETag"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Route("/lti", endpoints.Mount)

	// --- Background sweep ---
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper := &lti.Sweeper{
		Store:    store,
		Extra:    []lti.Purger{nonces, states, lti.PurgerFunc(launchPurge)},
		Interval: cfg.SweepInterval,
		Events:   events,
		Log:      logger,
	}
	go sweeper.Run(runCtx)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-runCtx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	logger.Info("listening", zap.String("addr", cfg.HTTPAddr), zap.String("mode", string(cfg.Mode)))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("serve", zap.Error(err))
	}
}

func newLogger(mode config.Mode) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if mode == config.ModeOnline {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	return logger
}

func loadKeys(cfg config.Config) (*lti.ToolKeys, error) {
	if cfg.PrivateKeyB64 != "" || cfg.PrivateKeyFile != "" {
		return lti.LoadToolKeys(cfg.PrivateKeyB64, cfg.PrivateKeyFile)
	}
	// Dev convenience; the kid rotates with every restart.
	return lti.GenerateToolKeys()
}
