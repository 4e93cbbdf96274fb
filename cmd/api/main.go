// Command api serves the user account HTTP API and a gRPC health endpoint.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"

	"signals.org/internal/address"
	"signals.org/internal/auth"
	"signals.org/internal/config"
	"signals.org/internal/federation"
	"signals.org/internal/httpapi"
	"signals.org/internal/migrate"
	"signals.org/internal/notify"
	"signals.org/internal/obs"
	"signals.org/internal/store/pg"
	"signals.org/internal/users"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := obs.Setup(cfg.LogFormat, cfg.LogLevel, os.Stdout)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service stopped with error", "err", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	var (
		repo  users.Repository
		probe httpapi.ReadyProbe
	)
	if dsn := cfg.Database.ConnString(); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			return err
		}
		defer store.Close()
		if cfg.Database.AutoMigrate {
			mctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := migrate.NewManager(store.DB()).Up(mctx)
			cancel()
			if err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		repo = store
		probe = httpapi.ReadyProbe{Store: store}
	} else {
		logger.Warn("no database configured, using in-memory user store")
		repo = users.NewMemoryRepository()
	}

	tokens, err := auth.NewTokenService(cfg.JWTSecret, cfg.JWTAlgo, cfg.TokenTTL())
	if err != nil {
		return err
	}

	var verifier address.Verifier = address.FormatOnly{}
	if cfg.AddressVerificationEnabled() {
		verifier = address.NewSmarty(cfg.SmartyAuthID, cfg.SmartyAuthToken,
			address.WithBaseURL(cfg.SmartyBaseURL),
			address.WithLogger(logger))
	}

	svc, err := users.NewService(repo, auth.NewHasher(bcrypt.DefaultCost), tokens, verifier,
		users.WithRegistrationRoles(cfg.RegistrationRoles...),
		users.WithFederatedRole(cfg.FederatedRole),
		users.WithLogger(logger))
	if err != nil {
		return err
	}

	var (
		sink     notify.Sink = notify.LogSink{Logger: logger}
		sinkName             = "log"
	)
	if cfg.SNSTopicARN != "" {
		sns, err := notify.NewSNSSink(ctx, notify.SNSConfig{
			TopicARN:        cfg.SNSTopicARN,
			Region:          cfg.AWSRegion,
			Endpoint:        cfg.AWSSNSEndpoint,
			AccessKeyID:     cfg.SNSAccessKeyID,
			SecretAccessKey: cfg.SNSSecretAccessKey,
		})
		if err != nil {
			return err
		}
		sink, sinkName = sns, "sns"
	}
	emitter := notify.NewEmitter(sinkName, sink, notify.WithLogger(logger))

	deps := httpapi.Deps{
		Users:        svc,
		Gate:         auth.NewGate(tokens, nil),
		AllowedRoles: auth.NewRoleSet(cfg.AllowedRoles...),
		Notifier:     emitter,
		Ready:        probe,
		Version:      version,
		RateBurst:    cfg.RateLimitBurst,
		RatePerSec:   cfg.RateLimitPerSec,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Logger:       logger,

		TrustProxyHeaders: cfg.TrustProxyHeaders,
	}
	if cfg.FederationEnabled() {
		sealer, err := auth.NewSealer(cfg.RedirectSecret)
		if err != nil {
			return err
		}
		deps.Federation = federation.NewGoogle(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL)
		deps.Sealer = sealer
		deps.FrontendRedirectURL = cfg.FrontendRedirectURL
		deps.SecureCookies = true
	}
	api := httpapi.New(deps)
	defer api.Close()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	grpcSrv := httpapi.NewGRPCServer(probe)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	errc := make(chan error, 2)
	go func() {
		logger.Info("http listening", "addr", srv.Addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	go func() {
		logger.Info("grpc listening", "addr", lis.Addr().String())
		if err := grpcSrv.Serve(lis); err != nil {
			errc <- err
		}
	}()
	obs.SetReady(true)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errc:
	}
	obs.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	grpcSrv.GracefulStop()
	if err := emitter.Close(shutdownCtx); err != nil {
		logger.Warn("pending notifications dropped", "err", err)
	}
	logger.Info("stopped")
	return runErr
}
