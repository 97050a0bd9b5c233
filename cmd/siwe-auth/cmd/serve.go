package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gin-gonic/gin"
	"github.com/layer-3/siwe-auth/adapters/events"
	"github.com/layer-3/siwe-auth/adapters/jwk"
	"github.com/layer-3/siwe-auth/adapters/store"
	"github.com/layer-3/siwe-auth/adapters/verifier"
	"github.com/layer-3/siwe-auth/internal/config"
	"github.com/layer-3/siwe-auth/internal/logger"
	"github.com/layer-3/siwe-auth/ports"
	"github.com/layer-3/siwe-auth/service"
	httptransport "github.com/layer-3/siwe-auth/transport/http"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authentication server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		if cfg.Log.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, log)
		if err != nil {
			log.Error("failed to start", zap.Error(err))
			return err
		}
		defer a.Close()

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           a.router,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		log.Info("server started",
			zap.Int("port", cfg.Server.Port),
			zap.String("issuer", cfg.JWK.Issuer),
			zap.String("kid", a.keys.KeyID()),
			zap.String("store", cfg.Store.Driver))

		select {
		case <-ctx.Done():
			log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown failed: %w", err)
			}
			return <-done
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// app is the wired service with everything that must be released on exit.
type app struct {
	router  *gin.Engine
	keys    *jwk.KeyManager
	store   ports.Store
	closers []func() error
	log     *zap.Logger
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("failed to release resource", zap.Error(err))
		}
	}
	a.closers = nil
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (_ *app, err error) {
	a := &app{log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	keyPair, err := jwk.LoadKeyPair(cfg.JWK.KeysFile)
	if err != nil {
		return nil, err
	}
	a.keys = jwk.NewKeyManager(keyPair, cfg.JWK.Issuer)
	if err := a.keys.Initialize(); err != nil {
		return nil, err
	}

	var publisher message.Publisher
	wmLogger := events.NewZapLoggerAdapter(log)

	switch cfg.Store.Driver {
	case config.StoreRedis:
		rs, err := store.NewRedisStoreFromURL(cfg.Store.URL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rs.Close)
		if err := rs.Connect(ctx); err != nil {
			return nil, err
		}
		a.store = rs

		if cfg.Events.Enabled {
			publisher, err = redisstream.NewPublisher(redisstream.PublisherConfig{Client: rs.Client()}, wmLogger)
			if err != nil {
				return nil, fmt.Errorf("failed to create event publisher: %w", err)
			}
		}
	case config.StoreMemory:
		ms := store.NewMemoryStore()
		if err := ms.Connect(ctx); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, ms.Close)
		a.store = ms

		if cfg.Events.Enabled {
			publisher = gochannel.NewGoChannel(gochannel.Config{}, wmLogger)
		}
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	var eventPub ports.EventPublisher = events.NopPublisher{}
	if publisher != nil {
		a.closers = append(a.closers, publisher.Close)
		eventPub = events.NewWatermillPublisher(publisher, cfg.Events.Topic)
	}

	endpoints, err := cfg.Verifier.Endpoints()
	if err != nil {
		return nil, err
	}
	rpcOpts, closeRPC, err := verifier.DialRPC(ctx, endpoints)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { closeRPC(); return nil })

	authService, err := service.NewAuthService(
		a.keys,
		a.store,
		verifier.NewVerifier(log, rpcOpts...),
		eventPub,
		log,
		service.WithNonceTTL(cfg.Session.NonceTTL),
		service.WithTokenTTLs(cfg.Session.AccessTTL, cfg.Session.RefreshTTL),
		service.WithAudience(cfg.JWK.Audience),
		service.WithConsumeNonce(cfg.Session.ConsumeNonce),
		service.WithStrictRotation(cfg.Session.StrictRotation),
	)
	if err != nil {
		return nil, err
	}

	limiter, err := service.NewRateLimiter(a.store, cfg.RateLimit.Max, cfg.RateLimit.Window, log)
	if err != nil {
		return nil, err
	}

	a.router, err = httptransport.SetupRouter(
		httptransport.RouterConfig{TrustedProxies: cfg.Server.TrustedProxies},
		authService, limiter, a.keys, log,
	)
	if err != nil {
		return nil, err
	}

	return a, nil
}
