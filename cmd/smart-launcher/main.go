package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/smart-on-fhir/smart-launcher-v2-sub000/internal/config"
	"github.com/smart-on-fhir/smart-launcher-v2-sub000/internal/platform/auth"
	"github.com/smart-on-fhir/smart-launcher-v2-sub000/internal/platform/middleware"
	"github.com/smart-on-fhir/smart-launcher-v2-sub000/internal/platform/telemetry"
)

const version = "2.0.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "smart-launcher",
		Short: "SMART on FHIR launcher and authorization server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(launchCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the authorization server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	keys, err := loadKeys(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load signing keys")
	}

	e := newServer(cfg, keys, telemetry.New(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("base_url", cfg.BaseURL).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// loadKeys builds the signing keyring from configuration. Outside
// production, missing material is replaced with ephemeral values, which
// invalidates every issued token on restart.
func loadKeys(cfg *config.Config, logger zerolog.Logger) (*auth.Keyring, error) {
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("JWT_SECRET is required in production")
		}
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generating JWT secret: %w", err)
		}
		secret = []byte(hex.EncodeToString(buf))
		logger.Warn().Msg("JWT_SECRET not set; using an ephemeral secret. Tokens will not survive a restart.")
	}

	pemData, err := cfg.PrivateKeyPEM()
	if err != nil {
		return nil, err
	}
	if pemData == nil {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("PRIVATE_KEY or PRIVATE_KEY_FILE is required in production")
		}
		private, err := auth.GeneratePrivateKey()
		if err != nil {
			return nil, fmt.Errorf("generating private key: %w", err)
		}
		logger.Warn().Msg("PRIVATE_KEY not set; using an ephemeral RSA key. id_tokens will not verify after a restart.")
		return auth.NewKeyring(secret, private)
	}

	private, err := auth.ParsePrivateKeyPEM(pemData)
	if err != nil {
		return nil, err
	}
	return auth.NewKeyring(secret, private)
}

// newServer wires the echo instance: middleware, health, metrics and the
// authorization endpoints.
func newServer(cfg *config.Config, keys *auth.Keyring, metrics *telemetry.Metrics, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = httpErrorHandler(logger)
	e.Server.ReadHeaderTimeout = 10 * time.Second
	e.Server.ReadTimeout = 30 * time.Second
	e.Server.WriteTimeout = 30 * time.Second

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger, "/health", "/metrics"))
	e.Use(middleware.Recovery(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/metrics", metrics.Handler())

	handler := auth.NewHandler(auth.Settings{
		BaseURL:                      cfg.BaseURL,
		FHIRReleases:                 cfg.FHIRReleases,
		AccessTokenLifetime:          cfg.AccessTokenTTL(),
		RefreshTokenLifetime:         cfg.RefreshTokenTTL(),
		IncludeEncounterInStandalone: cfg.IncludeEncounterInStandalone,
		SupportedAlgorithms:          cfg.SupportedAlgs,
	}, keys,
		auth.WithLogger(logger.With().Str("component", "auth").Logger()),
		auth.WithRecorder(metrics),
		auth.WithHTTPClient(&http.Client{Timeout: cfg.JWKSFetchTimeout}),
		auth.WithTokenCache(auth.NewTokenCache(cfg.TokenCacheSize, cfg.TokenCacheTTL)),
	)

	var tokenMiddleware []echo.MiddlewareFunc
	if cfg.RateLimitRPS > 0 {
		tokenMiddleware = append(tokenMiddleware, middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
			IdleTTL:           10 * time.Minute,
		}))
	}
	handler.RegisterRoutes(e, tokenMiddleware...)

	return e
}

// httpErrorHandler renders errors that escaped the handlers (unknown
// routes, rate limiting, oversized bodies, panics) as OAuth style JSON.
func httpErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		message := "internal server error"
		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			message = fmt.Sprint(he.Message)
		}

		code := "invalid_request"
		if status >= 500 {
			code = "server_error"
			logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("unhandled error")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, map[string]string{
				"error":             code,
				"error_description": message,
			})
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("writing error response")
		}
	}
}
