package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/fieldsync/internal/httpapi"
	"github.com/agentworkforce/fieldsync/internal/logging"
	"github.com/agentworkforce/fieldsync/internal/syncserver"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runToken(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		return
	}

	logger, closeLog, err := logging.New(logging.Options{
		Level:  os.Getenv("FIELDSYNC_LOG_LEVEL"),
		Format: os.Getenv("FIELDSYNC_LOG_FORMAT"),
		File:   os.Getenv("FIELDSYNC_LOG_FILE"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging configuration: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	addr := os.Getenv("FIELDSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	handler, closeRepo, err := buildServerFromEnv(logger)
	if err != nil {
		logger.Error("failed to initialize server", "error", err)
		os.Exit(1)
	}
	defer closeRepo()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("fieldsync listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("fieldsync stopped")
}

func buildServerFromEnv(logger *slog.Logger) (http.Handler, func() error, error) {
	registry := syncserver.DefaultRegistry()
	if path := strings.TrimSpace(os.Getenv("FIELDSYNC_ENTITIES_FILE")); path != "" {
		loaded, err := syncserver.LoadRegistryFile(path)
		if err != nil {
			return nil, nil, err
		}
		registry = loaded
	}
	repo, err := syncserver.BuildRepositoryFromDSN(os.Getenv("FIELDSYNC_DATABASE_DSN"), registry)
	if err != nil {
		return nil, nil, err
	}
	processor := syncserver.NewProcessor(registry, repo, syncserver.ProcessorOptions{Logger: logger})
	server := httpapi.NewServerWithConfig(processor, httpapi.ServerConfig{
		JWTSecret:       os.Getenv("FIELDSYNC_JWT_SECRET"),
		RateLimitMax:    intEnv("FIELDSYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("FIELDSYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("FIELDSYNC_MAX_BODY_BYTES", 0),
		MaxBatchItems:   intEnv("FIELDSYNC_MAX_BATCH_ITEMS", 0),
		Logger:          logger,
	})
	return server, repo.Close, nil
}

// runToken mints a bearer token for a field device.
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	secret := fs.String("secret", os.Getenv("FIELDSYNC_JWT_SECRET"), "HS256 signing secret")
	tenant := fs.String("tenant", "", "tenant id")
	subject := fs.String("subject", "", "subject (user or device id)")
	scopes := fs.String("scopes", httpapi.ScopeSyncWrite+","+httpapi.ScopeRecordsRead, "comma separated scopes")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*secret) == "" {
		return errors.New("secret is required (--secret or FIELDSYNC_JWT_SECRET)")
	}
	var scopeList []string
	for _, scope := range strings.Split(*scopes, ",") {
		if scope = strings.TrimSpace(scope); scope != "" {
			scopeList = append(scopeList, scope)
		}
	}
	token, err := httpapi.SignToken(*secret, *tenant, *subject, scopeList, time.Now().Add(*ttl))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer setting, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid integer setting, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration setting, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}
