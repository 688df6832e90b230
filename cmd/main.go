package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/lmittmann/tint"

	"convo-relay/handler"
	"convo-relay/internal/integrations/assistant"
	"convo-relay/internal/integrations/crm"
	"convo-relay/internal/integrations/paramstore"
	"convo-relay/internal/repository"
	"convo-relay/internal/usecase"
)

func main() {
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.Kitchen,
	})))

	ctx := context.Background()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	locationID := mustEnv("CRM_LOCATION_ID")
	listenAddr := envStr("LISTEN_ADDR", ":8080")
	relayCfg := usecase.Config{
		DebounceWindow:  envSeconds("DEBOUNCE_WINDOW_SECONDS", 30),
		LockLease:       envSeconds("LOCK_LEASE_SECONDS", 600),
		PollInterval:    envSeconds("POLL_INTERVAL_SECONDS", 1),
		TaskCeiling:     envSeconds("TASK_CEILING_SECONDS", 600),
		MaxAttempts:     envInt("MAX_ATTEMPTS", 3),
		RetryDelay:      envSeconds("RETRY_DELAY_SECONDS", 5),
		MaxActiveDrains: int64(envInt("MAX_ACTIVE_DRAINS", 16)),
	}

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable)
	if err != nil {
		slog.Error("failed to create state client", "err", err)
		os.Exit(1)
	}
	assistantClient, err := assistant.NewClient(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create assistant client", "err", err)
		os.Exit(1)
	}
	crmClient, err := crm.NewClient(ssmClient, paramPrefix, locationID)
	if err != nil {
		slog.Error("failed to create CRM client", "err", err)
		os.Exit(1)
	}

	// ---- Service and handler ----
	relay, err := usecase.NewRelayService(stateClient, assistantClient, crmClient, relayCfg)
	if err != nil {
		slog.Error("failed to create relay service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(relay)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/triggerResponse", h)

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("listening", "addr", listenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	// ---- Shutdown: stop accepting, then let in-flight turns finish ----
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "err", err)
	}
	relay.Close()
	slog.Info("shutdown complete")
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envSeconds(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Second
}
