package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/courseloom/courseloom/internal/bootstrap"
	"github.com/courseloom/courseloom/internal/config"
	"github.com/courseloom/courseloom/internal/infra/cache"
	mq "github.com/courseloom/courseloom/internal/infra/queue"
	"github.com/courseloom/courseloom/internal/modules/handler"
	"github.com/courseloom/courseloom/internal/modules/service"
	"github.com/courseloom/courseloom/internal/pkg/tokenizer"
	"github.com/courseloom/courseloom/internal/router"
	"github.com/courseloom/courseloom/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/samber/do"
	"go.uber.org/zap"
)

func main() {
	inj := bootstrap.BuildContainer()

	cfg := do.MustInvoke[*config.Config](inj)
	log := do.MustInvoke[*zap.Logger](inj)
	defer log.Sync()

	if _, err := telemetry.SetupTracing(cfg); err != nil {
		log.Fatal("setup tracing", zap.Error(err))
	}
	if _, err := telemetry.SetupMetrics(cfg); err != nil {
		log.Fatal("setup metrics", zap.Error(err))
	}
	if err := telemetry.InitWorkflowMetrics(); err != nil {
		log.Warn("init workflow metrics", zap.Error(err))
	}

	if err := tokenizer.Init(log); err != nil {
		log.Fatal("init tokenizer", zap.Error(err))
	}

	workflow := do.MustInvoke[service.WorkflowService](inj)

	r := router.NewRouter(router.RouterDeps{
		Config:          cfg,
		Log:             log,
		WorkflowHandler: do.MustInvoke[*handler.WorkflowHandler](inj),
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.App.Port),
		Handler: r,
	}

	go func() {
		log.Info("server listening", zap.Int("port", cfg.App.Port), zap.String("env", cfg.App.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server shutdown", zap.Error(err))
	}

	// Flush every open session before the process exits.
	if err := workflow.Shutdown(ctx); err != nil {
		log.Error("workflow shutdown", zap.Error(err))
	}

	if pub, err := do.Invoke[*mq.Publisher](inj); err == nil {
		_ = pub.Close()
	}
	if rdb, err := do.Invoke[*redis.Client](inj); err == nil {
		_ = cache.Close(rdb)
	}

	if err := telemetry.Shutdown(ctx); err != nil {
		log.Error("tracing shutdown", zap.Error(err))
	}
	if err := telemetry.ShutdownMetrics(ctx); err != nil {
		log.Error("metrics shutdown", zap.Error(err))
	}

	log.Info("bye")
}
