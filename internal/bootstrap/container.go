package bootstrap

import (
	"crypto/tls"
	"strings"

	"github.com/courseloom/courseloom/internal/config"
	"github.com/courseloom/courseloom/internal/infra/cache"
	"github.com/courseloom/courseloom/internal/infra/db"
	"github.com/courseloom/courseloom/internal/infra/httpclient"
	"github.com/courseloom/courseloom/internal/infra/logger"
	mq "github.com/courseloom/courseloom/internal/infra/queue"
	"github.com/courseloom/courseloom/internal/modules/handler"
	"github.com/courseloom/courseloom/internal/modules/model"
	"github.com/courseloom/courseloom/internal/modules/repo"
	"github.com/courseloom/courseloom/internal/modules/service"
	"github.com/courseloom/courseloom/internal/pkg/accel"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/samber/do"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func BuildContainer() *do.Injector {
	inj := do.New()

	// config
	do.Provide(inj, func(i *do.Injector) (*config.Config, error) {
		return config.Load()
	})

	// logger
	do.Provide(inj, func(i *do.Injector) (*zap.Logger, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return logger.New(cfg.Log.Level)
	})

	// accelerator catalog
	do.Provide(inj, func(i *do.Injector) (*accel.Catalog, error) {
		return accel.Load()
	})

	// DB
	do.Provide(inj, func(i *do.Injector) (*gorm.DB, error) {
		cfg := do.MustInvoke[*config.Config](i)
		d, err := db.New(cfg)
		if err != nil {
			return nil, err
		}
		if cfg.Database.AutoMigrate {
			_ = d.Exec("CREATE EXTENSION IF NOT EXISTS pgcrypto")

			_ = d.AutoMigrate(
				&model.User{},
				&model.Session{},
			)
		}
		return d, nil
	})

	// Redis
	do.Provide(inj, func(i *do.Injector) (*redis.Client, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return cache.New(cfg)
	})

	// RabbitMQ DialFunc for connection and reconnection
	do.Provide(inj, func(i *do.Injector) (mq.DialFunc, error) {
		cfg := do.MustInvoke[*config.Config](i)

		dialFn := func() (*amqp.Connection, error) {
			useTLS := cfg.RabbitMQ.EnableTLS || strings.HasPrefix(cfg.RabbitMQ.URL, "amqps://")

			if useTLS {
				tlsConfig := &tls.Config{
					MinVersion: tls.VersionTLS12,
				}
				url := cfg.RabbitMQ.URL
				if strings.HasPrefix(url, "amqp://") {
					url = strings.Replace(url, "amqp://", "amqps://", 1)
				}
				return amqp.DialTLS(url, tlsConfig)
			}

			return amqp.Dial(cfg.RabbitMQ.URL)
		}

		return dialFn, nil
	})

	// RabbitMQ Connection
	do.Provide(inj, func(i *do.Injector) (*amqp.Connection, error) {
		dialFn := do.MustInvoke[mq.DialFunc](i)
		return dialFn()
	})

	// RabbitMQ Publisher
	do.Provide(inj, func(i *do.Injector) (*mq.Publisher, error) {
		cfg := do.MustInvoke[*config.Config](i)
		conn := do.MustInvoke[*amqp.Connection](i)
		log := do.MustInvoke[*zap.Logger](i)
		return mq.NewPublisher(conn, log, cfg)
	})

	// Generation task service client
	do.Provide(inj, func(i *do.Injector) (*httpclient.GenerationClient, error) {
		cfg := do.MustInvoke[*config.Config](i)
		log := do.MustInvoke[*zap.Logger](i)
		return httpclient.NewGenerationClient(cfg, log), nil
	})

	// Repo
	do.Provide(inj, func(i *do.Injector) (repo.SessionRepo, error) {
		return repo.NewSessionRepo(
			do.MustInvoke[*gorm.DB](i),
			do.MustInvoke[*zap.Logger](i),
		), nil
	})
	do.Provide(inj, func(i *do.Injector) (repo.UserRepo, error) {
		return repo.NewUserRepo(do.MustInvoke[*gorm.DB](i)), nil
	})

	// Service
	do.Provide(inj, func(i *do.Injector) (service.PrereqResolver, error) {
		return service.NewPrereqResolver(
			do.MustInvoke[repo.SessionRepo](i),
			do.MustInvoke[*accel.Catalog](i),
			do.MustInvoke[*redis.Client](i),
			do.MustInvoke[*zap.Logger](i),
		), nil
	})
	do.Provide(inj, func(i *do.Injector) (service.WorkflowService, error) {
		return service.NewWorkflowService(
			do.MustInvoke[*config.Config](i),
			do.MustInvoke[*zap.Logger](i),
			do.MustInvoke[*accel.Catalog](i),
			do.MustInvoke[repo.UserRepo](i),
			do.MustInvoke[repo.SessionRepo](i),
			do.MustInvoke[service.PrereqResolver](i),
			do.MustInvoke[*httpclient.GenerationClient](i),
			do.MustInvoke[*mq.Publisher](i),
			do.MustInvoke[*redis.Client](i),
		), nil
	})

	// Handler
	do.Provide(inj, func(i *do.Injector) (*handler.WorkflowHandler, error) {
		return handler.NewWorkflowHandler(do.MustInvoke[service.WorkflowService](i)), nil
	})

	return inj
}
