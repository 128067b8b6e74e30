package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/courseloom/courseloom/internal/config"
	"github.com/courseloom/courseloom/internal/middleware"
	"github.com/courseloom/courseloom/internal/modules/handler"
	"github.com/courseloom/courseloom/internal/modules/serializer"
	"github.com/courseloom/courseloom/internal/telemetry"
)

type RouterDeps struct {
	Config          *config.Config
	Log             *zap.Logger
	WorkflowHandler *handler.WorkflowHandler
}

func NewRouter(d RouterDeps) *gin.Engine {
	// Initialize logger for serializer package
	serializer.SetLogger(d.Log)

	r := gin.New()
	r.Use(gin.Recovery())

	if d.Config.Telemetry.Enabled && d.Config.Telemetry.OtlpEndpoint != "" {
		r.Use(telemetry.GinMiddleware(d.Config.App.Name))
		// Add trace ID to response header
		r.Use(telemetry.TraceIDMiddleware())
	}

	r.Use(middleware.ZapLogger(d.Log))

	// health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, serializer.Response{Msg: "ok"}) })

	v1 := r.Group("/api/v1")
	{
		v1.Use(middleware.ServiceAuth(d.Config))

		// ping endpoint
		v1.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, serializer.Response{Msg: "pong"}) })

		accelerator := v1.Group("/accelerator")
		{
			accelerator.GET("/progress", d.WorkflowHandler.Progress)

			session := accelerator.Group("/:number/session")
			{
				session.POST("", d.WorkflowHandler.CreateOrLoadSession)
				session.GET("", d.WorkflowHandler.GetSession)
				session.DELETE("", d.WorkflowHandler.CloseSession)

				session.POST("/advance", d.WorkflowHandler.Advance)
				session.POST("/retreat", d.WorkflowHandler.Retreat)
				session.POST("/jump", d.WorkflowHandler.Jump)

				session.PATCH("/data", d.WorkflowHandler.UpdateData)

				session.POST("/generate", d.WorkflowHandler.Generate)

				session.POST("/complete", d.WorkflowHandler.Complete)
				session.POST("/reopen", d.WorkflowHandler.Reopen)
			}
		}
	}
	return r
}
