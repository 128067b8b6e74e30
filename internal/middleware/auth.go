package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/courseloom/courseloom/internal/config"
	"github.com/courseloom/courseloom/internal/modules/serializer"
	"github.com/courseloom/courseloom/internal/pkg/secrets"
)

// UserHeader carries the opaque user identifier the calling frontend has
// already authenticated. The engine trusts the service token, not end users.
const UserHeader = "X-Courseloom-User"

// ServiceAuth authenticates the calling service with a static bearer token
// verified against the configured argon2id hash, then lifts the end-user
// identifier off the request for the handlers.
func ServiceAuth(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		_, authSpan := otel.Tracer("middleware").Start(ctx, "service_auth",
			trace.WithAttributes(attribute.String("middleware", "service_auth")))

		unauthorized := func() {
			authSpan.SetAttributes(attribute.Bool("authenticated", false))
			authSpan.End()
			c.AbortWithStatusJSON(http.StatusUnauthorized, serializer.AuthErr("Unauthorized"))
		}

		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			unauthorized()
			return
		}
		raw := strings.TrimPrefix(auth, "Bearer ")

		secret, ok := secrets.ParseToken(raw, cfg.Root.ServiceBearerTokenPrefix)
		if !ok {
			unauthorized()
			return
		}

		pass, err := secrets.VerifySecret(secret, cfg.Root.SecretPepper, cfg.Root.ServiceTokenHashPHC)
		if err != nil || !pass {
			unauthorized()
			return
		}

		user := strings.TrimSpace(c.GetHeader(UserHeader))
		if user == "" {
			authSpan.SetAttributes(attribute.Bool("authenticated", true))
			authSpan.End()
			c.AbortWithStatusJSON(http.StatusBadRequest, serializer.ParamErr("missing "+UserHeader+" header", nil))
			return
		}

		// Tag the root span so traces can be filtered per user.
		rootSpan := trace.SpanFromContext(c.Request.Context())
		if rootSpan.SpanContext().IsValid() {
			rootSpan.SetAttributes(attribute.String("user_identifier", user))
		}

		authSpan.SetAttributes(attribute.Bool("authenticated", true))
		authSpan.End()

		c.Set("user_identifier", user)
		c.Next()
	}
}
