package middleware

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"relaygrid/pkg/tracing"
)

// TracingMiddleware opens one span per request. A nop when tracing is
// disabled; the spans are non-recording then.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, c.FullPath())
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		tracing.AddSpanAttributes(ctx,
			attribute.Int("http.status_code", c.Writer.Status()),
		)
	}
}
