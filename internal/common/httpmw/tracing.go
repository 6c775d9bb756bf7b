package httpmw

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/winfunc/opcode-sub004/internal/common/errors"
	"github.com/winfunc/opcode-sub004/internal/tracing"
)

// routeIDs maps route parameters to span attributes so traces can be
// filtered by the session, checkpoint or agent a request touched.
var routeIDs = map[string]string{
	"sessionId": "opcode.session_id",
	"id":        "opcode.resource_id",
}

// OtelTracing opens a server span per request, named after the matched
// route. Handler errors recorded with c.Error end up on the span.
func OtelTracing(serverName string) gin.HandlerFunc {
	tracer := tracing.Tracer(serverName)

	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(c.Request.Method),
				semconv.HTTPRouteKey.String(route),
			))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(
			semconv.HTTPResponseStatusCodeKey.Int(status),
			attribute.String("opcode.request_id", c.GetString("request_id")),
		)
		for _, p := range c.Params {
			if key, ok := routeIDs[p.Key]; ok {
				span.SetAttributes(attribute.String(key, p.Value))
			}
		}
		if last := c.Errors.Last(); last != nil {
			span.RecordError(last.Err)
			span.SetAttributes(attribute.String("opcode.error_code", apperrors.Code(last.Err)))
		}
		if status >= 500 {
			span.SetStatus(codes.Error, c.Errors.String())
		}
	}
}
