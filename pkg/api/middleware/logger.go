package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerWithLevel logs one line per request at level. Server errors are
// always logged at error level.
func LoggerWithLevel(logger *zap.Logger, level zapcore.Level) func(next http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				lvl := level
				if status >= http.StatusInternalServerError {
					lvl = zapcore.ErrorLevel
				}
				if ce := logger.Check(lvl, "http request"); ce != nil {
					ce.Write(
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.Int("status", status),
						zap.Int("bytes", ww.BytesWritten()),
						zap.Duration("duration", time.Since(start)),
						zap.String("request_id", middleware.GetReqID(r.Context())),
						zap.String("remote_addr", r.RemoteAddr),
					)
				}
			}()

			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}
