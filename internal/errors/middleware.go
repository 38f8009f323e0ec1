package errors

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

type problemNoteKey struct{}

// problemNote carries the problem type an ErrorHandler rendered back to the
// audit middleware wrapping the request.
type problemNote struct {
	problemType string
}

// renderProblem writes problem and records its type for AuditMiddleware
func renderProblem(w http.ResponseWriter, r *http.Request, problem *ProblemDetails) {
	if note, ok := r.Context().Value(problemNoteKey{}).(*problemNote); ok {
		note.problemType = problem.Type
	}
	render.Render(w, r, problem)
}

// AuditMiddleware logs every admin request with the key or session it
// touched and the problem type of a failed request.
type AuditMiddleware struct {
	logger *slog.Logger
}

// NewAuditMiddleware creates the admin audit middleware
func NewAuditMiddleware(logger *slog.Logger) *AuditMiddleware {
	return &AuditMiddleware{
		logger: logger.With(slog.String("component", "admin_audit")),
	}
}

// Handler returns the middleware handler function
func (m *AuditMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		note := &problemNote{}
		r = r.WithContext(context.WithValue(r.Context(), problemNoteKey{}, note))
		start := time.Now()

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		level := slog.LevelInfo
		if status >= 500 {
			level = slog.LevelError
		} else if status >= 400 {
			level = slog.LevelWarn
		}

		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		}
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				attrs = append(attrs, slog.String("route", pattern))
			}
			if asset := rctx.URLParam("asset"); asset != "" {
				attrs = append(attrs, slog.String("asset_name", asset))
			}
			if id := rctx.URLParam("id"); id != "" {
				attrs = append(attrs, slog.String("session_id", id))
			}
		}
		if note.problemType != "" {
			attrs = append(attrs, slog.String("problem_type", note.problemType))
		}

		m.logger.LogAttrs(r.Context(), level, "admin request", attrs...)
	})
}

// RecoveryMiddleware provides panic recovery with proper error responses
func RecoveryMiddleware(handler *ErrorHandler) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					handler.HandlePanic(w, r, err)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
