// Package logging sets up the daemon's JSON slog output. Every record passes
// through a redactor so the admin token and anything credential-shaped never
// reaches the log stream, while billing attributes like token counts and USD
// amounts pass untouched. The request middleware keeps the scrape and probe
// endpoints out of the info-level noise.
package logging

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

const redactedValue = "[REDACTED]"

// redactedKeys are attribute keys that always carry a credential: the admin
// token in either header or attribute form, and the standard auth headers.
var redactedKeys = map[string]struct{}{
	"x-admin-token":       {},
	"admin_token":         {},
	"authorization":       {},
	"proxy-authorization": {},
	"x-api-key":           {},
	"api_key":             {},
	"cookie":              {},
	"set-cookie":          {},
}

// credentialFragments catch keys we did not anticipate. Token COUNTS are
// billing data, not credentials; countSuffixes exempts them before the
// "token" fragment can match.
var credentialFragments = []string{"token", "secret", "password", "apikey"}

var countSuffixes = []string{"_tokens", "_usd"}

// level is shared by every logger Setup returns, so SetLevel takes effect
// without recreating handlers.
var level = new(slog.LevelVar)

// Setup builds the daemon logger: JSON to stdout behind the redactor. The
// result is also installed as the slog default.
func Setup(levelName string) *slog.Logger {
	SetLevel(levelName)
	base := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	logger := slog.New(&Redactor{next: base})
	slog.SetDefault(logger)
	return logger
}

// SetLevel changes the log level at runtime. Unknown names mean "info".
func SetLevel(name string) {
	switch strings.ToLower(name) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

// Redactor is an slog.Handler that rewrites credential-shaped attributes
// before they reach the wrapped handler, recursing into groups.
type Redactor struct {
	next slog.Handler
}

func (h *Redactor) Enabled(ctx context.Context, l slog.Level) bool {
	return h.next.Enabled(ctx, l)
}

func (h *Redactor) Handle(ctx context.Context, r slog.Record) error {
	clean := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(redact(a))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func (h *Redactor) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = redact(a)
	}
	return &Redactor{next: h.next.WithAttrs(clean)}
}

func (h *Redactor) WithGroup(name string) slog.Handler {
	return &Redactor{next: h.next.WithGroup(name)}
}

func redact(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		members := a.Value.Group()
		clean := make([]slog.Attr, len(members))
		for i, m := range members {
			clean[i] = redact(m)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(clean...)}
	}

	key := strings.ToLower(a.Key)
	if _, ok := redactedKeys[key]; ok {
		return slog.String(a.Key, redactedValue)
	}
	for _, suffix := range countSuffixes {
		if strings.HasSuffix(key, suffix) {
			return a
		}
	}
	for _, fragment := range credentialFragments {
		if strings.Contains(key, fragment) {
			return slog.String(a.Key, redactedValue)
		}
	}
	return a
}

// quietPaths are hit continuously by probes and scrapers; each request is
// still logged, but at debug so the info stream stays readable.
var quietPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// RequestLogger is chi middleware emitting one record per request. Probe and
// scrape traffic logs at debug, server errors at error, everything else at
// info. Headers and bodies are never logged.
func RequestLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			lvl := slog.LevelInfo
			switch {
			case ww.Status() >= http.StatusInternalServerError:
				lvl = slog.LevelError
			case quietPaths[r.URL.Path]:
				lvl = slog.LevelDebug
			}
			logger.LogAttrs(r.Context(), lvl, "http_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
