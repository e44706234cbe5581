package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// capture returns a redacting logger writing JSON records into buf.
func capture(buf *bytes.Buffer) *slog.Logger {
	base := slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(&Redactor{next: base})
}

func record(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &out); err != nil {
		t.Fatalf("log record is not JSON: %v\n%s", err, buf.String())
	}
	return out
}

func TestRedactsCredentialKeys(t *testing.T) {
	cases := []struct {
		key   string
		value string
	}{
		{"x-admin-token", "deadbeef"},
		{"admin_token", "deadbeef"},
		{"Authorization", "Bearer sk-ant-123"},
		{"api_key", "sk-12345"},
		{"refresh_token", "rt-789"},
		{"db_password", "hunter2"},
		{"webhook_secret", "whsec_42"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			var buf bytes.Buffer
			capture(&buf).Info("msg", slog.String(tc.key, tc.value))

			rec := record(t, &buf)
			if rec[tc.key] != "[REDACTED]" {
				t.Errorf("%s = %v, want [REDACTED]", tc.key, rec[tc.key])
			}
			if strings.Contains(buf.String(), tc.value) {
				t.Errorf("credential value leaked into log: %s", buf.String())
			}
		})
	}
}

func TestBillingAttributesPassThrough(t *testing.T) {
	var buf bytes.Buffer
	capture(&buf).Info("turn recorded",
		slog.String("provider", "anthropic"),
		slog.Int("input_tokens", 1000),
		slog.Int("output_tokens", 500),
		slog.Float64("cost_usd", 0.42),
		slog.Float64("remaining_usd", 9.58))

	rec := record(t, &buf)
	if rec["input_tokens"] != float64(1000) || rec["output_tokens"] != float64(500) {
		t.Errorf("token counts must not be redacted: %v", rec)
	}
	if rec["cost_usd"] != 0.42 || rec["remaining_usd"] != 9.58 {
		t.Errorf("USD amounts must not be redacted: %v", rec)
	}
	if rec["provider"] != "anthropic" {
		t.Errorf("provider = %v", rec["provider"])
	}
}

func TestRedactsInsideGroups(t *testing.T) {
	var buf bytes.Buffer
	capture(&buf).Info("msg",
		slog.Group("request",
			slog.String("x-admin-token", "deadbeef"),
			slog.String("path", "/v1/budget/reset")))

	if strings.Contains(buf.String(), "deadbeef") {
		t.Errorf("grouped credential leaked: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "/v1/budget/reset") {
		t.Errorf("non-sensitive group member dropped: %s", buf.String())
	}
}

func TestWithAttrsRedacts(t *testing.T) {
	var buf bytes.Buffer
	capture(&buf).With(slog.String("session_token", "tok-123")).Info("msg")

	if strings.Contains(buf.String(), "tok-123") {
		t.Errorf("With-bound credential leaked: %s", buf.String())
	}
}

func TestSetLevelIsDynamic(t *testing.T) {
	ctx := context.Background()
	logger := Setup("error")
	if logger.Enabled(ctx, slog.LevelInfo) {
		t.Error("info enabled at error level")
	}
	SetLevel("debug")
	if !logger.Enabled(ctx, slog.LevelDebug) {
		t.Error("debug not enabled after SetLevel(debug)")
	}
	SetLevel("nonsense")
	if logger.Enabled(ctx, slog.LevelDebug) {
		t.Error("unknown level must fall back to info")
	}
}

func TestRequestLoggerEmitsOneRecord(t *testing.T) {
	var buf bytes.Buffer
	logger := capture(&buf)

	h := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/status", nil))

	rec := record(t, &buf)
	if rec["msg"] != "http_request" || rec["path"] != "/v1/status" {
		t.Errorf("record = %v", rec)
	}
	if rec["status"] != float64(http.StatusTeapot) {
		t.Errorf("status = %v", rec["status"])
	}
	if rec["level"] != "INFO" {
		t.Errorf("level = %v, want INFO", rec["level"])
	}
}

func TestRequestLoggerQuietsProbeEndpoints(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&Redactor{next: base})

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := RequestLogger(logger)(ok)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/healthz", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/metrics", nil))

	if buf.Len() != 0 {
		t.Errorf("probe traffic logged at info: %s", buf.String())
	}
}

func TestRequestLoggerErrorsAtErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := capture(&buf)

	h := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/v1/budget/reset", nil))

	rec := record(t, &buf)
	if rec["level"] != "ERROR" {
		t.Errorf("level = %v, want ERROR for 5xx", rec["level"])
	}
}
