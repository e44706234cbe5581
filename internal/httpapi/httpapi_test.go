package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/N9-Developer-Empowerment/budgetchain/internal/chain"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/decision"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/events"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/failure"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/fsstore"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/history"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/hostcfg"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/ledger"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/metrics"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/plugin"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/switcher"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newServer(t *testing.T) (*httptest.Server, Dependencies) {
	t.Helper()
	dataDir := t.TempDir()
	logger := discardLogger()

	chainPath := filepath.Join(dataDir, "provider-chain.json")
	doc := chain.Document{Providers: []chain.Provider{
		{
			ID: "anthropic", Priority: 1, Enabled: true, MaxDailyUSD: 5.0,
			Models: map[string]string{"default": "claude-sonnet-4-20250514"},
		},
		{
			ID: "ollama", Priority: 99, Enabled: true, MaxDailyUSD: 0,
			Models: map[string]string{"default": "qwen3:8b"},
		},
	}}
	if err := fsstore.WriteJSON(chainPath, doc); err != nil {
		t.Fatal(err)
	}
	registry, err := chain.Load(chainPath)
	if err != nil {
		t.Fatal(err)
	}

	led := ledger.New(filepath.Join(dataDir, "chain-budget.json"), registry)
	failures := failure.NewTracker(filepath.Join(dataDir, "failure-tracker.json"))
	engine := decision.NewEngine(registry, led, failures, logger)

	cfgPath := filepath.Join(dataDir, "openclaw.json")
	if err := os.WriteFile(cfgPath, []byte(`{"agents":{"defaults":{"model":{"primary":"anthropic/claude-sonnet-4-20250514"}}}}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	patcher := hostcfg.New(cfgPath, []string{"true"}, logger)
	sw := switcher.New(filepath.Join(dataDir, "switcher-state.json"), "http://127.0.0.1:1", patcher, logger)

	archive, err := history.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = archive.Close() })
	if err := archive.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}

	admin, err := NewAdminToken("test-admin-token", dataDir, logger)
	if err != nil {
		t.Fatal(err)
	}

	reg := metrics.New()
	bus := events.NewBus()
	p := plugin.New(plugin.Options{
		Logger:    logger,
		ChainMode: true,
		Registry:  registry,
		Ledger:    led,
		Failures:  failures,
		Engine:    engine,
		Patcher:   patcher,
		Switcher:  sw,
		Metrics:   reg,
		Archive:   archive,
		Bus:       bus,
	})

	d := Dependencies{
		Logger:    logger,
		ChainMode: true,
		Plugin:    p,
		Registry:  registry,
		Ledger:    led,
		Switcher:  sw,
		Metrics:   reg,
		Archive:   archive,
		Bus:       bus,
		Admin:     admin,
	}
	r := chi.NewRouter()
	MountRoutes(r, d)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, d
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	srv, _ := newServer(t)
	var body map[string]any
	if code := getJSON(t, srv.URL+"/healthz", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["status"] != "ok" || body["mode"] != "chain" {
		t.Errorf("body = %v", body)
	}
}

func TestPreTurnHookReturnsInjection(t *testing.T) {
	srv, _ := newServer(t)

	payload := `{"prompt":"write a short summary"}`
	resp, err := http.Post(srv.URL+"/hooks/before_agent_start", "application/json", bytes.NewBufferString(payload))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		PrependContext string `json:"prependContext"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.PrependContext == "" {
		t.Error("expected a cost-optimization injection")
	}
}

func TestPostTurnHookRecordsBudget(t *testing.T) {
	srv, d := newServer(t)

	payload := `{
		"model": "anthropic/claude-sonnet-4-20250514",
		"messages": [{
			"role": "assistant",
			"content": "a sufficiently long assistant reply body",
			"usage": {"input_tokens": 2000, "output_tokens": 1000, "cost": {"total": 0.75}}
		}]
	}`
	resp, err := http.Post(srv.URL+"/hooks/agent_end", "application/json", bytes.NewBufferString(payload))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var budget struct {
		Providers map[string]struct {
			SpentUSD  float64 `json:"spentUsd"`
			Exhausted bool    `json:"exhausted"`
		} `json:"providers"`
	}
	if code := getJSON(t, srv.URL+"/v1/budget", &budget); code != http.StatusOK {
		t.Fatalf("budget status = %d", code)
	}
	if budget.Providers["anthropic"].SpentUSD != 0.75 {
		t.Errorf("spent = %v", budget.Providers["anthropic"].SpentUSD)
	}

	// The transaction also lands in the archive.
	txs, err := d.Archive.ListTransactions(context.Background(), 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 1 || txs[0].CostUSD != 0.75 {
		t.Errorf("archive rows = %+v", txs)
	}
}

func TestHookRejectsGarbagePayload(t *testing.T) {
	srv, _ := newServer(t)
	resp, err := http.Post(srv.URL+"/hooks/agent_end", "application/json", bytes.NewBufferString("{nope"))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStatusAndChainEndpoints(t *testing.T) {
	srv, _ := newServer(t)

	var status map[string]any
	if code := getJSON(t, srv.URL+"/v1/status", &status); code != http.StatusOK {
		t.Fatalf("status endpoint = %d", code)
	}
	if status["mode"] != "chain" || status["activeProvider"] != "anthropic" {
		t.Errorf("status = %v", status)
	}
	if status["onLocalFallback"] != false {
		t.Errorf("onLocalFallback = %v", status["onLocalFallback"])
	}

	var chainOut struct {
		Providers []chain.Provider `json:"providers"`
	}
	if code := getJSON(t, srv.URL+"/v1/chain", &chainOut); code != http.StatusOK {
		t.Fatalf("chain endpoint = %d", code)
	}
	if len(chainOut.Providers) != 2 {
		t.Errorf("providers = %d", len(chainOut.Providers))
	}
}

func TestHistoryEndpoints(t *testing.T) {
	srv, d := newServer(t)

	err := d.Archive.RecordSwitch(context.Background(), history.SwitchRow{
		Timestamp: time.Now().UTC(), FromProvider: "anthropic", ToProvider: "ollama", Reason: "budget_exhausted",
	})
	if err != nil {
		t.Fatal(err)
	}

	var out struct {
		Switches []history.SwitchRow `json:"switches"`
	}
	if code := getJSON(t, srv.URL+"/v1/history/switches", &out); code != http.StatusOK {
		t.Fatalf("switches endpoint = %d", code)
	}
	if len(out.Switches) != 1 || out.Switches[0].ToProvider != "ollama" {
		t.Errorf("switches = %+v", out.Switches)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newServer(t)
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}
}

func TestEventsStream(t *testing.T) {
	srv, d := newServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	// The subscriber registers before the first flush reaches us, so publish
	// once we have seen the connected preamble.
	scanner := bufio.NewScanner(resp.Body)
	var published, sawSwitch bool
	var got []string
	for scanner.Scan() {
		line := scanner.Text()
		got = append(got, line)
		if strings.HasPrefix(line, "event: connected") && !published {
			published = true
			d.Bus.Publish(events.Event{
				Type:         events.TypeSwitch,
				FromProvider: "anthropic",
				ToProvider:   "ollama",
				Reason:       "budget_exhausted",
			})
		}
		if strings.Contains(line, "budget_exhausted") {
			sawSwitch = true
			cancel()
			break
		}
	}
	if !published {
		t.Fatalf("never saw connected event; lines: %q", got)
	}
	if !sawSwitch {
		t.Fatalf("never saw switch event; lines: %q", got)
	}
}

func adminReq(t *testing.T, method, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("X-Admin-Token", token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestAdminRequiresToken(t *testing.T) {
	srv, _ := newServer(t)

	if resp := adminReq(t, http.MethodPost, srv.URL+"/admin/v1/budget/reset", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing token status = %d", resp.StatusCode)
	}
	if resp := adminReq(t, http.MethodPost, srv.URL+"/admin/v1/budget/reset", "wrong"); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d", resp.StatusCode)
	}
	if resp := adminReq(t, http.MethodPost, srv.URL+"/admin/v1/budget/reset", "test-admin-token"); resp.StatusCode != http.StatusOK {
		t.Errorf("valid token status = %d", resp.StatusCode)
	}
}

func TestAdminBudgetReset(t *testing.T) {
	srv, d := newServer(t)

	if err := d.Ledger.RecordTransaction("anthropic", "anthropic/claude-sonnet-4-20250514", 100, 50, 2.5); err != nil {
		t.Fatal(err)
	}
	if resp := adminReq(t, http.MethodPost, srv.URL+"/admin/v1/budget/reset", "test-admin-token"); resp.StatusCode != http.StatusOK {
		t.Fatalf("reset status = %d", resp.StatusCode)
	}
	doc, err := d.Ledger.Load()
	if err != nil {
		t.Fatal(err)
	}
	if doc.Providers["anthropic"].SpentUSD != 0 || len(doc.Transactions) != 0 {
		t.Errorf("ledger not reset: %+v", doc)
	}
}

func TestAdminChainReload(t *testing.T) {
	srv, d := newServer(t)

	// Disable the premium provider on disk, then reload.
	var doc chain.Document
	if ok, err := fsstore.ReadJSON(d.Registry.Path(), &doc); !ok || err != nil {
		t.Fatalf("read chain: ok=%v err=%v", ok, err)
	}
	doc.Providers[0].Enabled = false
	if err := fsstore.WriteJSON(d.Registry.Path(), doc); err != nil {
		t.Fatal(err)
	}

	if resp := adminReq(t, http.MethodPost, srv.URL+"/admin/v1/chain/reload", "test-admin-token"); resp.StatusCode != http.StatusOK {
		t.Fatalf("reload status = %d", resp.StatusCode)
	}
	if n := len(d.Registry.Enabled()); n != 1 {
		t.Errorf("enabled providers after reload = %d, want 1", n)
	}
}

func TestGeneratedAdminTokenWrittenToPlainFile(t *testing.T) {
	dir := t.TempDir()

	a, err := NewAdminToken("", dir, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, ".admin-token.plain"))
	if err != nil {
		t.Fatalf("generated token must be written for the operator: %v", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		t.Fatal("plain token file is empty")
	}
	if !a.Verify(token) {
		t.Error("token from plain file must verify")
	}
}

func TestAdminTokenPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	logger := discardLogger()

	first, err := NewAdminToken("", dir, logger)
	if err != nil {
		t.Fatal(err)
	}
	token, err := first.Rotate()
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a restart without the env var: only the hash survives.
	second, err := NewAdminToken("", dir, logger)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Verify(token) {
		t.Error("persisted hash must accept the rotated token")
	}
	if second.Verify("not-the-token") {
		t.Error("wrong token accepted")
	}
}
