package decision

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/N9-Developer-Empowerment/budgetchain/internal/chain"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/failure"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/fsstore"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/hostapi"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/ledger"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	registry *chain.Registry
	ledger   *ledger.Ledger
	failures *failure.Tracker
	engine   *Engine
}

func newFixture(t *testing.T, providers []chain.Provider) *fixture {
	t.Helper()
	dir := t.TempDir()

	chainPath := filepath.Join(dir, "provider-chain.json")
	if err := fsstore.WriteJSON(chainPath, chain.Document{Providers: providers}); err != nil {
		t.Fatal(err)
	}
	registry, err := chain.Load(chainPath)
	if err != nil {
		t.Fatal(err)
	}

	led := ledger.New(filepath.Join(dir, "chain-budget.json"), registry)
	failures := failure.NewTracker(filepath.Join(dir, "failure-tracker.json"))
	eng := NewEngine(registry, led, failures, discardLogger())

	return &fixture{registry: registry, ledger: led, failures: failures, engine: eng}
}

func cascadeProviders() []chain.Provider {
	return []chain.Provider{
		{ID: "provider-a", Priority: 1, Enabled: true, MaxDailyUSD: 3.0,
			Models: map[string]string{"default": "model-a"}},
		{ID: "provider-b", Priority: 2, Enabled: true, MaxDailyUSD: 2.0,
			Models: map[string]string{"default": "model-b"}},
		{ID: "provider-c", Priority: 3, Enabled: true, MaxDailyUSD: 1.0,
			Models: map[string]string{"default": "model-c"}},
		{ID: "ollama", Priority: 99, Enabled: true, MaxDailyUSD: 0,
			Models: map[string]string{"default": "qwen3:8b", "coding": "qwen3-coder:30b", "vision": "qwen3-vl:8b"}},
	}
}

func TestDecide_AllowWithinBudget(t *testing.T) {
	f := newFixture(t, cascadeProviders())

	d, err := f.engine.Decide("hello there", nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != ActionAllow {
		t.Fatalf("action = %s", d.Action)
	}
	if d.Provider != "provider-a" || d.Model != "model-a" {
		t.Errorf("provider/model = %s/%s", d.Provider, d.Model)
	}
	if d.RemainingUSD != 3.0 {
		t.Errorf("remaining = %v", d.RemainingUSD)
	}
}

func TestDecide_ExhaustionCascade(t *testing.T) {
	f := newFixture(t, cascadeProviders())

	steps := []struct {
		exhaust  string
		cost     float64
		wantNext string
	}{
		{"provider-a", 3.5, "provider-b"},
		{"provider-b", 2.5, "provider-c"},
		{"provider-c", 1.5, "ollama"},
	}

	for _, step := range steps {
		if err := f.ledger.RecordTransaction(step.exhaust, "m", 1000, 1000, step.cost); err != nil {
			t.Fatal(err)
		}
		d, err := f.engine.Decide("hello", nil)
		if err != nil {
			t.Fatal(err)
		}
		if d.Action != ActionSwitchProvider {
			t.Fatalf("after exhausting %s: action = %s", step.exhaust, d.Action)
		}
		if d.NextProvider != step.wantNext {
			t.Errorf("after exhausting %s: next = %s, want %s", step.exhaust, d.NextProvider, step.wantNext)
		}
		if err := f.ledger.RecordSwitch(d.Provider, d.NextProvider, d.Reason); err != nil {
			t.Fatal(err)
		}
	}

	// Fourth call: allowed on the free local provider.
	d, err := f.engine.Decide("hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != ActionAllow || d.Provider != "ollama" {
		t.Errorf("final decision = %+v, want allow on ollama", d)
	}
}

func TestDecide_SwitchCarriesTaskModel(t *testing.T) {
	f := newFixture(t, cascadeProviders())

	// Exhaust everything but the local provider.
	for _, p := range []string{"provider-a", "provider-b", "provider-c"} {
		if err := f.ledger.RecordTransaction(p, "m", 0, 0, 99); err != nil {
			t.Fatal(err)
		}
	}

	d, err := f.engine.Decide("fix the bug in my code", nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != ActionSwitchProvider || d.NextProvider != "ollama" {
		t.Fatalf("decision = %+v", d)
	}
	if d.Task != chain.TaskCoding || d.Model != "qwen3-coder:30b" {
		t.Errorf("task/model = %s/%s", d.Task, d.Model)
	}
}

func TestDecide_ConsecutiveFailuresSwitchDespiteBudget(t *testing.T) {
	f := newFixture(t, cascadeProviders())

	for i := 0; i < 3; i++ {
		if _, err := f.failures.RecordFailure("provider-a"); err != nil {
			t.Fatal(err)
		}
	}

	d, err := f.engine.Decide("hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != ActionSwitchProvider || d.NextProvider != "provider-b" {
		t.Fatalf("decision = %+v, want switch to provider-b", d)
	}
	if d.Reason != "consecutive_failures" {
		t.Errorf("reason = %s", d.Reason)
	}

	// One success resets the counter; switching no longer triggers.
	if err := f.failures.RecordSuccess("provider-a"); err != nil {
		t.Fatal(err)
	}
	d, err = f.engine.Decide("hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != ActionAllow {
		t.Errorf("after success: action = %s", d.Action)
	}
}

func TestDecide_AllExhausted(t *testing.T) {
	f := newFixture(t, []chain.Provider{
		{ID: "only", Priority: 1, Enabled: true, MaxDailyUSD: 1.0,
			Models: map[string]string{"default": "m"}},
	})
	if err := f.ledger.RecordTransaction("only", "m", 0, 0, 1.0); err != nil {
		t.Fatal(err)
	}

	d, err := f.engine.Decide("hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != ActionAllExhausted {
		t.Errorf("action = %s", d.Action)
	}
}

func TestDecide_DisabledActiveProvider(t *testing.T) {
	f := newFixture(t, cascadeProviders())

	// Point the ledger at a provider that is not declared at all.
	if err := f.ledger.SetActive("ghost"); err != nil {
		t.Fatal(err)
	}

	d, err := f.engine.Decide("hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != ActionSwitchProvider || d.NextProvider != "provider-a" {
		t.Errorf("decision = %+v, want switch to first available", d)
	}
	if d.Reason != "active_provider_disabled_or_missing" {
		t.Errorf("reason = %s", d.Reason)
	}
}

func TestCheckBudget_LegacyOverBudgetForcesLocal(t *testing.T) {
	f := newFixture(t, cascadeProviders())
	legacy := ledger.NewLegacy(filepath.Join(t.TempDir(), "budget.json"), 5.0)

	if err := legacy.Record("claude-sonnet-4-20250514", 100000, 50000, 5.50); err != nil {
		t.Fatal(err)
	}

	d, err := f.engine.CheckBudget(legacy, "summarize this article", nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != ActionForceLocal {
		t.Fatalf("action = %s", d.Action)
	}
	if d.Model != "qwen3:8b" || d.Task != chain.TaskGeneral {
		t.Errorf("model/task = %s/%s", d.Model, d.Task)
	}
	if d.RemainingUSD > 0 {
		t.Errorf("remaining = %v, want <= 0", d.RemainingUSD)
	}
}

func TestCheckBudget_CodingTaskRouting(t *testing.T) {
	f := newFixture(t, cascadeProviders())
	legacy := ledger.NewLegacy(filepath.Join(t.TempDir(), "budget.json"), 5.0)
	if err := legacy.Record("m", 0, 0, 6.0); err != nil {
		t.Fatal(err)
	}

	d, err := f.engine.CheckBudget(legacy, "fix the bug in my code", nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.Model != "qwen3-coder:30b" || d.Task != chain.TaskCoding {
		t.Errorf("model/task = %s/%s", d.Model, d.Task)
	}
}

func TestCheckBudget_VisionDominatesCoding(t *testing.T) {
	f := newFixture(t, cascadeProviders())
	legacy := ledger.NewLegacy(filepath.Join(t.TempDir(), "budget.json"), 5.0)
	if err := legacy.Record("m", 0, 0, 6.0); err != nil {
		t.Fatal(err)
	}

	messages := []hostapi.Message{
		{"role": "user", "content": []any{
			map[string]any{"type": "image", "source": map[string]any{"data": "…"}},
		}},
	}
	d, err := f.engine.CheckBudget(legacy, "debug this function", messages)
	if err != nil {
		t.Fatal(err)
	}
	if d.Task != chain.TaskVision || d.Model != "qwen3-vl:8b" {
		t.Errorf("model/task = %s/%s, want vision", d.Model, d.Task)
	}
}

func TestCheckBudget_WithinBudgetAllows(t *testing.T) {
	f := newFixture(t, cascadeProviders())
	legacy := ledger.NewLegacy(filepath.Join(t.TempDir(), "budget.json"), 5.0)
	if err := legacy.Record("m", 0, 0, 1.0); err != nil {
		t.Fatal(err)
	}

	d, err := f.engine.CheckBudget(legacy, "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != ActionAllow {
		t.Fatalf("action = %s", d.Action)
	}
	if d.RemainingUSD != 4.0 || d.PercentUsed != 20.0 {
		t.Errorf("remaining/percent = %v/%v", d.RemainingUSD, d.PercentUsed)
	}
}
