package chain

import (
	"path/filepath"
	"testing"

	"github.com/N9-Developer-Empowerment/budgetchain/internal/fsstore"
)

func writeChain(t *testing.T, providers []Provider) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "provider-chain.json")
	if err := fsstore.WriteJSON(path, Document{Providers: providers}); err != nil {
		t.Fatal(err)
	}
	r, err := Load(path)
	if err != nil {
		t.Fatalf("load chain: %v", err)
	}
	return r
}

func testProviders() []Provider {
	return []Provider{
		{ID: "provider-a", Priority: 1, Enabled: true, MaxDailyUSD: 3.0,
			Models: map[string]string{"default": "model-a"}},
		{ID: "provider-b", Priority: 2, Enabled: true, MaxDailyUSD: 2.0,
			Models: map[string]string{"default": "model-b", "coding": "model-b-code"}},
		{ID: "provider-c", Priority: 3, Enabled: true, MaxDailyUSD: 1.0,
			Models: map[string]string{"default": "model-c"}},
		{ID: "ollama", Priority: 99, Enabled: true, MaxDailyUSD: 0,
			Models: map[string]string{"default": "qwen3:8b", "vision": "qwen3-vl:8b"}},
	}
}

func TestLoadWritesDefaultWhenAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "provider-chain.json")
	r, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	first := r.FirstEnabled()
	if first == nil || first.ID != "anthropic" {
		t.Errorf("expected anthropic first in default chain, got %+v", first)
	}

	// The default must have been persisted.
	var doc Document
	ok, err := fsstore.ReadJSON(path, &doc)
	if err != nil || !ok {
		t.Fatalf("default chain not written: ok=%v err=%v", ok, err)
	}
	if len(doc.Providers) == 0 {
		t.Error("persisted default chain is empty")
	}
}

func TestEnabledOrdering(t *testing.T) {
	ps := testProviders()
	ps[1].Enabled = false // disable provider-b
	r := writeChain(t, ps)

	enabled := r.Enabled()
	want := []string{"provider-a", "provider-c", "ollama"}
	if len(enabled) != len(want) {
		t.Fatalf("enabled count = %d, want %d", len(enabled), len(want))
	}
	for i, id := range want {
		if enabled[i].ID != id {
			t.Errorf("enabled[%d] = %s, want %s", i, enabled[i].ID, id)
		}
	}
}

func TestEnabledTieBreakByID(t *testing.T) {
	r := writeChain(t, []Provider{
		{ID: "zeta", Priority: 1, Enabled: true, Models: map[string]string{"default": "z"}},
		{ID: "alpha", Priority: 1, Enabled: true, Models: map[string]string{"default": "a"}},
	})
	enabled := r.Enabled()
	if enabled[0].ID != "alpha" || enabled[1].ID != "zeta" {
		t.Errorf("tie not broken lexicographically: %s, %s", enabled[0].ID, enabled[1].ID)
	}
}

func TestNextAfterSkipsExhausted(t *testing.T) {
	r := writeChain(t, testProviders())

	next := r.NextAfter("provider-a", map[string]bool{"provider-b": true})
	if next == nil || next.ID != "provider-c" {
		t.Errorf("expected provider-c, got %+v", next)
	}
}

func TestNextAfterFreeProviderAlwaysEligible(t *testing.T) {
	r := writeChain(t, testProviders())

	// Even when marked exhausted, the free provider stays in the chain.
	next := r.NextAfter("provider-c", map[string]bool{"ollama": true})
	if next == nil || next.ID != "ollama" {
		t.Errorf("expected ollama despite exhausted mark, got %+v", next)
	}
}

func TestNextAfterEndOfChain(t *testing.T) {
	r := writeChain(t, testProviders())
	if next := r.NextAfter("ollama", nil); next != nil {
		t.Errorf("expected nil past end of chain, got %+v", next)
	}
}

func TestFirstAvailable(t *testing.T) {
	r := writeChain(t, testProviders())

	fa := r.FirstAvailable(map[string]bool{"provider-a": true, "provider-b": true})
	if fa == nil || fa.ID != "provider-c" {
		t.Errorf("expected provider-c, got %+v", fa)
	}

	all := map[string]bool{"provider-a": true, "provider-b": true, "provider-c": true}
	fa = r.FirstAvailable(all)
	if fa == nil || fa.ID != "ollama" {
		t.Errorf("free provider should remain available, got %+v", fa)
	}
}

func TestModelForTaskFallback(t *testing.T) {
	r := writeChain(t, testProviders())

	b := r.Get("provider-b")
	if got := b.ModelForTask(TaskCoding); got != "model-b-code" {
		t.Errorf("coding model = %s", got)
	}
	if got := b.ModelForTask(TaskVision); got != "model-b" {
		t.Errorf("vision should fall back to default, got %s", got)
	}
	if got := b.ModelForTask(TaskGeneral); got != "model-b" {
		t.Errorf("general model = %s", got)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PROVIDER_A_DAILY_BUDGET_USD", "7.5")
	t.Setenv("PROVIDER_B_ENABLED", "FALSE")
	t.Setenv("PROVIDER_C_DAILY_BUDGET_USD", "not-a-number") // ignored

	r := writeChain(t, testProviders())

	if got := r.Get("provider-a").MaxDailyUSD; got != 7.5 {
		t.Errorf("budget override = %v, want 7.5", got)
	}
	if r.Get("provider-b").Enabled {
		t.Error("enabled override not applied")
	}
	if got := r.Get("provider-c").MaxDailyUSD; got != 1.0 {
		t.Errorf("invalid override should be ignored, got %v", got)
	}

	// Overrides must not mutate the on-disk declaration.
	var doc Document
	if _, err := fsstore.ReadJSON(r.Path(), &doc); err != nil {
		t.Fatal(err)
	}
	for _, p := range doc.Providers {
		if p.ID == "provider-a" && p.MaxDailyUSD != 3.0 {
			t.Errorf("on-disk budget mutated: %v", p.MaxDailyUSD)
		}
		if p.ID == "provider-b" && !p.Enabled {
			t.Error("on-disk enabled flag mutated")
		}
	}
}

func TestEnvKey(t *testing.T) {
	if got := EnvKey("z-ai"); got != "Z_AI" {
		t.Errorf("EnvKey = %s", got)
	}
}
