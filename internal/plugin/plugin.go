// Package plugin adapts the budget components to the OpenClaw hook contract.
// The host loads the plugin once, calls Register, and fires hooks; everything
// here must swallow its own errors, because a panic or error escaping a hook
// handler takes the whole agent down with it.
package plugin

import (
	"context"
	"log/slog"
	"time"

	"github.com/N9-Developer-Empowerment/budgetchain/internal/chain"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/decision"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/events"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/failure"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/history"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/hostapi"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/hostcfg"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/ledger"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/metrics"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/pricing"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/session"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/switcher"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/usage"
)

// Options wires the plugin's collaborators. Metrics, Archive, and Bus are optional;
// either ChainMode with Registry+Ledger or legacy mode with Legacy must be
// configured.
type Options struct {
	Logger    *slog.Logger
	ChainMode bool

	Registry *chain.Registry
	Ledger   *ledger.Ledger
	Legacy   *ledger.LegacyLedger
	Failures *failure.Tracker
	Engine   *decision.Engine
	Patcher  *hostcfg.Patcher
	Switcher *switcher.Switcher

	Metrics *metrics.Registry
	Archive *history.Archive
	Bus     *events.Bus

	SessionsDir       string
	SessionKey        string
	TruncationEnabled bool
	ContextMaxTokens  int
	ContextKeepRecent int
}

// Plugin is the hook-facing facade over the budget components.
type Plugin struct {
	o Options
}

func New(o Options) *Plugin {
	return &Plugin{o: o}
}

// Register subscribes both hooks on the host API. Pre-turn runs early
// (priority 10) so the injection lands before other plugins; post-turn runs
// late (priority 90) so other observers see the raw transcript first.
func (p *Plugin) Register(api hostapi.API) {
	api.On(hostapi.HookBeforeAgentStart, p.OnPreTurn, 10)
	api.On(hostapi.HookAgentEnd, p.OnPostTurn, 90)
}

// guard recovers a hook panic. The host must never see one.
func (p *Plugin) guard(hook string) {
	if r := recover(); r != nil {
		p.o.Logger.Error("hook handler panicked",
			slog.String("hook", hook), slog.Any("panic", r))
	}
}

func (p *Plugin) publish(e events.Event) {
	if p.o.Bus != nil {
		p.o.Bus.Publish(e)
	}
}

func (p *Plugin) observe(hook string, start time.Time) {
	if p.o.Metrics != nil {
		ms := float64(time.Since(start)) / float64(time.Millisecond)
		p.o.Metrics.HookLatency.WithLabelValues(hook).Observe(ms)
	}
}

// OnPreTurn runs the new-day restore path, consults the decision engine, and
// returns the cost-optimization injection for the outgoing prompt.
func (p *Plugin) OnPreTurn(ev hostapi.Event) *hostapi.Result {
	defer p.guard(hostapi.HookBeforeAgentStart)
	defer p.observe(hostapi.HookBeforeAgentStart, time.Now())

	p.restoreOnRollover()

	if !p.o.ChainMode {
		return p.preTurnLegacy(ev)
	}

	d, err := p.o.Engine.Decide(ev.Prompt, ev.Messages)
	if err != nil {
		p.o.Logger.Error("pre-turn decision failed", slog.Any("error", err))
		return nil
	}
	p.o.Engine.LogDecision(d)
	p.countDecision(d)

	if d.Action != decision.ActionAllow {
		// Switching is the post-turn's job; injecting a preface into a turn
		// that is about to be re-routed would only confuse the model.
		return nil
	}
	if inj := p.o.Engine.BuildInjection(d, ev.Prompt, ev.Messages); inj != "" {
		return &hostapi.Result{PrependContext: inj}
	}
	return nil
}

func (p *Plugin) preTurnLegacy(ev hostapi.Event) *hostapi.Result {
	d, err := p.o.Engine.CheckBudget(p.o.Legacy, ev.Prompt, ev.Messages)
	if err != nil {
		p.o.Logger.Error("pre-turn budget check failed", slog.Any("error", err))
		return nil
	}
	p.o.Engine.LogDecision(d)
	p.countDecision(d)

	if d.Action == decision.ActionForceLocal {
		if err := p.o.Switcher.SwitchToLocal(context.Background(), d.Model); err != nil {
			p.o.Logger.Error("local switch failed", slog.Any("error", err))
		}
		return nil
	}
	if inj := p.o.Engine.BuildInjection(d, ev.Prompt, ev.Messages); inj != "" {
		return &hostapi.Result{PrependContext: inj}
	}
	return nil
}

// OnPostTurn classifies the finished turn, posts usage to the ledger, applies
// any switch verdict, and finally evaluates session size.
func (p *Plugin) OnPostTurn(ev hostapi.Event) *hostapi.Result {
	defer p.guard(hostapi.HookAgentEnd)
	defer p.observe(hostapi.HookAgentEnd, time.Now())

	p.trackFailure(ev)
	p.recordUsage(ev)

	if p.o.ChainMode {
		p.applyChainVerdict(ev)
	} else {
		p.applyLegacyVerdict(ev)
	}

	p.truncateSession()
	return nil
}

// restoreOnRollover detects the first load of a new day and, when the fresh
// budget is healthy, restores the original model.
func (p *Plugin) restoreOnRollover() {
	var wasReset bool
	var err error
	if p.o.ChainMode {
		_, wasReset, err = p.o.Ledger.LoadWithStatus()
	} else {
		_, wasReset, err = p.o.Legacy.Load()
	}
	if err != nil {
		p.o.Logger.Error("ledger load failed", slog.Any("error", err))
		return
	}
	if !wasReset {
		return
	}
	p.o.Logger.Info("daily budget reset")
	p.publish(events.Event{Type: events.TypeRollover})
	if err := p.o.Switcher.RestoreIfHealthy(true); err != nil {
		p.o.Logger.Error("restore after reset failed", slog.Any("error", err))
	}
}

func (p *Plugin) trackFailure(ev hostapi.Event) {
	provider := p.activeProvider()
	failed, reason := failure.Classify(ev)
	if !failed {
		if err := p.o.Failures.RecordSuccess(provider); err != nil {
			p.o.Logger.Error("failure counter reset failed", slog.Any("error", err))
		}
		return
	}

	count, err := p.o.Failures.RecordFailure(provider)
	if err != nil {
		p.o.Logger.Error("failure record failed", slog.Any("error", err))
		return
	}
	p.o.Logger.Warn("turn failed",
		slog.String("provider", provider),
		slog.String("reason", reason),
		slog.Int("consecutive", count))
	if p.o.Metrics != nil {
		p.o.Metrics.TurnFailuresTotal.WithLabelValues(provider, reason).Inc()
	}
	p.publish(events.Event{Type: events.TypeFailure, Provider: provider, Reason: reason})
}

func (p *Plugin) recordUsage(ev hostapi.Event) {
	since := p.sinceCutoff()
	turn := usage.Aggregate(ev.Messages, ev.Model, pricing.ResolveCost(ev.Model), since)
	if turn == nil {
		return
	}

	provider := p.activeProvider()
	var err error
	if p.o.ChainMode {
		err = p.o.Ledger.RecordTransaction(provider, turn.Model,
			turn.InputTokens, turn.OutputTokens, turn.CostUSD)
	} else {
		err = p.o.Legacy.Record(turn.Model, turn.InputTokens, turn.OutputTokens, turn.CostUSD)
	}
	if err != nil {
		p.o.Logger.Error("usage record failed", slog.Any("error", err))
		return
	}

	p.o.Logger.Info("usage recorded",
		slog.String("provider", provider),
		slog.String("model", turn.Model),
		slog.Int("input_tokens", turn.InputTokens),
		slog.Int("output_tokens", turn.OutputTokens),
		slog.Float64("cost_usd", turn.CostUSD))

	if p.o.Metrics != nil {
		p.o.Metrics.SpendUSDTotal.WithLabelValues(provider, turn.Model).Add(turn.CostUSD)
	}
	if p.o.Archive != nil {
		err := p.o.Archive.RecordTransaction(context.Background(), history.TransactionRow{
			Timestamp:    time.Now().UTC(),
			ProviderID:   provider,
			Model:        turn.Model,
			InputTokens:  int64(turn.InputTokens),
			OutputTokens: int64(turn.OutputTokens),
			CostUSD:      turn.CostUSD,
		})
		if err != nil {
			p.o.Logger.Error("archive transaction failed", slog.Any("error", err))
		}
	}
}

func (p *Plugin) sinceCutoff() time.Time {
	var ts time.Time
	var err error
	if p.o.ChainMode {
		ts, err = p.o.Ledger.LastTransactionTimestamp()
	} else {
		ts, err = p.o.Legacy.LastTransactionTimestamp()
	}
	if err != nil {
		p.o.Logger.Warn("since cutoff unavailable", slog.Any("error", err))
		return time.Time{}
	}
	return ts
}

func (p *Plugin) applyChainVerdict(ev hostapi.Event) {
	d, err := p.o.Engine.Decide(ev.Prompt, ev.Messages)
	if err != nil {
		p.o.Logger.Error("post-turn decision failed", slog.Any("error", err))
		return
	}
	p.o.Engine.LogDecision(d)
	p.countDecision(d)

	switch d.Action {
	case decision.ActionSwitchProvider:
		p.switchProvider(d)
	case decision.ActionAllExhausted:
		// Whole chain is spent: last resort is the free local model.
		task := decision.ClassifyTask(ev.Prompt, ev.Messages)
		model := p.o.Engine.Local.ForTask(task)
		if err := p.o.Switcher.SwitchToLocal(context.Background(), model); err != nil {
			p.o.Logger.Error("local fallback failed", slog.Any("error", err))
		}
	}
}

func (p *Plugin) applyLegacyVerdict(ev hostapi.Event) {
	d, err := p.o.Engine.CheckBudget(p.o.Legacy, ev.Prompt, ev.Messages)
	if err != nil {
		p.o.Logger.Error("post-turn budget check failed", slog.Any("error", err))
		return
	}
	p.countDecision(d)
	if d.Action != decision.ActionForceLocal {
		return
	}
	if err := p.o.Switcher.SwitchToLocal(context.Background(), d.Model); err != nil {
		p.o.Logger.Error("local switch failed", slog.Any("error", err))
	}
}

// switchProvider moves the chain to the verdict's next provider. A free
// target goes through the switcher (probe + state file); a paid one is a
// straight config patch and restart. The host must actually be on the new
// provider before the ledger records the move: an aborted probe or a failed
// config patch leaves the ledger untouched so the next turn retries.
func (p *Plugin) switchProvider(d decision.Decision) {
	next := p.o.Registry.Get(d.NextProvider)
	if next != nil && next.Free() {
		if err := p.o.Switcher.SwitchToLocal(context.Background(), d.Model); err != nil {
			p.o.Logger.Error("local switch failed, staying on current provider",
				slog.Any("error", err))
			return
		}
	} else {
		modelID := d.NextProvider + "/" + d.Model
		if err := p.o.Patcher.SetPrimaryModel(modelID); err != nil {
			p.o.Logger.Error("config patch failed, staying on current provider",
				slog.Any("error", err))
			return
		}
		p.o.Logger.Warn("switched provider",
			slog.String("from", d.Provider),
			slog.String("to", d.NextProvider),
			slog.String("model", modelID),
			slog.String("reason", d.Reason))
		p.o.Patcher.Restart()
	}

	if err := p.o.Ledger.RecordSwitch(d.Provider, d.NextProvider, d.Reason); err != nil {
		p.o.Logger.Error("switch record failed", slog.Any("error", err))
		return
	}
	if p.o.Metrics != nil {
		p.o.Metrics.SwitchesTotal.WithLabelValues(d.Provider, d.NextProvider, d.Reason).Inc()
	}
	p.publish(events.Event{
		Type:         events.TypeSwitch,
		FromProvider: d.Provider,
		ToProvider:   d.NextProvider,
		Reason:       d.Reason,
		Model:        d.Model,
	})
	if p.o.Archive != nil {
		err := p.o.Archive.RecordSwitch(context.Background(), history.SwitchRow{
			Timestamp:    time.Now().UTC(),
			FromProvider: d.Provider,
			ToProvider:   d.NextProvider,
			Reason:       d.Reason,
		})
		if err != nil {
			p.o.Logger.Error("archive switch failed", slog.Any("error", err))
		}
	}
}

func (p *Plugin) truncateSession() {
	if !p.o.TruncationEnabled || p.o.SessionsDir == "" {
		return
	}
	path := session.ResolveLogPath(p.o.SessionsDir, p.o.SessionKey)
	res, err := session.Truncate(path, p.o.ContextMaxTokens, p.o.ContextKeepRecent)
	if err != nil {
		p.o.Logger.Error("session truncation failed", slog.Any("error", err))
		return
	}
	if !res.Truncated {
		return
	}
	p.o.Logger.Warn("session log truncated",
		slog.Int("removed", res.Removed),
		slog.Int("estimated_tokens", res.EstimatedTokens))
	if p.o.Metrics != nil {
		p.o.Metrics.TruncationsTotal.Inc()
	}
	p.publish(events.Event{Type: events.TypeTruncation, RemovedEntries: res.Removed})
	p.o.Patcher.Restart()
}

func (p *Plugin) activeProvider() string {
	if !p.o.ChainMode {
		return "default"
	}
	id, err := p.o.Ledger.ActiveProvider()
	if err != nil || id == "" {
		if first := p.o.Registry.FirstEnabled(); first != nil {
			return first.ID
		}
		return "unknown"
	}
	return id
}

func (p *Plugin) countDecision(d decision.Decision) {
	if p.o.Metrics != nil {
		p.o.Metrics.DecisionsTotal.WithLabelValues(string(d.Action), d.Provider).Inc()
		if d.Provider != "" {
			p.o.Metrics.RemainingUSD.WithLabelValues(d.Provider).Set(d.RemainingUSD)
		}
	}
	p.publish(events.Event{
		Type:         events.TypeDecision,
		Action:       string(d.Action),
		Provider:     d.Provider,
		Model:        d.Model,
		RemainingUSD: d.RemainingUSD,
	})
}
