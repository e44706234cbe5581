// Package decision combines ledger state, the provider chain, and failure
// counters into one verdict per turn: keep going, switch provider, or report
// the whole chain spent.
package decision

import (
	"fmt"
	"log/slog"

	"github.com/N9-Developer-Empowerment/budgetchain/internal/chain"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/failure"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/hostapi"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/ledger"
)

// Action is the verdict kind.
type Action string

const (
	ActionAllow          Action = "allow"
	ActionSwitchProvider Action = "switch_provider"
	ActionAllExhausted   Action = "all_exhausted"
	// ActionForceLocal is the legacy single-budget verdict.
	ActionForceLocal Action = "force_local"
)

// Decision is the engine's verdict for the next turn.
type Decision struct {
	Action       Action     `json:"action"`
	Provider     string     `json:"provider,omitempty"`     // current provider (allow) or switch source
	NextProvider string     `json:"nextProvider,omitempty"` // switch target
	Model        string     `json:"model,omitempty"`        // bare model name for the task
	Task         chain.Task `json:"taskType"`
	Reason       string     `json:"reason,omitempty"`
	RemainingUSD float64    `json:"remainingUsd"`
	PercentUsed  float64    `json:"percentUsed"`
}

// LocalModels maps task roles to the local fallback models used by legacy
// mode, after env overrides.
type LocalModels struct {
	General string
	Coding  string
	Vision  string
}

// DefaultLocalModels returns the built-in local model slots.
func DefaultLocalModels() LocalModels {
	return LocalModels{
		General: "qwen3:8b",
		Coding:  "qwen3-coder:30b",
		Vision:  "qwen3-vl:8b",
	}
}

// ForTask returns the local model for a task role.
func (lm LocalModels) ForTask(task chain.Task) string {
	switch task {
	case chain.TaskCoding:
		return lm.Coding
	case chain.TaskVision:
		return lm.Vision
	}
	return lm.General
}

// Engine evaluates turns. It reads across ledger, registry, and failure
// state but writes none of them.
type Engine struct {
	registry         *chain.Registry
	ledger           *ledger.Ledger
	failures         *failure.Tracker
	logger           *slog.Logger
	FailureThreshold int
	AdvisoryRouting  bool
	DisableOptimize  bool
	Local            LocalModels
}

// NewEngine builds an engine over the chain-mode state.
func NewEngine(registry *chain.Registry, l *ledger.Ledger, f *failure.Tracker, logger *slog.Logger) *Engine {
	return &Engine{
		registry:         registry,
		ledger:           l,
		failures:         f,
		logger:           logger,
		FailureThreshold: failure.DefaultThreshold,
		AdvisoryRouting:  true,
		Local:            DefaultLocalModels(),
	}
}

// Decide returns the verdict for the next turn given the prompt and the
// transcript so far.
func (e *Engine) Decide(prompt string, messages []hostapi.Message) (Decision, error) {
	task := ClassifyTask(prompt, messages)

	activeID, err := e.ledger.ActiveProvider()
	if err != nil {
		return Decision{}, err
	}
	exhausted, err := e.ledger.ExhaustedSet()
	if err != nil {
		return Decision{}, err
	}

	active := e.registry.Get(activeID)
	if active == nil || !active.Enabled {
		fa := e.registry.FirstAvailable(exhausted)
		if fa == nil {
			return Decision{Action: ActionAllExhausted, Task: task, Reason: "no_enabled_provider"}, nil
		}
		return Decision{
			Action:       ActionSwitchProvider,
			Provider:     activeID,
			NextProvider: fa.ID,
			Model:        fa.ModelForTask(task),
			Task:         task,
			Reason:       "active_provider_disabled_or_missing",
		}, nil
	}

	isExhausted, err := e.ledger.Exhausted(active.ID)
	if err != nil {
		return Decision{}, err
	}
	tooManyFailures, err := e.failures.ShouldSwitch(active.ID, e.FailureThreshold)
	if err != nil {
		return Decision{}, err
	}

	if isExhausted || tooManyFailures {
		reason := "budget_exhausted"
		if !isExhausted {
			reason = "consecutive_failures"
		}
		next := e.registry.NextAfter(active.ID, exhausted)
		if next == nil {
			return Decision{Action: ActionAllExhausted, Provider: active.ID, Task: task, Reason: reason}, nil
		}
		return Decision{
			Action:       ActionSwitchProvider,
			Provider:     active.ID,
			NextProvider: next.ID,
			Model:        next.ModelForTask(task),
			Task:         task,
			Reason:       reason,
		}, nil
	}

	remaining, err := e.ledger.Remaining(active.ID)
	if err != nil {
		return Decision{}, err
	}
	var percent float64
	if active.MaxDailyUSD > 0 {
		percent = (active.MaxDailyUSD - remaining) / active.MaxDailyUSD * 100
	}
	return Decision{
		Action:       ActionAllow,
		Provider:     active.ID,
		Model:        active.ModelForTask(task),
		Task:         task,
		RemainingUSD: remaining,
		PercentUsed:  percent,
	}, nil
}

// CheckBudget is the legacy single-budget verdict: when the daily cap is
// spent, every task is forced onto the local model for its role.
func (e *Engine) CheckBudget(legacy *ledger.LegacyLedger, prompt string, messages []hostapi.Message) (Decision, error) {
	task := ClassifyTask(prompt, messages)

	exhausted, err := legacy.Exhausted()
	if err != nil {
		return Decision{}, err
	}
	remaining, err := legacy.Remaining()
	if err != nil {
		return Decision{}, err
	}

	if exhausted {
		return Decision{
			Action:       ActionForceLocal,
			Model:        e.Local.ForTask(task),
			Task:         task,
			Reason:       "daily_budget_exhausted",
			RemainingUSD: remaining,
		}, nil
	}

	var percent float64
	if dailyCap := legacy.CapUSD(); dailyCap > 0 {
		percent = (dailyCap - remaining) / dailyCap * 100
	}
	return Decision{
		Action:       ActionAllow,
		Task:         task,
		RemainingUSD: remaining,
		PercentUsed:  percent,
	}, nil
}

// LogDecision emits the verdict at the level its severity deserves.
func (e *Engine) LogDecision(d Decision) {
	attrs := []any{
		slog.String("action", string(d.Action)),
		slog.String("task", string(d.Task)),
		slog.String("provider", d.Provider),
	}
	switch d.Action {
	case ActionAllow:
		e.logger.Debug("turn allowed", append(attrs,
			slog.Float64("remaining_usd", d.RemainingUSD),
			slog.Float64("percent_used", d.PercentUsed))...)
	case ActionSwitchProvider, ActionForceLocal:
		e.logger.Warn("provider switch required", append(attrs,
			slog.String("next", d.NextProvider),
			slog.String("model", d.Model),
			slog.String("reason", d.Reason))...)
	case ActionAllExhausted:
		e.logger.Error("provider chain exhausted", append(attrs,
			slog.String("reason", d.Reason))...)
	}
}

// String implements a compact form for status output.
func (d Decision) String() string {
	switch d.Action {
	case ActionSwitchProvider:
		return fmt.Sprintf("switch %s -> %s (%s)", d.Provider, d.NextProvider, d.Reason)
	case ActionForceLocal:
		return fmt.Sprintf("force local %s (%s)", d.Model, d.Reason)
	case ActionAllExhausted:
		return "all providers exhausted"
	}
	return fmt.Sprintf("allow %s ($%.2f left)", d.Provider, d.RemainingUSD)
}
