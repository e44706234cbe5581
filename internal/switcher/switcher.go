// Package switcher persists whether the agent is currently on the local
// fallback model and drives the switch-to-local and restore-on-new-day
// paths. The state file doubles as the lock that prevents restart loops: as
// long as it says "local", no further local switch is initiated.
package switcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/N9-Developer-Empowerment/budgetchain/internal/fsstore"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/hostcfg"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/tracing"
)

// probeTimeout bounds the local-provider availability check. A slow local
// daemon is treated as unavailable; we abort the switch instead of blocking
// the hook.
const probeTimeout = 3 * time.Second

// Mode values for the persisted state.
const (
	ModeCloud = "cloud"
	ModeLocal = "local"
)

// State is the persisted switcher document. It exists on disk only while
// mode == local.
type State struct {
	Mode            string `json:"mode"`
	OriginalModel   string `json:"originalModel"`
	SwitchedAt      string `json:"switchedAt"`
	SwitchedModelID string `json:"switchedModelId"`
}

// Switcher owns the switcher-state file.
type Switcher struct {
	path      string
	ollamaURL string
	patcher   *hostcfg.Patcher
	logger    *slog.Logger
	client    *http.Client
	nowFunc   func() time.Time
}

// New creates a switcher. ollamaURL is the local provider base URL.
func New(path, ollamaURL string, patcher *hostcfg.Patcher, logger *slog.Logger) *Switcher {
	return &Switcher{
		path:      path,
		ollamaURL: ollamaURL,
		patcher:   patcher,
		logger:    logger,
		client:    &http.Client{Timeout: probeTimeout, Transport: tracing.HTTPTransport(nil)},
		nowFunc:   time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (s *Switcher) SetNowFunc(fn func() time.Time) { s.nowFunc = fn }

// Current returns the persisted state, or nil when operating normally.
func (s *Switcher) Current() (*State, error) {
	var st State
	ok, err := fsstore.ReadJSON(s.path, &st)
	if err != nil {
		return nil, err
	}
	if !ok || st.Mode != ModeLocal {
		return nil, nil
	}
	return &st, nil
}

// OnLocal reports whether the agent is currently on the local fallback.
func (s *Switcher) OnLocal() bool {
	st, err := s.Current()
	return err == nil && st != nil
}

// tagsResponse is the shape of the local provider's model listing.
type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ProbeLocal checks that the local provider is reachable and serves the
// given model. Any probe failure means "unavailable".
func (s *Switcher) ProbeLocal(ctx context.Context, model string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.ollamaURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("local provider unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("local provider probe: HTTP %s", resp.Status)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return fmt.Errorf("local provider probe: %w", err)
	}
	for _, m := range tags.Models {
		if m.Name == model {
			return nil
		}
	}
	return fmt.Errorf("model %s not present on local provider", model)
}

// SwitchToLocal moves the host onto ollama/<model>. Idempotent: when the
// state already says local, nothing is written and no restart fires. The
// original model is captured from the host config before it is overwritten.
func (s *Switcher) SwitchToLocal(ctx context.Context, model string) error {
	if s.OnLocal() {
		s.logger.Debug("already on local fallback, skipping switch")
		return nil
	}

	if err := s.ProbeLocal(ctx, model); err != nil {
		return fmt.Errorf("abort local switch: %w", err)
	}

	original, err := s.patcher.PrimaryModel()
	if err != nil {
		return fmt.Errorf("abort local switch: %w", err)
	}

	modelID := "ollama/" + model
	if err := s.patcher.SetPrimaryModel(modelID); err != nil {
		return err
	}

	st := State{
		Mode:            ModeLocal,
		OriginalModel:   original,
		SwitchedAt:      s.nowFunc().UTC().Format(time.RFC3339),
		SwitchedModelID: modelID,
	}
	if err := fsstore.WriteJSON(s.path, st); err != nil {
		return err
	}

	s.logger.Warn("switched to local fallback",
		slog.String("model", modelID),
		slog.String("original", original))
	s.patcher.Restart()
	return nil
}

// RestoreIfHealthy runs the new-day path: when the state says local and the
// budget is healthy again, the original model is restored, the state file is
// deleted, and one restart fires. When the budget is still exhausted the
// state is left alone, which is what prevents a restart loop.
func (s *Switcher) RestoreIfHealthy(budgetHealthy bool) error {
	st, err := s.Current()
	if err != nil {
		return err
	}
	if st == nil {
		return nil
	}
	if !budgetHealthy {
		s.logger.Debug("budget still exhausted, staying on local fallback")
		return nil
	}

	if st.OriginalModel != "" {
		if err := s.patcher.SetPrimaryModel(st.OriginalModel); err != nil {
			return fmt.Errorf("restore original model: %w", err)
		}
	}
	if err := fsstore.Delete(s.path); err != nil {
		return err
	}

	s.logger.Info("restored original model after budget reset",
		slog.String("model", st.OriginalModel))
	s.patcher.Restart()
	return nil
}
