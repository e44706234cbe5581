// Package hostcfg reads and patches the OpenClaw host configuration file and
// requests host restarts. It is the only component that writes the host
// config, and it only ever touches the active-model pointer and the model
// table; every sibling key is preserved as-is.
package hostcfg

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/N9-Developer-Empowerment/budgetchain/internal/fsstore"
)

// restartTimeout bounds the host restart command; on timeout the written
// config simply takes effect on the host's next start.
const restartTimeout = 15 * time.Second

// modelAliases is the alias table installed on first run, mapping known
// model ids to short names users type.
var modelAliases = map[string]string{
	"anthropic/claude-opus-4":            "opus",
	"anthropic/claude-sonnet-4-20250514": "sonnet",
	"anthropic/claude-haiku-3-5":         "haiku",
	"moonshot/kimi-k2.5":                 "kimi",
	"ollama/qwen3:8b":                    "qwen",
	"ollama/qwen3-coder:30b":             "qwen-coder",
}

// Patcher mutates the host configuration file.
type Patcher struct {
	path       string
	restartCmd []string
	logger     *slog.Logger
}

// New creates a patcher for the config at path. restartCmd is the argv of
// the host restart command, e.g. ["openclaw", "gateway", "restart"].
func New(path string, restartCmd []string, logger *slog.Logger) *Patcher {
	return &Patcher{path: path, restartCmd: restartCmd, logger: logger}
}

// DefaultPath resolves the host config location: $OPENCLAW_CONFIG when set,
// otherwise ~/.openclaw/openclaw.json.
func DefaultPath() string {
	if p := os.Getenv("OPENCLAW_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".openclaw", "openclaw.json")
	}
	return filepath.Join(home, ".openclaw", "openclaw.json")
}

// Path returns the config file path.
func (p *Patcher) Path() string { return p.path }

// load reads the host config as a generic document. Missing or unparseable
// config is a hard error here: patching blind would risk destroying the
// host's settings.
func (p *Patcher) load() (map[string]any, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("read host config: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse host config: %w", err)
	}
	return doc, nil
}

// save re-encodes the document with sorted keys. The host reads the file
// structurally, so key order is not significant.
func (p *Patcher) save(doc map[string]any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal host config: %w", err)
	}
	data = append(data, '\n')
	return fsstore.WriteBytes(p.path, data)
}

// navigate descends doc through keys, creating objects along the way.
func navigate(doc map[string]any, keys ...string) map[string]any {
	cur := doc
	for _, k := range keys {
		next, ok := cur[k].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[k] = next
		}
		cur = next
	}
	return cur
}

// PrimaryModel returns the current active model id, or "".
func (p *Patcher) PrimaryModel() (string, error) {
	doc, err := p.load()
	if err != nil {
		return "", err
	}
	model := navigate(doc, "agents", "defaults", "model")
	s, _ := model["primary"].(string)
	return s, nil
}

// SetPrimaryModel points agents.defaults.model.primary at modelID and makes
// sure an entry for it exists in agents.defaults.models, then writes the
// config atomically. The rest of the document is untouched.
func (p *Patcher) SetPrimaryModel(modelID string) error {
	doc, err := p.load()
	if err != nil {
		return err
	}

	model := navigate(doc, "agents", "defaults", "model")
	model["primary"] = modelID

	models := navigate(doc, "agents", "defaults", "models")
	if _, ok := models[modelID]; !ok {
		models[modelID] = map[string]any{}
	}

	if err := p.save(doc); err != nil {
		return err
	}
	p.logger.Info("host config updated", slog.String("primary", modelID))
	return nil
}

// InstallDefaults performs the first-run setup: the alias table and, when no
// primary is set, the given model as the default. Existing aliases and an
// existing primary are left alone.
func (p *Patcher) InstallDefaults(premiumModel string) error {
	doc, err := p.load()
	if err != nil {
		return err
	}

	models := navigate(doc, "agents", "defaults", "models")
	for id, alias := range modelAliases {
		entry, ok := models[id].(map[string]any)
		if !ok {
			entry = map[string]any{}
		}
		if _, ok := entry["alias"]; !ok {
			entry["alias"] = alias
		}
		models[id] = entry
	}

	model := navigate(doc, "agents", "defaults", "model")
	if cur, _ := model["primary"].(string); cur == "" && premiumModel != "" {
		model["primary"] = premiumModel
		if _, ok := models[premiumModel]; !ok {
			models[premiumModel] = map[string]any{}
		}
	}

	return p.save(doc)
}

// Restart fires the host restart command with stdio discarded and a bounded
// wait. Failures are logged, never returned as fatal: the config already on
// disk takes effect whenever the host next starts.
func (p *Patcher) Restart() {
	if len(p.restartCmd) == 0 {
		p.logger.Warn("no restart command configured")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), restartTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.restartCmd[0], p.restartCmd[1:]...)
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Run(); err != nil {
		p.logger.Warn("host restart command failed",
			slog.String("cmd", strings.Join(p.restartCmd, " ")),
			slog.String("error", err.Error()))
		return
	}
	p.logger.Info("host restart requested")
}
