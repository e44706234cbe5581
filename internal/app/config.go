package app

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/N9-Developer-Empowerment/budgetchain/internal/decision"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/hostcfg"
)

// Config is the daemon configuration, resolved from the environment with an
// optional colocated .env file underneath (shell always wins).
type Config struct {
	ListenAddr string
	LogLevel   string

	// Mode: chain (ordered provider cascade) or legacy (single daily cap).
	UseChainMode bool

	DataDir        string
	HostConfigPath string
	OllamaURL      string
	HistoryDSN     string // "" disables the sqlite archive
	RestartCmd     []string

	// Legacy-mode cap; 0 means unlimited.
	DailyBudgetUSD float64

	FailureThreshold int
	AdvisoryRouting  bool // AUTO_MODEL_ROUTING=advisory
	DisableOptimize  bool

	TruncationEnabled bool
	ContextMaxTokens  int
	ContextKeepRecent int
	SessionsDir       string
	SessionKey        string

	LocalModels decision.LocalModels

	// Security & hardening.
	AdminToken     string   // "" auto-generates on first boot
	CORSOrigins    []string // allowed CORS origins; empty = ["*"]
	RateLimitRPS   int      // per-IP requests per second; 0 disables
	RateLimitBurst int

	// Opt-in OTel tracing.
	OTelEnabled     bool
	OTelEndpoint    string
	OTelSampleRatio float64 // fraction of root spans kept; 1 keeps all
}

func LoadConfig() (Config, error) {
	loadDotEnv(".env")

	dataDir := getEnv("BUDGET_DATA_DIR", "data")
	cfg := Config{
		ListenAddr: getEnv("BUDGETCHAIN_LISTEN_ADDR", ":8787"),
		LogLevel:   getEnv("BUDGETCHAIN_LOG_LEVEL", "info"),

		UseChainMode: getEnvBool("USE_CHAIN_MODE", false),

		DataDir:        dataDir,
		HostConfigPath: getEnv("OPENCLAW_CONFIG", hostcfg.DefaultPath()),
		OllamaURL:      getEnv("OLLAMA_URL", "http://localhost:11434"),
		HistoryDSN:     getEnv("BUDGETCHAIN_HISTORY_DSN", filepath.Join(dataDir, "history.sqlite")),
		RestartCmd:     getEnvStringSlice("OPENCLAW_RESTART_CMD", []string{"openclaw", "gateway", "restart"}),

		DailyBudgetUSD: getEnvFloat("DAILY_BUDGET_USD", 0),

		FailureThreshold: getEnvInt("FAILURE_THRESHOLD", 3),
		AdvisoryRouting:  getEnv("AUTO_MODEL_ROUTING", "advisory") == "advisory",
		DisableOptimize:  getEnvBool("DISABLE_PROMPT_OPTIMIZATION", false),

		TruncationEnabled: getEnvBool("CONTEXT_TRUNCATION_ENABLED", true),
		ContextMaxTokens:  getEnvInt("CONTEXT_MAX_TOKENS", 120_000),
		ContextKeepRecent: getEnvInt("CONTEXT_KEEP_RECENT", 20),
		SessionsDir:       getEnv("OPENCLAW_SESSIONS_DIR", defaultSessionsDir()),
		SessionKey:        getEnv("SESSION_KEY", "agent:main:main"),

		LocalModels: localModelsFromEnv(),

		AdminToken:     getEnv("BUDGETCHAIN_ADMIN_TOKEN", ""),
		CORSOrigins:    getEnvStringSlice("BUDGETCHAIN_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("BUDGETCHAIN_RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("BUDGETCHAIN_RATE_LIMIT_BURST", 40),

		OTelEnabled:     getEnvBool("BUDGETCHAIN_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("BUDGETCHAIN_OTEL_ENDPOINT", "localhost:4318"),
		OTelSampleRatio: getEnvFloat("BUDGETCHAIN_OTEL_SAMPLE_RATIO", 1.0),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.DailyBudgetUSD < 0 {
		return fmt.Errorf("DAILY_BUDGET_USD must be >= 0, got %f", c.DailyBudgetUSD)
	}
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("FAILURE_THRESHOLD must be > 0, got %d", c.FailureThreshold)
	}
	if c.ContextMaxTokens <= 0 {
		return fmt.Errorf("CONTEXT_MAX_TOKENS must be > 0, got %d", c.ContextMaxTokens)
	}
	if c.ContextKeepRecent < 0 {
		return fmt.Errorf("CONTEXT_KEEP_RECENT must be >= 0, got %d", c.ContextKeepRecent)
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("rate limit values must be >= 0")
	}
	if c.OTelSampleRatio < 0 || c.OTelSampleRatio > 1 {
		return fmt.Errorf("BUDGETCHAIN_OTEL_SAMPLE_RATIO must be in [0, 1], got %f", c.OTelSampleRatio)
	}
	if mode := os.Getenv("AUTO_MODEL_ROUTING"); mode != "" && mode != "off" && mode != "advisory" {
		return fmt.Errorf("AUTO_MODEL_ROUTING must be off or advisory, got %q", mode)
	}
	return nil
}

// ChainPath, LedgerPath etc. derive the well-known data file locations.
func (c Config) ChainPath() string    { return filepath.Join(c.DataDir, "provider-chain.json") }
func (c Config) LedgerPath() string   { return filepath.Join(c.DataDir, "chain-budget.json") }
func (c Config) LegacyPath() string   { return filepath.Join(c.DataDir, "budget.json") }
func (c Config) FailurePath() string  { return filepath.Join(c.DataDir, "failure-tracker.json") }
func (c Config) SwitcherPath() string { return filepath.Join(c.DataDir, "switcher-state.json") }

func defaultSessionsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".openclaw", "sessions")
	}
	return filepath.Join(home, ".openclaw", "sessions")
}

func localModelsFromEnv() decision.LocalModels {
	lm := decision.DefaultLocalModels()
	if m := os.Getenv("LOCAL_MODEL"); m != "" {
		lm.General, lm.Coding, lm.Vision = m, m, m
	}
	if m := os.Getenv("LOCAL_MODEL_GENERAL"); m != "" {
		lm.General = m
	}
	if m := os.Getenv("LOCAL_MODEL_CODING"); m != "" {
		lm.Coding = m
	}
	if m := os.Getenv("LOCAL_MODEL_VISION"); m != "" {
		lm.Vision = m
	}
	return lm
}

// loadDotEnv reads KEY=VALUE lines from a colocated .env file. Variables
// already present in the shell environment are never overridden.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
