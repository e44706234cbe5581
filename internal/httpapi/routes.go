// Package httpapi exposes the daemon's HTTP surface: the hook endpoints the
// host calls per turn, read-only status endpoints, Prometheus metrics, and a
// token-guarded admin surface.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/N9-Developer-Empowerment/budgetchain/internal/chain"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/events"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/history"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/ledger"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/metrics"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/plugin"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/switcher"
)

type Dependencies struct {
	Logger    *slog.Logger
	ChainMode bool

	Plugin   *plugin.Plugin
	Registry *chain.Registry
	Ledger   *ledger.Ledger
	Legacy   *ledger.LegacyLedger
	Switcher *switcher.Switcher
	Metrics  *metrics.Registry

	// Archive is nil when the sqlite history is disabled.
	Archive *history.Archive

	// Bus is nil when event streaming is disabled.
	Bus *events.Bus

	Admin *AdminToken
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", HealthHandler(d))

	r.Route("/hooks", func(r chi.Router) {
		r.Post("/before_agent_start", PreTurnHandler(d))
		r.Post("/agent_end", PostTurnHandler(d))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", StatusHandler(d))
		r.Get("/budget", BudgetHandler(d))
		r.Get("/chain", ChainHandler(d))
		if d.Archive != nil {
			r.Get("/history/transactions", TransactionsHandler(d))
			r.Get("/history/switches", SwitchesHandler(d))
			r.Get("/history/daily", DailySpendHandler(d))
		}
		if d.Bus != nil {
			r.Get("/events", EventsHandler(d))
		}
	})

	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(RequireAdmin(d.Admin))
		r.Post("/chain/reload", ChainReloadHandler(d))
		r.Post("/budget/reset", BudgetResetHandler(d))
		r.Post("/token/rotate", TokenRotateHandler(d))
	})

	r.Handle("/metrics", d.Metrics.Handler())
}

// jsonError writes a JSON-encoded error response with the given status code.
// Response body format: {"error": "<msg>"}
func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
