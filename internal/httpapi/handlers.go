package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/N9-Developer-Empowerment/budgetchain/internal/hostapi"
)

func HealthHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		mode := "legacy"
		providers := 1
		if d.ChainMode {
			mode = "chain"
			providers = len(d.Registry.Enabled())
			if providers == 0 {
				w.WriteHeader(http.StatusServiceUnavailable)
				writeJSON(w, map[string]any{"status": "unhealthy", "mode": mode, "providers": 0})
				return
			}
		}
		writeJSON(w, map[string]any{"status": "ok", "mode": mode, "providers": providers})
	}
}

// PreTurnHandler relays a before_agent_start event to the plugin and returns
// the injection result, if any.
func PreTurnHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ev hostapi.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			jsonError(w, "invalid event payload", http.StatusBadRequest)
			return
		}
		res := d.Plugin.OnPreTurn(ev)
		if res == nil {
			res = &hostapi.Result{}
		}
		writeJSON(w, res)
	}
}

// PostTurnHandler relays an agent_end event to the plugin.
func PostTurnHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ev hostapi.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			jsonError(w, "invalid event payload", http.StatusBadRequest)
			return
		}
		d.Plugin.OnPostTurn(ev)
		writeJSON(w, map[string]string{"status": "recorded"})
	}
}

func StatusHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		out := map[string]any{"mode": "legacy"}

		st, err := d.Switcher.Current()
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out["onLocalFallback"] = st != nil
		if st != nil {
			out["switchedModelId"] = st.SwitchedModelID
			out["originalModel"] = st.OriginalModel
			out["switchedAt"] = st.SwitchedAt
		}

		if !d.ChainMode {
			remaining, err := d.Legacy.Remaining()
			if err != nil {
				jsonError(w, err.Error(), http.StatusInternalServerError)
				return
			}
			exhausted, _ := d.Legacy.Exhausted()
			out["remainingUsd"] = remaining
			out["exhausted"] = exhausted
			writeJSON(w, out)
			return
		}

		doc, err := d.Ledger.Load()
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		remaining, err := d.Ledger.Remaining(doc.ActiveProvider)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		total, _ := d.Ledger.TotalSpent()
		out["mode"] = "chain"
		out["date"] = doc.Date
		out["activeProvider"] = doc.ActiveProvider
		out["remainingUsd"] = remaining
		out["totalSpentUsd"] = total
		out["switchesToday"] = len(doc.SwitchHistory)
		writeJSON(w, out)
	}
}

func BudgetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if !d.ChainMode {
			legacyDoc, _, err := d.Legacy.Load()
			if err != nil {
				jsonError(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, map[string]any{
				"date":         legacyDoc.Date,
				"spentUsd":     legacyDoc.SpentUSD,
				"capUsd":       d.Legacy.CapUSD(),
				"transactions": len(legacyDoc.Transactions),
			})
			return
		}

		doc, err := d.Ledger.Load()
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		type row struct {
			SpentUSD     float64 `json:"spentUsd"`
			RemainingUSD float64 `json:"remainingUsd"`
			CapUSD       float64 `json:"capUsd"`
			Exhausted    bool    `json:"exhausted"`
		}
		rows := map[string]row{}
		for _, p := range d.Registry.All() {
			remaining, err := d.Ledger.Remaining(p.ID)
			if err != nil {
				jsonError(w, err.Error(), http.StatusInternalServerError)
				return
			}
			exhausted, _ := d.Ledger.Exhausted(p.ID)
			rows[p.ID] = row{
				SpentUSD:     doc.Providers[p.ID].SpentUSD,
				RemainingUSD: remaining,
				CapUSD:       p.MaxDailyUSD,
				Exhausted:    exhausted,
			}
		}
		writeJSON(w, map[string]any{
			"date":      doc.Date,
			"providers": rows,
		})
	}
}

func ChainHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if !d.ChainMode {
			jsonError(w, "chain mode disabled", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{"providers": d.Registry.All()})
	}
}

func pageParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	return limit, offset
}

func TransactionsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pageParams(r)
		txs, err := d.Archive.ListTransactions(r.Context(), limit, offset)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"transactions": txs})
	}
}

func SwitchesHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pageParams(r)
		sws, err := d.Archive.ListSwitches(r.Context(), limit, offset)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"switches": sws})
	}
}

func DailySpendHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days, _ := strconv.Atoi(r.URL.Query().Get("days"))
		daily, err := d.Archive.SpendByDay(r.Context(), days)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"daily": daily})
	}
}

func ChainReloadHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if !d.ChainMode {
			jsonError(w, "chain mode disabled", http.StatusNotFound)
			return
		}
		if err := d.Registry.Reload(); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		d.Logger.Info("provider chain reloaded via admin API")
		writeJSON(w, map[string]any{"status": "reloaded", "providers": len(d.Registry.All())})
	}
}

func BudgetResetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		var err error
		if d.ChainMode {
			err = d.Ledger.Reset()
		} else {
			err = d.Legacy.Reset()
		}
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		d.Logger.Warn("daily budget reset via admin API")
		writeJSON(w, map[string]string{"status": "reset"})
	}
}

func TokenRotateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		token, err := d.Admin.Rotate()
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		d.Logger.Warn("admin token rotated")
		// Returned exactly once; only the hash is persisted.
		writeJSON(w, map[string]string{"adminToken": token})
	}
}
