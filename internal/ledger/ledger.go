// Package ledger persists per-day, per-provider spend with atomic daily
// reset. The chain ledger is the source of truth for "who may we spend with
// today"; a sqlite archive mirrors it for long-term history.
package ledger

import (
	"fmt"
	"time"

	"github.com/N9-Developer-Empowerment/budgetchain/internal/chain"
	"github.com/N9-Developer-Empowerment/budgetchain/internal/fsstore"
)

// Transaction is one recorded turn's spend, append-only within a day.
type Transaction struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"` // provider-prefixed
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`
	Timestamp    string  `json:"timestamp"` // ISO-8601
}

// SpendRow tracks one provider's state for the day.
type SpendRow struct {
	SpentUSD  float64 `json:"spentUsd"`
	Exhausted bool    `json:"exhausted"`
}

// SwitchRecord is one provider change within the day.
type SwitchRecord struct {
	From   string `json:"from"`
	To     string `json:"to"`
	At     string `json:"at"`
	Reason string `json:"reason"`
}

// Document is the daily ledger file.
type Document struct {
	Date           string              `json:"date"` // YYYY-MM-DD, UTC
	Providers      map[string]SpendRow `json:"providers"`
	Transactions   []Transaction       `json:"transactions"`
	ActiveProvider string              `json:"activeProvider"`
	SwitchHistory  []SwitchRecord      `json:"switchHistory"`
}

// Ledger owns the chain ledger file. It is the only writer of that file.
type Ledger struct {
	path     string
	registry *chain.Registry
	nowFunc  func() time.Time
}

// New creates a ledger over the given file, bound to the registry that
// supplies budgets and the first-enabled provider on reset.
func New(path string, registry *chain.Registry) *Ledger {
	return &Ledger{path: path, registry: registry, nowFunc: time.Now}
}

// SetNowFunc overrides the clock, for rollover tests.
func (l *Ledger) SetNowFunc(fn func() time.Time) { l.nowFunc = fn }

func (l *Ledger) today() string {
	return l.nowFunc().UTC().Format("2006-01-02")
}

func (l *Ledger) fresh() Document {
	doc := Document{
		Date:      l.today(),
		Providers: map[string]SpendRow{},
	}
	if first := l.registry.FirstEnabled(); first != nil {
		doc.ActiveProvider = first.ID
	}
	for _, p := range l.registry.All() {
		doc.Providers[p.ID] = SpendRow{}
	}
	return doc
}

// Load returns today's document, resetting on day rollover.
func (l *Ledger) Load() (Document, error) {
	doc, _, err := l.LoadWithStatus()
	return doc, err
}

// LoadWithStatus additionally reports whether this load performed the daily
// reset. The flag is the only trigger for the restore-to-first-provider path.
func (l *Ledger) LoadWithStatus() (Document, bool, error) {
	var doc Document
	ok, err := fsstore.ReadJSON(l.path, &doc)
	if err != nil {
		return Document{}, false, err
	}
	if ok && doc.Date == l.today() {
		if doc.Providers == nil {
			doc.Providers = map[string]SpendRow{}
		}
		return doc, false, nil
	}

	wasReset := ok // a missing file is first creation, not a rollover
	doc = l.fresh()
	if err := fsstore.WriteJSON(l.path, doc); err != nil {
		return Document{}, false, err
	}
	return doc, wasReset, nil
}

func (l *Ledger) save(doc Document) error {
	return fsstore.WriteJSON(l.path, doc)
}

// RecordTransaction appends a transaction and folds its cost into the
// provider's spend row, flipping the exhausted flag when a non-free provider
// reaches its cap.
func (l *Ledger) RecordTransaction(provider, model string, inputTokens, outputTokens int, costUSD float64) error {
	doc, err := l.Load()
	if err != nil {
		return err
	}

	doc.Transactions = append(doc.Transactions, Transaction{
		Provider:     provider,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      costUSD,
		Timestamp:    l.nowFunc().UTC().Format(time.RFC3339),
	})

	row := doc.Providers[provider]
	row.SpentUSD += costUSD

	if p := l.registry.Get(provider); p != nil && !p.Free() && row.SpentUSD >= p.MaxDailyUSD {
		row.Exhausted = true
	}
	doc.Providers[provider] = row

	return l.save(doc)
}

// Remaining returns the provider's unspent budget for today, clamped to 0.
// Free providers always report 0 remaining but are never exhausted.
func (l *Ledger) Remaining(providerID string) (float64, error) {
	doc, err := l.Load()
	if err != nil {
		return 0, err
	}
	p := l.registry.Get(providerID)
	if p == nil || p.Free() {
		return 0, nil
	}
	rem := p.MaxDailyUSD - doc.Providers[providerID].SpentUSD
	if rem < 0 {
		rem = 0
	}
	return rem, nil
}

// Exhausted reports whether the provider may spend no more today. Equality
// with the cap counts as exhausted; free providers never exhaust.
func (l *Ledger) Exhausted(providerID string) (bool, error) {
	doc, err := l.Load()
	if err != nil {
		return false, err
	}
	return l.exhaustedIn(doc, providerID), nil
}

func (l *Ledger) exhaustedIn(doc Document, providerID string) bool {
	p := l.registry.Get(providerID)
	if p == nil {
		return false
	}
	if p.Free() {
		return false
	}
	row := doc.Providers[providerID]
	return row.Exhausted || row.SpentUSD >= p.MaxDailyUSD
}

// ExhaustedSet returns the ids of all exhausted providers today.
func (l *Ledger) ExhaustedSet() (map[string]bool, error) {
	doc, err := l.Load()
	if err != nil {
		return nil, err
	}
	set := map[string]bool{}
	for _, p := range l.registry.All() {
		if l.exhaustedIn(doc, p.ID) {
			set[p.ID] = true
		}
	}
	return set, nil
}

// ActiveProvider returns today's active provider id.
func (l *Ledger) ActiveProvider() (string, error) {
	doc, err := l.Load()
	if err != nil {
		return "", err
	}
	return doc.ActiveProvider, nil
}

// SetActive updates the active provider pointer.
func (l *Ledger) SetActive(providerID string) error {
	doc, err := l.Load()
	if err != nil {
		return err
	}
	doc.ActiveProvider = providerID
	return l.save(doc)
}

// RecordSwitch appends a switch record and moves the active pointer.
func (l *Ledger) RecordSwitch(from, to, reason string) error {
	doc, err := l.Load()
	if err != nil {
		return err
	}
	doc.SwitchHistory = append(doc.SwitchHistory, SwitchRecord{
		From:   from,
		To:     to,
		At:     l.nowFunc().UTC().Format(time.RFC3339),
		Reason: reason,
	})
	doc.ActiveProvider = to
	return l.save(doc)
}

// TotalSpent returns today's spend summed across providers.
func (l *Ledger) TotalSpent() (float64, error) {
	doc, err := l.Load()
	if err != nil {
		return 0, err
	}
	var total float64
	for _, row := range doc.Providers {
		total += row.SpentUSD
	}
	return total, nil
}

// Reset discards today's state and writes a fresh document. Admin-only
// escape hatch; normal resets happen lazily on day rollover.
func (l *Ledger) Reset() error {
	return l.save(l.fresh())
}

// LastTransactionTimestamp returns the timestamp of the newest transaction,
// used as the since cutoff to avoid double-counting replayed history. Zero
// time when the day has no transactions.
func (l *Ledger) LastTransactionTimestamp() (time.Time, error) {
	doc, err := l.Load()
	if err != nil {
		return time.Time{}, err
	}
	if len(doc.Transactions) == 0 {
		return time.Time{}, nil
	}
	last := doc.Transactions[len(doc.Transactions)-1]
	ts, err := time.Parse(time.RFC3339, last.Timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse transaction timestamp %q: %w", last.Timestamp, err)
	}
	return ts, nil
}
