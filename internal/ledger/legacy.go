package ledger

import (
	"time"

	"github.com/N9-Developer-Empowerment/budgetchain/internal/fsstore"
)

// LegacyDocument is the single-budget ledger used when chain mode is off:
// one daily cap across all cloud spend, with the local model as the only
// fallback.
type LegacyDocument struct {
	Date         string        `json:"date"`
	SpentUSD     float64       `json:"spentUsd"`
	Transactions []Transaction `json:"transactions"`
}

// LegacyLedger owns the legacy budget file.
type LegacyLedger struct {
	path    string
	capUSD  float64
	nowFunc func() time.Time
}

// NewLegacy creates a legacy ledger with the given daily cap in USD.
func NewLegacy(path string, capUSD float64) *LegacyLedger {
	return &LegacyLedger{path: path, capUSD: capUSD, nowFunc: time.Now}
}

// SetNowFunc overrides the clock, for rollover tests.
func (l *LegacyLedger) SetNowFunc(fn func() time.Time) { l.nowFunc = fn }

// CapUSD returns the configured daily cap.
func (l *LegacyLedger) CapUSD() float64 { return l.capUSD }

func (l *LegacyLedger) today() string {
	return l.nowFunc().UTC().Format("2006-01-02")
}

// Load returns today's legacy document, resetting on day rollover.
func (l *LegacyLedger) Load() (LegacyDocument, bool, error) {
	var doc LegacyDocument
	ok, err := fsstore.ReadJSON(l.path, &doc)
	if err != nil {
		return LegacyDocument{}, false, err
	}
	if ok && doc.Date == l.today() {
		return doc, false, nil
	}
	wasReset := ok
	doc = LegacyDocument{Date: l.today()}
	if err := fsstore.WriteJSON(l.path, doc); err != nil {
		return LegacyDocument{}, false, err
	}
	return doc, wasReset, nil
}

// Record appends a transaction and folds it into the daily spend.
func (l *LegacyLedger) Record(model string, inputTokens, outputTokens int, costUSD float64) error {
	doc, _, err := l.Load()
	if err != nil {
		return err
	}
	doc.Transactions = append(doc.Transactions, Transaction{
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      costUSD,
		Timestamp:    l.nowFunc().UTC().Format(time.RFC3339),
	})
	doc.SpentUSD += costUSD
	return fsstore.WriteJSON(l.path, doc)
}

// Remaining returns today's unspent budget, which may be negative when a
// single turn overshoots the cap; callers decide how to present it.
func (l *LegacyLedger) Remaining() (float64, error) {
	doc, _, err := l.Load()
	if err != nil {
		return 0, err
	}
	return l.capUSD - doc.SpentUSD, nil
}

// Exhausted reports whether today's spend has reached the cap. A zero cap
// means unlimited.
func (l *LegacyLedger) Exhausted() (bool, error) {
	if l.capUSD <= 0 {
		return false, nil
	}
	doc, _, err := l.Load()
	if err != nil {
		return false, err
	}
	return doc.SpentUSD >= l.capUSD, nil
}

// Reset discards today's state and writes a fresh document.
func (l *LegacyLedger) Reset() error {
	return fsstore.WriteJSON(l.path, LegacyDocument{Date: l.today()})
}

// LastTransactionTimestamp mirrors Ledger.LastTransactionTimestamp.
func (l *LegacyLedger) LastTransactionTimestamp() (time.Time, error) {
	doc, _, err := l.Load()
	if err != nil {
		return time.Time{}, err
	}
	if len(doc.Transactions) == 0 {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, doc.Transactions[len(doc.Transactions)-1].Timestamp)
	if err != nil {
		return time.Time{}, nil
	}
	return ts, nil
}
