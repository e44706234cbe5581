// Package failure classifies finished turns and keeps per-provider
// consecutive-failure counters with daily reset.
package failure

import (
	"time"

	"github.com/N9-Developer-Empowerment/budgetchain/internal/fsstore"
)

// DefaultThreshold is the consecutive-failure count that triggers a
// provider switch, absent a FAILURE_THRESHOLD override.
const DefaultThreshold = 3

// ProviderRow holds one provider's counter state.
type ProviderRow struct {
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	LastFailureAt       string `json:"lastFailureAt,omitempty"`
}

// Document is the daily failure file.
type Document struct {
	Date      string                 `json:"date"`
	Providers map[string]ProviderRow `json:"providers"`
}

// Tracker owns the failure-tracker file. It is the only writer of that file.
type Tracker struct {
	path    string
	nowFunc func() time.Time
}

// NewTracker creates a tracker over the given file.
func NewTracker(path string) *Tracker {
	return &Tracker{path: path, nowFunc: time.Now}
}

// SetNowFunc overrides the clock, for rollover tests.
func (t *Tracker) SetNowFunc(fn func() time.Time) { t.nowFunc = fn }

func (t *Tracker) today() string {
	return t.nowFunc().UTC().Format("2006-01-02")
}

func (t *Tracker) load() (Document, error) {
	var doc Document
	ok, err := fsstore.ReadJSON(t.path, &doc)
	if err != nil {
		return Document{}, err
	}
	if !ok || doc.Date != t.today() {
		doc = Document{Date: t.today(), Providers: map[string]ProviderRow{}}
		if err := fsstore.WriteJSON(t.path, doc); err != nil {
			return Document{}, err
		}
	}
	if doc.Providers == nil {
		doc.Providers = map[string]ProviderRow{}
	}
	return doc, nil
}

// RecordFailure increments the provider's counter and returns the new value.
func (t *Tracker) RecordFailure(providerID string) (int, error) {
	doc, err := t.load()
	if err != nil {
		return 0, err
	}
	row := doc.Providers[providerID]
	row.ConsecutiveFailures++
	row.LastFailureAt = t.nowFunc().UTC().Format(time.RFC3339)
	doc.Providers[providerID] = row
	if err := fsstore.WriteJSON(t.path, doc); err != nil {
		return 0, err
	}
	return row.ConsecutiveFailures, nil
}

// RecordSuccess resets the provider's counter to zero.
func (t *Tracker) RecordSuccess(providerID string) error {
	doc, err := t.load()
	if err != nil {
		return err
	}
	row := doc.Providers[providerID]
	if row.ConsecutiveFailures == 0 {
		return nil
	}
	row.ConsecutiveFailures = 0
	doc.Providers[providerID] = row
	return fsstore.WriteJSON(t.path, doc)
}

// Count returns the provider's current consecutive-failure count.
func (t *Tracker) Count(providerID string) (int, error) {
	doc, err := t.load()
	if err != nil {
		return 0, err
	}
	return doc.Providers[providerID].ConsecutiveFailures, nil
}

// ShouldSwitch reports whether the provider's counter has reached threshold.
func (t *Tracker) ShouldSwitch(providerID string, threshold int) (bool, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	count, err := t.Count(providerID)
	if err != nil {
		return false, err
	}
	return count >= threshold, nil
}
