// Package provider implements the STT provider adapter interface of §6 and
// the provider-selection table of §4.3, grounded on the teacher's backend
// Router's ordered-match selection and its per-protocol control-message
// parsers (one struct per wire format, sharing an interface).
package provider

import (
	"context"
	"fmt"

	"elida-transcribe/internal/model"
)

// Callback receives a batch of transcribed segments as a provider channel
// produces them.
type Callback func(segments []model.TranscriptSegment)

// OpenParams are the parameters C3 passes when opening a channel, matching
// §6's "STT provider adapter interface".
type OpenParams struct {
	Language        string
	SampleRate      int
	Channels        int
	Model           string
	PrerollSeconds  float64
	LanguageHints   []string
}

// Channel is one open streaming connection to a provider.
type Channel interface {
	// Send forwards decoded audio bytes; may suspend.
	Send(ctx context.Context, audio []byte) error
	// Close idempotently tears down the channel. Errors are logged by the
	// caller, never raised further (§4.3 close()).
	Close() error
}

// Adapter is implemented once per STT provider.
type Adapter interface {
	Name() string
	// Open establishes a streaming session and returns a Channel that
	// invokes callback with transcript batches as they arrive.
	Open(ctx context.Context, callback Callback, params OpenParams) (Channel, error)
}

// Entry is one row of the provider-selection table: which languages a
// provider/model pair supports.
type Entry struct {
	Provider  Adapter
	Languages map[string]struct{} // canonical languages, "multi" meaning all
	Model     string
}

// Table is an ordered provider-selection table, modeled on the teacher's
// Router: each entry is tried until one supports the requested language.
type Table struct {
	entries []Entry
}

// NewTable builds a selection table from entries in priority order.
func NewTable(entries ...Entry) *Table {
	return &Table{entries: entries}
}

// Select implements §4.3's select_provider(language) pure function: "auto"
// normalizes to "multi" before matching. An exact language match anywhere
// in the (priority-ordered) table wins over every entry's "multi" fallback;
// only once no entry exactly supports the request do we fall back to the
// first entry advertising "multi", in which case the returned canonical
// language is "multi" itself rather than the raw request. Returns
// (Entry{}, canonical, false) when nothing in the table can serve the
// language at all.
func Select(t *Table, language string) (Entry, string, bool) {
	canonical := language
	if canonical == "auto" {
		canonical = "multi"
	}

	for _, e := range t.entries {
		if _, ok := e.Languages[canonical]; ok {
			return e, canonical, true
		}
	}
	for _, e := range t.entries {
		if _, ok := e.Languages["multi"]; ok {
			return e, "multi", true
		}
	}
	return Entry{}, canonical, false
}

// Get returns the named provider adapter from the table, or an error if
// absent. The audio processor does not call it: it opens both its primary
// and profile-calibration channels through the Entry that Select returns.
func (t *Table) Get(name string) (Adapter, error) {
	for _, e := range t.entries {
		if e.Provider.Name() == name {
			return e.Provider, nil
		}
	}
	return nil, fmt.Errorf("provider %q not registered", name)
}
