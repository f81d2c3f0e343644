package provider

import (
	"context"
	"testing"
)

// fakeAdapter is a minimal Adapter stand-in; Select never calls Open, so it
// only needs a name for assertions.
type fakeAdapter struct{ name string }

func (a *fakeAdapter) Name() string { return a.name }
func (a *fakeAdapter) Open(ctx context.Context, callback Callback, params OpenParams) (Channel, error) {
	return nil, nil
}

func TestSelectExactMatchWinsOverEarlierMultiEntry(t *testing.T) {
	// deepgram is first in priority order and advertises "multi", but
	// speechmatics is the only entry that exactly supports "es" — an
	// exact match anywhere in the table must win over an earlier
	// "multi" fallback.
	table := NewTable(
		Entry{Provider: &fakeAdapter{name: "deepgram"}, Languages: languageSet("multi")},
		Entry{Provider: &fakeAdapter{name: "speechmatics"}, Languages: languageSet("es")},
	)

	entry, canonical, ok := Select(table, "es")
	if !ok {
		t.Fatal("expected a match for 'es'")
	}
	if canonical != "es" {
		t.Errorf("expected canonical 'es', got %q", canonical)
	}
	if entry.Provider.Name() != "speechmatics" {
		t.Errorf("expected exact-match entry 'speechmatics' to win, got %q", entry.Provider.Name())
	}
}

func TestSelectFallsBackToMultiAndReturnsMultiCanonical(t *testing.T) {
	table := NewTable(
		Entry{Provider: &fakeAdapter{name: "deepgram"}, Languages: languageSet("en")},
		Entry{Provider: &fakeAdapter{name: "soniox"}, Languages: languageSet("multi")},
	)

	entry, canonical, ok := Select(table, "zz")
	if !ok {
		t.Fatal("expected the multi entry to serve an otherwise-unsupported language")
	}
	if canonical != "multi" {
		t.Errorf("expected fallback canonical 'multi', got %q", canonical)
	}
	if entry.Provider.Name() != "soniox" {
		t.Errorf("expected the multi-supporting entry 'soniox', got %q", entry.Provider.Name())
	}
}

func TestSelectNormalizesAutoToMulti(t *testing.T) {
	table := NewTable(
		Entry{Provider: &fakeAdapter{name: "soniox"}, Languages: languageSet("multi")},
	)

	_, canonical, ok := Select(table, "auto")
	if !ok || canonical != "multi" {
		t.Errorf("expected 'auto' to normalize and match as 'multi', got canonical=%q ok=%v", canonical, ok)
	}
}

func TestSelectReturnsFalseWhenNothingMatches(t *testing.T) {
	table := NewTable(
		Entry{Provider: &fakeAdapter{name: "deepgram"}, Languages: languageSet("en", "es")},
	)

	_, _, ok := Select(table, "fr")
	if ok {
		t.Error("expected no match when no entry supports the language and none offers 'multi'")
	}
}

func TestTableGetReturnsRegisteredAdapter(t *testing.T) {
	dg := &fakeAdapter{name: "deepgram"}
	table := NewTable(Entry{Provider: dg, Languages: languageSet("en")})

	got, err := table.Get("deepgram")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != Adapter(dg) {
		t.Error("expected Get to return the registered adapter")
	}
}

func TestTableGetUnknownProviderErrors(t *testing.T) {
	table := NewTable(Entry{Provider: &fakeAdapter{name: "deepgram"}, Languages: languageSet("en")})

	if _, err := table.Get("nope"); err == nil {
		t.Error("expected an error for an unregistered provider name")
	}
}
