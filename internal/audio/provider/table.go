package provider

import (
	"elida-transcribe/internal/config"
)

// languageSet is a convenience constructor for Entry.Languages.
func languageSet(langs ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(langs))
	for _, l := range langs {
		set[l] = struct{}{}
	}
	return set
}

// NewDefaultTable wires the three provider adapters from STTConfig into a
// selection table ordered with cfg.DefaultProvider first, matching the
// Implementations-provided set named in §4.3 (Deepgram, Soniox,
// Speechmatics).
func NewDefaultTable(cfg config.STTConfig) *Table {
	candidates := map[string]Entry{
		"deepgram": {
			Provider:  &DeepgramAdapter{Endpoint: cfg.Endpoints["deepgram"].URL, APIKey: cfg.Endpoints["deepgram"].APIKey},
			Languages: languageSet("multi", "en", "es", "fr", "de"),
			Model:     "nova-2",
		},
		"soniox": {
			Provider:  &SonioxAdapter{Endpoint: cfg.Endpoints["soniox"].URL, APIKey: cfg.Endpoints["soniox"].APIKey},
			Languages: languageSet("multi"),
			Model:     "stt-rt-preview",
		},
		"speechmatics": {
			Provider:  &SpeechmaticsAdapter{Endpoint: cfg.Endpoints["speechmatics"].URL, APIKey: cfg.Endpoints["speechmatics"].APIKey},
			Languages: languageSet("multi", "en", "es"),
			Model:     "enhanced",
		},
	}

	var entries []Entry
	if e, ok := candidates[cfg.DefaultProvider]; ok {
		entries = append(entries, e)
		delete(candidates, cfg.DefaultProvider)
	}
	for _, name := range []string{"deepgram", "soniox", "speechmatics"} {
		if e, ok := candidates[name]; ok {
			entries = append(entries, e)
		}
	}

	return NewTable(entries...)
}
