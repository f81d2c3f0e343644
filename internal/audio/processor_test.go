package audio

import (
	"context"
	"testing"
	"time"

	"elida-transcribe/internal/audio/provider"
	"elida-transcribe/internal/model"
)

type fakeChannel struct {
	sent   [][]byte
	closed bool
}

func (c *fakeChannel) Send(ctx context.Context, audio []byte) error {
	c.sent = append(c.sent, audio)
	return nil
}
func (c *fakeChannel) Close() error { c.closed = true; return nil }

type fakeAdapter struct {
	name    string
	opened  []provider.OpenParams
	channel *fakeChannel
}

func (a *fakeAdapter) Name() string { return a.name }
func (a *fakeAdapter) Open(ctx context.Context, callback provider.Callback, params provider.OpenParams) (provider.Channel, error) {
	a.opened = append(a.opened, params)
	a.channel = &fakeChannel{}
	return a.channel, nil
}

type noProfileLoader struct{}

func (noProfileLoader) LoadProfileAudio(ctx context.Context, uid string) ([]byte, time.Duration, bool) {
	return nil, 0, false
}

func TestProcessorInitializeOpensPrimaryChannelWithSelectedLanguage(t *testing.T) {
	adapter := &fakeAdapter{name: "deepgram"}
	table := provider.NewTable(provider.Entry{Provider: adapter, Languages: map[string]struct{}{"en": {}}, Model: "nova-2"})

	p, err := NewProcessor(Config{UID: "uid-1", Language: "en", SampleRate: 16000, Codec: CodecPCM16, Channels: 1, Table: table}, noProfileLoader{}, func(segments []model.TranscriptSegment) {})
	if err != nil {
		t.Fatalf("unexpected error constructing processor: %v", err)
	}

	sttLang, translateLang, err := p.Initialize(context.Background())
	if err != nil {
		t.Fatalf("unexpected error initializing: %v", err)
	}
	if sttLang != "en" || translateLang != "en" {
		t.Errorf("expected stt/translation language 'en', got %q/%q", sttLang, translateLang)
	}
	if len(adapter.opened) != 1 || adapter.opened[0].Language != "en" {
		t.Errorf("expected primary channel opened with language 'en', got %+v", adapter.opened)
	}
}

func TestProcessorInitializeReturnsUnsupportedLanguageError(t *testing.T) {
	adapter := &fakeAdapter{name: "deepgram"}
	table := provider.NewTable(provider.Entry{Provider: adapter, Languages: map[string]struct{}{"en": {}}, Model: "nova-2"})

	p, err := NewProcessor(Config{UID: "uid-1", Language: "xx", SampleRate: 16000, Codec: CodecPCM16, Channels: 1, Table: table}, noProfileLoader{}, func(segments []model.TranscriptSegment) {})
	if err != nil {
		t.Fatalf("unexpected error constructing processor: %v", err)
	}

	if _, _, err := p.Initialize(context.Background()); err != model.ErrUnsupportedLanguage {
		t.Errorf("expected ErrUnsupportedLanguage, got %v", err)
	}
}

func TestProcessorPushForwardsDecodedAudioToPrimaryChannel(t *testing.T) {
	adapter := &fakeAdapter{name: "deepgram"}
	table := provider.NewTable(provider.Entry{Provider: adapter, Languages: map[string]struct{}{"en": {}}})

	p, err := NewProcessor(Config{UID: "uid-1", Language: "en", SampleRate: 16000, Codec: CodecPCM16, Channels: 1, Table: table}, noProfileLoader{}, func(segments []model.TranscriptSegment) {})
	if err != nil {
		t.Fatalf("unexpected error constructing processor: %v", err)
	}
	if _, _, err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("unexpected error initializing: %v", err)
	}

	payload := []byte{1, 2, 3, 4}
	if err := p.Push(context.Background(), payload); err != nil {
		t.Fatalf("unexpected error pushing audio: %v", err)
	}

	if len(adapter.channel.sent) != 1 {
		t.Fatalf("expected one send to the primary channel, got %d", len(adapter.channel.sent))
	}
}

func TestProcessorCloseClosesPrimaryChannel(t *testing.T) {
	adapter := &fakeAdapter{name: "deepgram"}
	table := provider.NewTable(provider.Entry{Provider: adapter, Languages: map[string]struct{}{"en": {}}})

	p, err := NewProcessor(Config{UID: "uid-1", Language: "en", SampleRate: 16000, Codec: CodecPCM16, Channels: 1, Table: table}, noProfileLoader{}, func(segments []model.TranscriptSegment) {})
	if err != nil {
		t.Fatalf("unexpected error constructing processor: %v", err)
	}
	if _, _, err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("unexpected error initializing: %v", err)
	}

	p.Close()

	if !adapter.channel.closed {
		t.Error("expected Close to close the primary channel")
	}
}
