// Package audio implements the Audio Processor (C3): per-session codec
// decode and STT provider channel management, including the
// profile-calibration dual-channel window of §4.3.
package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"layeh.com/gopus"

	"elida-transcribe/internal/audio/provider"
	"elida-transcribe/internal/model"
)

// Codec identifies the wire audio encoding.
type Codec string

const (
	CodecPCM8      Codec = "pcm8"
	CodecPCM16     Codec = "pcm16"
	CodecOpus      Codec = "opus"
	CodecOpusFS320 Codec = "opus_fs320"
)

// ProfileLoader resolves a user's calibration audio, grounded on §6's
// speech-profile storage interface.
type ProfileLoader interface {
	// LoadProfileAudio returns decoded calibration audio and its duration,
	// or ok=false if the user has no stored profile.
	LoadProfileAudio(ctx context.Context, uid string) (audio []byte, duration time.Duration, ok bool)
}

// Config configures one Processor instance.
type Config struct {
	UID                  string
	Language             string
	SampleRate            int
	Codec                 Codec
	Channels              int
	IncludeSpeechProfile  bool
	ProfileWindowPadding  time.Duration
	Table                 *provider.Table
}

// Processor is the per-session audio pipeline: codec decode plus up to two
// parallel STT provider channels (primary + profile calibration).
type Processor struct {
	cfg      Config
	profiles ProfileLoader
	callback func(segments []model.TranscriptSegment)

	decoder *gopus.Decoder
	frameSize int

	mu                    sync.Mutex
	primary               provider.Channel
	calibration           provider.Channel
	timerStart            time.Time
	window                time.Duration
	speechProfileProcessed bool

	sttLanguage       string
	translationLanguage string
}

// NewProcessor constructs a Processor. Opus decode state and frame size are
// fixed at construction per §4.3 ("Frame size is fixed per session").
func NewProcessor(cfg Config, profiles ProfileLoader, callback func(segments []model.TranscriptSegment)) (*Processor, error) {
	p := &Processor{cfg: cfg, profiles: profiles, callback: callback, frameSize: 160}

	if cfg.Codec == CodecOpusFS320 {
		p.cfg.Codec = CodecOpus
		p.frameSize = 320
	}

	if p.cfg.Codec == CodecOpus {
		dec, err := gopus.NewDecoder(cfg.SampleRate, 1)
		if err != nil {
			return nil, fmt.Errorf("creating opus decoder: %w", err)
		}
		p.decoder = dec
	}

	return p, nil
}

// Initialize implements §4.3's initialize(): chooses the STT provider,
// loads the speech profile, opens the primary (and, if applicable,
// calibration) channel, and stamps the profile-window start time.
func (p *Processor) Initialize(ctx context.Context) (sttLanguage, translationLanguage string, err error) {
	entry, canonical, ok := provider.Select(p.cfg.Table, p.cfg.Language)
	if !ok {
		return "", "", model.ErrUnsupportedLanguage
	}
	p.sttLanguage = canonical
	p.translationLanguage = canonical

	p.mu.Lock()
	defer p.mu.Unlock()

	primary, err := entry.Provider.Open(ctx, p.emit, provider.OpenParams{
		Language:   canonical,
		SampleRate: p.cfg.SampleRate,
		Channels:   p.cfg.Channels,
		Model:      entry.Model,
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", model.ErrSTTConnect, err)
	}
	p.primary = primary
	p.timerStart = time.Now()

	if p.wantsCalibration(canonical) {
		if err := p.openCalibrationChannel(ctx, entry); err != nil {
			// ProfileLoadFailed degrades: skip calibration, session continues.
			slog.Warn("speech_profile_load_failed", "uid", p.cfg.UID, "error", err)
		}
	}

	return p.sttLanguage, p.translationLanguage, nil
}

func (p *Processor) wantsCalibration(canonical string) bool {
	return p.cfg.IncludeSpeechProfile &&
		(p.cfg.Codec == CodecOpus || p.cfg.Codec == CodecPCM16) &&
		(canonical == "en" || canonical == "multi")
}

func (p *Processor) openCalibrationChannel(ctx context.Context, entry provider.Entry) error {
	audio, duration, ok := p.profiles.LoadProfileAudio(ctx, p.cfg.UID)
	if !ok {
		p.window = 0
		return nil
	}

	padding := p.cfg.ProfileWindowPadding
	if padding <= 0 {
		padding = 5 * time.Second
	}
	p.window = duration + padding

	ch, err := entry.Provider.Open(ctx, p.emit, provider.OpenParams{
		Language:   p.sttLanguage,
		SampleRate: p.cfg.SampleRate,
		Channels:   p.cfg.Channels,
		Model:      entry.Model,
	})
	if err != nil {
		p.window = 0
		return err
	}
	if err := ch.Send(ctx, audio); err != nil {
		ch.Close()
		p.window = 0
		return err
	}
	p.calibration = ch
	return nil
}

// Push decodes (if needed) and forwards audio to the active channel(s),
// implementing §4.3's push().
func (p *Processor) Push(ctx context.Context, data []byte) error {
	decoded, err := p.decode(data)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrSTTTransport, err)
	}

	p.mu.Lock()
	primary := p.primary
	calibration := p.calibration
	inWindow := p.window > 0 && time.Since(p.timerStart) <= p.window
	if !inWindow && calibration != nil {
		p.calibration = nil
		p.speechProfileProcessed = true
	}
	p.mu.Unlock()

	if primary != nil {
		if err := primary.Send(ctx, decoded); err != nil {
			return err
		}
	}
	if inWindow && calibration != nil {
		if err := calibration.Send(ctx, decoded); err != nil {
			// The calibration channel is best-effort; only the primary's
			// failure is fatal to the session.
			slog.Warn("profile_channel_send_failed", "uid", p.cfg.UID, "error", err)
		}
	} else if !inWindow && calibration != nil {
		_ = calibration.Close()
	}

	return nil
}

func (p *Processor) decode(data []byte) ([]byte, error) {
	switch p.cfg.Codec {
	case CodecOpus:
		pcm, err := p.decoder.Decode(data, p.frameSize, false)
		if err != nil {
			return nil, err
		}
		return int16SliceToBytes(pcm), nil
	default:
		return data, nil
	}
}

// Close terminates all channels, best-effort, per §4.3's close().
func (p *Processor) Close() {
	p.mu.Lock()
	primary, calibration := p.primary, p.calibration
	p.primary, p.calibration = nil, nil
	p.mu.Unlock()

	if primary != nil {
		if err := primary.Close(); err != nil {
			slog.Warn("primary_channel_close_failed", "uid", p.cfg.UID, "error", err)
		}
	}
	if calibration != nil {
		if err := calibration.Close(); err != nil {
			slog.Warn("calibration_channel_close_failed", "uid", p.cfg.UID, "error", err)
		}
	}
}

func (p *Processor) emit(segments []model.TranscriptSegment) {
	p.mu.Lock()
	processed := p.speechProfileProcessed
	p.mu.Unlock()

	if processed {
		for i := range segments {
			segments[i].SpeechProfileProcessed = true
		}
	}
	p.callback(segments)
}

func int16SliceToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}
