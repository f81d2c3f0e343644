package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"elida-transcribe/internal/model"
)

// SonioxAdapter opens an async send/close streaming session against
// Soniox's realtime endpoint, which accepts language_hints (§4.3), shaped
// after the same per-provider-parser idiom as DeepgramAdapter.
type SonioxAdapter struct {
	Endpoint string
	APIKey   string
}

func (a *SonioxAdapter) Name() string { return "soniox" }

func (a *SonioxAdapter) Open(ctx context.Context, callback Callback, params OpenParams) (Channel, error) {
	header := http.Header{}
	if a.APIKey != "" {
		header.Set("Authorization", "Bearer "+a.APIKey)
	}

	conn, err := dialEndpoint(ctx, a.Endpoint, header, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("%w: soniox dial: %v", model.ErrSTTConnect, err)
	}

	config := map[string]any{
		"api_key":         a.APIKey,
		"model":           orDefault(params.Model, "stt-rt-preview"),
		"sample_rate":     params.SampleRate,
		"num_channels":    params.Channels,
		"language_hints":  params.LanguageHints,
	}
	configData, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("marshaling soniox config: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, configData); err != nil {
		conn.Close(websocket.StatusInternalError, "config send failed")
		return nil, fmt.Errorf("%w: soniox config: %v", model.ErrSTTConnect, err)
	}

	ch := &sonioxChannel{conn: conn, callback: callback}
	ch.readLoop(ctx)
	return ch, nil
}

type sonioxChannel struct {
	conn     *websocket.Conn
	callback Callback

	closeOnce sync.Once
}

func (c *sonioxChannel) Send(ctx context.Context, audio []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageBinary, audio); err != nil {
		return fmt.Errorf("%w: %v", model.ErrSTTTransport, err)
	}
	return nil
}

func (c *sonioxChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.conn.Write(ctx, websocket.MessageBinary, []byte{})
		err = c.conn.Close(websocket.StatusNormalClosure, "finish")
	})
	return err
}

type sonioxReply struct {
	Tokens []struct {
		Text      string  `json:"text"`
		IsFinal   bool    `json:"is_final"`
		Speaker   string  `json:"speaker"`
		StartMs   float64 `json:"start_ms"`
		EndMs     float64 `json:"end_ms"`
	} `json:"tokens"`
}

func (c *sonioxChannel) readLoop(ctx context.Context) {
	go func() {
		for {
			_, data, err := c.conn.Read(ctx)
			if err != nil {
				return
			}

			var reply sonioxReply
			if err := json.Unmarshal(data, &reply); err != nil {
				continue
			}

			var segments []model.TranscriptSegment
			for _, tok := range reply.Tokens {
				if tok.Text == "" || !tok.IsFinal {
					continue
				}
				segments = append(segments, model.TranscriptSegment{
					ID:           uuid.NewString(),
					Text:         tok.Text,
					SpeakerLabel: orDefault(tok.Speaker, model.DefaultSpeakerLabel),
					StartSec:     tok.StartMs / 1000,
					EndSec:       tok.EndMs / 1000,
					Source:       model.SourceSoniox,
				})
			}
			if len(segments) > 0 {
				c.callback(segments)
			}
		}
	}()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
