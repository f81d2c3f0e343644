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

// SpeechmaticsAdapter opens an async send/close streaming session against
// Speechmatics's realtime endpoint, following the same
// StartRecognition/AddTranscript control-frame shape the teacher's
// provider-parser idiom generalizes to.
type SpeechmaticsAdapter struct {
	Endpoint string
	APIKey   string
}

func (a *SpeechmaticsAdapter) Name() string { return "speechmatics" }

func (a *SpeechmaticsAdapter) Open(ctx context.Context, callback Callback, params OpenParams) (Channel, error) {
	header := http.Header{}
	if a.APIKey != "" {
		header.Set("Authorization", "Bearer "+a.APIKey)
	}

	conn, err := dialEndpoint(ctx, a.Endpoint, header, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("%w: speechmatics dial: %v", model.ErrSTTConnect, err)
	}

	start := map[string]any{
		"message": "StartRecognition",
		"audio_format": map[string]any{
			"type":        "raw",
			"encoding":    "pcm_s16le",
			"sample_rate": params.SampleRate,
		},
		"transcription_config": map[string]any{
			"language":        params.Language,
			"operating_point": orDefault(params.Model, "enhanced"),
		},
	}
	startData, err := json.Marshal(start)
	if err != nil {
		return nil, fmt.Errorf("marshaling speechmatics start message: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, startData); err != nil {
		conn.Close(websocket.StatusInternalError, "start send failed")
		return nil, fmt.Errorf("%w: speechmatics start: %v", model.ErrSTTConnect, err)
	}

	ch := &speechmaticsChannel{conn: conn, callback: callback}
	ch.readLoop(ctx)
	return ch, nil
}

type speechmaticsChannel struct {
	conn     *websocket.Conn
	callback Callback

	closeOnce sync.Once
}

func (c *speechmaticsChannel) Send(ctx context.Context, audio []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageBinary, audio); err != nil {
		return fmt.Errorf("%w: %v", model.ErrSTTTransport, err)
	}
	return nil
}

func (c *speechmaticsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.conn.Write(ctx, websocket.MessageText, []byte(`{"message":"EndOfStream","last_seq_no":0}`))
		err = c.conn.Close(websocket.StatusNormalClosure, "finish")
	})
	return err
}

type speechmaticsReply struct {
	Message string `json:"message"`
	Results []struct {
		Alternatives []struct {
			Content string `json:"content"`
		} `json:"alternatives"`
		Start float64 `json:"start_time"`
		End   float64 `json:"end_time"`
	} `json:"results"`
}

func (c *speechmaticsChannel) readLoop(ctx context.Context) {
	go func() {
		for {
			_, data, err := c.conn.Read(ctx)
			if err != nil {
				return
			}

			var reply speechmaticsReply
			if err := json.Unmarshal(data, &reply); err != nil {
				continue
			}
			if reply.Message != "AddTranscript" {
				continue
			}

			var segments []model.TranscriptSegment
			for _, r := range reply.Results {
				if len(r.Alternatives) == 0 || r.Alternatives[0].Content == "" {
					continue
				}
				segments = append(segments, model.TranscriptSegment{
					ID:           uuid.NewString(),
					Text:         r.Alternatives[0].Content,
					SpeakerLabel: model.DefaultSpeakerLabel,
					StartSec:     r.Start,
					EndSec:       r.End,
					Source:       model.SourceSpeechmatics,
				})
			}
			if len(segments) > 0 {
				c.callback(segments)
			}
		}
	}()
}
