package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"elida-transcribe/internal/model"
)

// DeepgramAdapter opens a synchronous send/finish streaming session against
// Deepgram's realtime endpoint. Its reply schema is grounded on the
// teacher's DeepgramParser (type/is_final/channel.alternatives[].transcript
// shape), repurposed here from a control-message classifier into a
// transcript-segment decoder.
type DeepgramAdapter struct {
	Endpoint string
	APIKey   string
}

func (a *DeepgramAdapter) Name() string { return "deepgram" }

func (a *DeepgramAdapter) Open(ctx context.Context, callback Callback, params OpenParams) (Channel, error) {
	endpoint, err := a.buildURL(params)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if a.APIKey != "" {
		header.Set("Authorization", "Token "+a.APIKey)
	}

	conn, err := dialEndpoint(ctx, endpoint, header, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("%w: deepgram dial: %v", model.ErrSTTConnect, err)
	}

	ch := &deepgramChannel{conn: conn, callback: callback}
	ch.readLoop(ctx)
	return ch, nil
}

func (a *DeepgramAdapter) buildURL(params OpenParams) (string, error) {
	u, err := url.Parse(a.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid deepgram endpoint: %w", err)
	}
	q := u.Query()
	q.Set("language", params.Language)
	q.Set("sample_rate", strconv.Itoa(params.SampleRate))
	q.Set("channels", strconv.Itoa(params.Channels))
	if params.Model != "" {
		q.Set("model", params.Model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type deepgramChannel struct {
	conn     *websocket.Conn
	callback Callback

	closeOnce sync.Once
}

func (c *deepgramChannel) Send(ctx context.Context, audio []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageBinary, audio); err != nil {
		return fmt.Errorf("%w: %v", model.ErrSTTTransport, err)
	}
	return nil
}

func (c *deepgramChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		err = c.conn.Close(websocket.StatusNormalClosure, "finish")
	})
	return err
}

type deepgramReply struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (c *deepgramChannel) readLoop(ctx context.Context) {
	go func() {
		for {
			_, data, err := c.conn.Read(ctx)
			if err != nil {
				return
			}

			var reply deepgramReply
			if err := json.Unmarshal(data, &reply); err != nil {
				continue
			}
			if reply.Type != "Results" || len(reply.Channel.Alternatives) == 0 {
				continue
			}
			transcript := reply.Channel.Alternatives[0].Transcript
			if transcript == "" {
				continue
			}

			c.callback([]model.TranscriptSegment{{
				ID:           uuid.NewString(),
				Text:         transcript,
				SpeakerLabel: model.DefaultSpeakerLabel,
				Source:       model.SourceDeepgram,
			}})
		}
	}()
}
