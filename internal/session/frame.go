// Package session implements the Transcription Session (C5): the single
// long-lived bidirectional stream endpoint, its client/server frame
// schemas, heartbeat/usage/monitor background tasks, and graceful shutdown.
// Grounded on the teacher's websocket.Handler's accept/spawn/frame-loop
// skeleton and voice_session.go's mutex-guarded state pattern.
package session

import (
	"time"
)

// Direction indicates which way a frame travelled. It is kept from the
// teacher's Frame type; nothing in this package reads or logs it.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// ClientFrame is the union of text JSON frames accepted from the client
// (§4.5/§6). Binary frames carry raw audio and are not represented here.
type ClientFrame struct {
	Type string `json:"type"`

	// transcript_segment (edge-ASR)
	Text       string   `json:"text,omitempty"`
	Speaker    string   `json:"speaker,omitempty"`
	Start      *float64 `json:"start,omitempty"`
	End        *float64 `json:"end,omitempty"`
	IsFinal    *bool    `json:"is_final,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`

	// image_chunk
	ID    string `json:"id,omitempty"`
	Index int    `json:"index,omitempty"`
	Total int    `json:"total,omitempty"`
	Data  string `json:"data,omitempty"`

	// speaker_assignment
	SegmentID  string `json:"segment_id,omitempty"`
	PersonID   string `json:"person_id,omitempty"`
	PersonName string `json:"person_name,omitempty"`
}

const (
	FrameTranscriptSegment = "transcript_segment"
	FrameStop              = "stop"
	FrameImageChunk        = "image_chunk"
	FrameSpeakerAssignment = "speaker_assignment"
)

// ServiceStatus is emitted to the client at initialization milestones.
type ServiceStatus struct {
	Type       string `json:"type"`
	Status     string `json:"status"`
	StatusText string `json:"status_text"`
}

func newServiceStatus(status, text string) ServiceStatus {
	return ServiceStatus{Type: "service_status", Status: status, StatusText: text}
}

// LastConversationEvent is emitted once at startup if a completed
// conversation exists.
type LastConversationEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// TranslationEvent is emitted after a merge when the session has a
// translation language set; it carries each segment's original text tagged
// with that language (no translation service is called).
type TranslationEvent struct {
	Type     string              `json:"type"`
	Segments []TranslationResult `json:"segments"`
}

// TranslationResult is one segment's entry in a TranslationEvent.
type TranslationResult struct {
	ID           string                `json:"id"`
	Translations []TranslationLangText `json:"translations"`
}

// TranslationLangText is a single language rendering.
type TranslationLangText struct {
	Lang string `json:"lang"`
	Text string `json:"text"`
}

// ConversationEvent wraps the conversation lifecycle events emitted during
// rehydration and finalize (ConversationProcessingStarted/
// ConversationCreated).
type ConversationEvent struct {
	Type         string    `json:"type"`
	Conversation any       `json:"conversation"`
	Messages     []string  `json:"messages,omitempty"`
	Discarded    bool      `json:"discarded,omitempty"`
	EmittedAt    time.Time `json:"emitted_at"`
}
