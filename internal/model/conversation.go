package model

import (
	"sync"
	"time"
)

// Status is the conversation lifecycle state. The only legal transitions are
// in_progress -> processing -> (completed | discarded); processing is never
// resumed (I4 in spec.md §8).
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusDiscarded  Status = "discarded"
)

// Source identifies which device/pathway produced the conversation.
type Source string

const (
	SourceOmi       Source = "omi"
	SourceOpenglass Source = "openglass"
	SourceExternal  Source = "external"
	SourceEdgeAsrConv Source = "edge_asr"
)

// Geolocation is the resolved human-readable location attached to a
// conversation at finalize time (SPEC_FULL's geolocation-enrichment
// supplement).
type Geolocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
}

// ConversationPhoto is an image captured during a conversation, owned by it.
// Created only via an "openglass" source device.
type ConversationPhoto struct {
	ID          string    `json:"id"`
	BytesRef    string    `json:"bytes_ref"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Conversation is the central aggregate of the core: a user's evolving
// transcript, assembled incrementally by the Conversation Manager and
// handed off to the external downstream processor on finalize.
type Conversation struct {
	ID         string `json:"id"`
	UID        string `json:"uid"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Status     Status `json:"status"`
	Source     Source `json:"source"`
	Language   string `json:"language"`

	TranscriptSegments []TranscriptSegment `json:"transcript_segments"`
	Photos             []ConversationPhoto `json:"photos"`

	// Structured is opaque and downstream-owned: the core never reads its
	// fields, only round-trips whatever the downstream processor attaches.
	Structured map[string]any `json:"structured,omitempty"`

	Geolocation *Geolocation `json:"geolocation,omitempty"`

	IsLocked                  bool `json:"is_locked"`
	PrivateCloudSyncEnabled   bool `json:"private_cloud_sync_enabled"`
	Discarded                 bool `json:"discarded"`
}

// IsEmpty reports whether the conversation has neither segments nor photos,
// the condition under which finalize deletes rather than processes it (L3).
func (c *Conversation) IsEmpty() bool {
	return len(c.TranscriptSegments) == 0 && len(c.Photos) == 0
}

// SpeakerMap is the per-session progressive mapping from a provider's
// speaker_id to a resolved person, plus the segment-level assignment map
// applied on merge. It is owned by exactly one session tree; the fields are
// guarded by mu because speaker_assignment frames and the STT transcript
// callback (which snapshots it for each merge) can touch it concurrently.
type SpeakerMap struct {
	mu          sync.RWMutex
	bySpeakerID map[int]SpeakerIdentity
	bySegment   map[string]string // segment id -> person_id or "user"
}

// SpeakerIdentity is the progressively-learned identity behind a speaker_id.
type SpeakerIdentity struct {
	PersonID    string
	DisplayName string
}

// NewSpeakerMap constructs an empty map ready for use.
func NewSpeakerMap() *SpeakerMap {
	return &SpeakerMap{
		bySpeakerID: make(map[int]SpeakerIdentity),
		bySegment:   make(map[string]string),
	}
}

// SetSpeakerIdentity records the resolved identity for a speaker_id.
func (m *SpeakerMap) SetSpeakerIdentity(speakerID int, identity SpeakerIdentity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bySpeakerID[speakerID] = identity
}

// SpeakerIdentity returns the identity known for a speaker_id, if any.
func (m *SpeakerMap) SpeakerIdentity(speakerID int) (SpeakerIdentity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.bySpeakerID[speakerID]
	return id, ok
}

// AssignSegment records a client-issued speaker_assignment for a segment id.
// value is either "user" or a person_id.
func (m *SpeakerMap) AssignSegment(segmentID, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bySegment[segmentID] = value
}

// SegmentAssignment returns the assignment recorded for a segment id.
func (m *SpeakerMap) SegmentAssignment(segmentID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.bySegment[segmentID]
	return v, ok
}

// Snapshot returns a copy of the segment assignment map suitable for
// handing to the merge policy without holding the session's lock for the
// duration of the merge.
func (m *SpeakerMap) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.bySegment))
	for k, v := range m.bySegment {
		out[k] = v
	}
	return out
}
