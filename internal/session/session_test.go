package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"elida-transcribe/internal/config"
	"elida-transcribe/internal/external"
)

func testConfig() config.Config {
	return config.Config{
		Session: config.SessionConfig{
			InactivityTimeout:      30 * time.Second,
			HeartbeatInterval:      10 * time.Second,
			UsageInterval:          60 * time.Second,
			ConversationTimeoutMin: 120 * time.Second,
			ConversationTimeoutMax: 14400 * time.Second,
			MonitorInterval:        5 * time.Second,
			SilentUserThreshold:    15 * time.Minute,
		},
	}
}

func TestSessionIDAndUID(t *testing.T) {
	sess := newTestSession(t, "sess-1", "uid-1")
	if sess.ID() != "sess-1" {
		t.Errorf("expected ID 'sess-1', got %s", sess.ID())
	}
	if sess.UID() != "uid-1" {
		t.Errorf("expected UID 'uid-1', got %s", sess.UID())
	}
}

func TestSessionSnapshotDefaults(t *testing.T) {
	sess := newTestSession(t, "sess-1", "uid-1")
	info := sess.Snapshot()

	if info.ID != "sess-1" || info.UID != "uid-1" {
		t.Errorf("unexpected snapshot identity: %+v", info)
	}
	if info.ConversationID != "" {
		t.Errorf("expected empty conversation id before rehydration, got %q", info.ConversationID)
	}
	if info.EdgeASR {
		t.Error("expected edge ASR false by default")
	}
}

func TestIsEdgeASRModeToggledByTranscriptSegmentFrame(t *testing.T) {
	sess := newTestSession(t, "sess-1", "uid-1")
	if sess.isEdgeASRMode() {
		t.Fatal("expected edge ASR mode false before any frame")
	}

	frame := ClientFrame{Type: FrameTranscriptSegment, Text: "hello there"}
	sess.handleTextFrame(context.Background(), mustMarshal(t, frame))

	if !sess.isEdgeASRMode() {
		t.Error("expected edge ASR mode true after a transcript_segment frame")
	}
}

func TestHandleTextFrameStopReturnsTrue(t *testing.T) {
	sess := newTestSession(t, "sess-1", "uid-1")
	frame := ClientFrame{Type: FrameStop}

	if stop := sess.handleTextFrame(context.Background(), mustMarshal(t, frame)); !stop {
		t.Error("expected stop frame to signal stop=true")
	}
}

func TestHandleTextFrameSpeakerAssignmentDefaultsToUser(t *testing.T) {
	sess := newTestSession(t, "sess-1", "uid-1")
	frame := ClientFrame{Type: FrameSpeakerAssignment, SegmentID: "seg-1"}

	sess.handleTextFrame(context.Background(), mustMarshal(t, frame))

	value, ok := sess.speakers.SegmentAssignment("seg-1")
	if !ok || value != "user" {
		t.Errorf("expected segment assigned to 'user', got %q (ok=%v)", value, ok)
	}
}

func TestHandleTextFrameSpeakerAssignmentWithPersonID(t *testing.T) {
	sess := newTestSession(t, "sess-1", "uid-1")
	frame := ClientFrame{Type: FrameSpeakerAssignment, SegmentID: "seg-1", PersonID: "person-42"}

	sess.handleTextFrame(context.Background(), mustMarshal(t, frame))

	value, ok := sess.speakers.SegmentAssignment("seg-1")
	if !ok || value != "person-42" {
		t.Errorf("expected segment assigned to 'person-42', got %q (ok=%v)", value, ok)
	}
}

func TestHandleTextFrameSpeakerAssignmentResolvesPersonName(t *testing.T) {
	users := external.NewMemoryUserStore()
	users.SetPerson("uid-1", external.Person{ID: "person-9", Name: "Alex"})
	sess := New("sess-1", Params{UID: "uid-1", Language: "en"}, nil, testConfig(), nil, users, nil, nil, nil, nil, nil)

	frame := ClientFrame{Type: FrameSpeakerAssignment, SegmentID: "seg-1", PersonName: "Alex"}
	sess.handleTextFrame(context.Background(), mustMarshal(t, frame))

	value, ok := sess.speakers.SegmentAssignment("seg-1")
	if !ok || value != "person-9" {
		t.Errorf("expected segment assigned to 'person-9', got %q (ok=%v)", value, ok)
	}
}

func TestHandleTextFrameSpeakerAssignmentUnknownPersonNameIgnored(t *testing.T) {
	users := external.NewMemoryUserStore()
	sess := New("sess-1", Params{UID: "uid-1", Language: "en"}, nil, testConfig(), nil, users, nil, nil, nil, nil, nil)

	frame := ClientFrame{Type: FrameSpeakerAssignment, SegmentID: "seg-1", PersonName: "Nobody"}
	sess.handleTextFrame(context.Background(), mustMarshal(t, frame))

	if _, ok := sess.speakers.SegmentAssignment("seg-1"); ok {
		t.Error("expected unresolved person_name to leave the segment unassigned")
	}
}

func TestHandleTextFrameUnknownTypeIgnored(t *testing.T) {
	sess := newTestSession(t, "sess-1", "uid-1")
	frame := ClientFrame{Type: "something_unrecognized"}

	if stop := sess.handleTextFrame(context.Background(), mustMarshal(t, frame)); stop {
		t.Error("expected unknown frame types to be ignored, not stop the session")
	}
}

func TestHandleEdgeASRSegmentSkipsEmptyText(t *testing.T) {
	sess := newTestSession(t, "sess-1", "uid-1")
	sess.mu.Lock()
	sess.userHasCredits = true
	sess.mu.Unlock()

	// Blank text must never reach onTranscript/Merge. onTranscript records
	// LastTranscriptAt before it looks for a current conversation, so a
	// segment that got through would show here even with none set.
	frame := ClientFrame{Text: "   "}
	sess.handleEdgeASRSegment(context.Background(), frame)

	if got := sess.Snapshot(); !got.LastTranscriptAt.IsZero() {
		t.Error("expected no transcript to have been recorded for blank text")
	}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
