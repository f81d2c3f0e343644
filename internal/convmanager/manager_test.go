package convmanager

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"elida-transcribe/internal/config"
	"elida-transcribe/internal/convstore"
	"elida-transcribe/internal/external"
	"elida-transcribe/internal/lockservice"
	"elida-transcribe/internal/model"
)

func testStore(t *testing.T) *convstore.Store {
	t.Helper()
	store, err := convstore.New(filepath.Join(t.TempDir(), "conv.db"))
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testManagerConfig() config.Config {
	return config.Config{
		Lock: config.LockConfig{ConversationWait: time.Second},
		Session: config.SessionConfig{
			ConversationTimeoutMin: 120 * time.Second,
			ConversationTimeoutMax: 14400 * time.Second,
		},
		Merge: config.MergeConfig{CoalesceGapSeconds: 0.5},
	}
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	return New(testStore(t), lockservice.NewMemoryLock(), external.IdentityProcessor{}, external.NoopIntegrationsTrigger{}, external.NoopGeoResolver{}, testManagerConfig())
}

// recordingEmitter captures the lifecycle events Rehydrate/Finalize raise
// so tests can assert on them without a real session.
type recordingEmitter struct {
	lastConversationIDs  []string
	processingStarted    []*model.Conversation
	created              []*model.Conversation
	createdMessages      [][]string
}

func (r *recordingEmitter) EmitLastConversation(conversationID string) {
	r.lastConversationIDs = append(r.lastConversationIDs, conversationID)
}

func (r *recordingEmitter) EmitConversationProcessingStarted(conv *model.Conversation) {
	r.processingStarted = append(r.processingStarted, conv)
}

func (r *recordingEmitter) EmitConversationCreated(conv *model.Conversation, messages []string) {
	r.created = append(r.created, conv)
	r.createdMessages = append(r.createdMessages, messages)
}

func TestRehydrateCreatesFreshConversationWhenNoneExists(t *testing.T) {
	m := testManager(t)
	emit := &recordingEmitter{}

	conv, secondsToAdd, err := m.Rehydrate(context.Background(), "uid-1", model.SourceOmi, "en", false, 120*time.Second, emit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conv.Status != model.StatusInProgress {
		t.Errorf("expected fresh conversation to be in_progress, got %q", conv.Status)
	}
	if secondsToAdd != 0 {
		t.Errorf("expected secondsToAdd 0 for a fresh conversation, got %v", secondsToAdd)
	}

	got, err := m.store.GetInProgress("uid-1")
	if err != nil || got == nil {
		t.Fatalf("expected the new conversation to be visible via GetInProgress immediately, got %v, err %v", got, err)
	}
	if got.ID != conv.ID {
		t.Errorf("expected in-progress pointer to reference %s, got %s", conv.ID, got.ID)
	}
}

func TestRehydrateResumesExistingInProgressWithinTimeout(t *testing.T) {
	m := testManager(t)
	emit := &recordingEmitter{}

	first, _, err := m.Rehydrate(context.Background(), "uid-1", model.SourceOmi, "en", false, 120*time.Second, emit)
	if err != nil {
		t.Fatalf("unexpected error on first rehydrate: %v", err)
	}

	second, _, err := m.Rehydrate(context.Background(), "uid-1", model.SourceOmi, "en", false, 120*time.Second, emit)
	if err != nil {
		t.Fatalf("unexpected error on second rehydrate: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected reconnect within timeout to resume conversation %s, got a different one %s", first.ID, second.ID)
	}
}

func TestRehydrateExpiresStaleInProgressUsingRequestedTimeout(t *testing.T) {
	m := testManager(t)
	emit := &recordingEmitter{}

	first, _, err := m.Rehydrate(context.Background(), "uid-1", model.SourceOmi, "en", false, 120*time.Second, emit)
	if err != nil {
		t.Fatalf("unexpected error on first rehydrate: %v", err)
	}

	// Backdate finished_at so the conversation looks idle past the
	// caller-requested 130s timeout, which lies within the configured
	// 120s..14400s bounds and is used unclamped.
	stale := time.Now().Add(-200 * time.Second)
	if err := m.store.UpdateSegments(first.ID, "uid-1", first.TranscriptSegments, stale); err != nil {
		t.Fatalf("backdating conversation: %v", err)
	}

	second, _, err := m.Rehydrate(context.Background(), "uid-1", model.SourceOmi, "en", false, 130*time.Second, emit)
	if err != nil {
		t.Fatalf("unexpected error on second rehydrate: %v", err)
	}
	if second.ID == first.ID {
		t.Error("expected a stale in-progress conversation past its timeout to be finalized and replaced")
	}
}

func TestFinalizeDeletesEmptyConversationAndLeavesFreshOne(t *testing.T) {
	m := testManager(t)
	emit := &recordingEmitter{}

	conv, _, err := m.Rehydrate(context.Background(), "uid-1", model.SourceOmi, "en", false, 120*time.Second, emit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.Finalize(context.Background(), "uid-1", conv.ID, emit); err != nil {
		t.Fatalf("unexpected error finalizing empty conversation: %v", err)
	}

	if got, err := m.store.Get(conv.ID); err != nil || got != nil {
		t.Errorf("expected empty conversation to be deleted, got %+v (err %v)", got, err)
	}
	if len(emit.created) != 0 {
		t.Errorf("expected no ConversationCreated event for an empty-conversation finalize, got %d", len(emit.created))
	}

	fresh, err := m.store.GetInProgress("uid-1")
	if err != nil || fresh == nil {
		t.Fatalf("expected a fresh in-progress conversation after finalize, got %v, err %v", fresh, err)
	}
	if fresh.ID == conv.ID {
		t.Error("expected the fresh conversation to have a new id")
	}
}

func TestFinalizeProcessesNonEmptyConversation(t *testing.T) {
	m := testManager(t)
	emit := &recordingEmitter{}

	conv, _, err := m.Rehydrate(context.Background(), "uid-1", model.SourceOmi, "en", false, 120*time.Second, emit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	segments := []model.TranscriptSegment{{ID: "seg-1", StartSec: 0, EndSec: 1, Text: "hello"}}
	if _, err := m.Merge(context.Background(), "uid-1", conv.ID, segments, nil, time.Now(), nil); err != nil {
		t.Fatalf("unexpected error merging segments: %v", err)
	}

	if err := m.Finalize(context.Background(), "uid-1", conv.ID, emit); err != nil {
		t.Fatalf("unexpected error finalizing: %v", err)
	}

	if len(emit.processingStarted) != 1 || emit.processingStarted[0].ID != conv.ID {
		t.Errorf("expected ConversationProcessingStarted for %s, got %+v", conv.ID, emit.processingStarted)
	}
	if len(emit.created) != 1 {
		t.Fatalf("expected one ConversationCreated event, got %d", len(emit.created))
	}
	if emit.created[0].Status != model.StatusCompleted {
		t.Errorf("expected finalized conversation status completed, got %q", emit.created[0].Status)
	}

	fresh, err := m.store.GetInProgress("uid-1")
	if err != nil || fresh == nil || fresh.ID == conv.ID {
		t.Errorf("expected a new in-progress conversation left behind after finalize, got %+v, err %v", fresh, err)
	}
}
