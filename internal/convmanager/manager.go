// Package convmanager implements the Conversation Manager (C4): in-progress
// conversation rehydration, segment/photo merge under lock, idle-timeout
// finalization, and hand-off to the external downstream processor. Grounded
// on the original backend's conversation_manager.py for operation order and
// on the teacher's session.Manager for the ticker-driven monitor loop shape.
package convmanager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"elida-transcribe/internal/config"
	"elida-transcribe/internal/convstore"
	"elida-transcribe/internal/external"
	"elida-transcribe/internal/lockservice"
	"elida-transcribe/internal/model"
)

// startupRehydrationYield is applied once, before re-finalizing stale
// "processing" conversations at startup, matching the original's
// `await asyncio.sleep(1)` (SPEC_FULL's supplemented startup-yield
// feature) — it gives any in-flight finalize from a just-crashed process a
// moment to either complete or definitely be dead before we duplicate it.
const startupRehydrationYield = 1 * time.Second

// Manager is the Conversation Manager; one instance is shared by every
// session of every uid (merges for different conversation ids may
// interleave; merges for the same id are serialized by the lock).
type Manager struct {
	store      *convstore.Store
	lock       lockservice.Lock
	downstream external.DownstreamProcessor
	integrations external.IntegrationsTrigger
	geo        external.GeoResolver
	cfg        config.Config
}

// New constructs a Manager.
func New(store *convstore.Store, lock lockservice.Lock, downstream external.DownstreamProcessor, integrations external.IntegrationsTrigger, geo external.GeoResolver, cfg config.Config) *Manager {
	return &Manager{store: store, lock: lock, downstream: downstream, integrations: integrations, geo: geo, cfg: cfg}
}

// EventEmitter is implemented by C5 to receive the lifecycle events this
// package raises during rehydration and finalize.
type EventEmitter interface {
	EmitLastConversation(conversationID string)
	EmitConversationProcessingStarted(conv *model.Conversation)
	EmitConversationCreated(conv *model.Conversation, messages []string)
}

// Rehydrate implements §4.4's startup rehydration sequence and returns the
// conversation the session should resume (or a freshly created one), plus
// a seconds_to_add offset to apply to incoming segment timestamps.
func (m *Manager) Rehydrate(ctx context.Context, uid string, source model.Source, language string, privateCloudSync bool, timeout time.Duration, emit EventEmitter) (*model.Conversation, float64, error) {
	processing, err := m.store.GetProcessing(uid)
	if err != nil {
		return nil, 0, err
	}
	if len(processing) > 0 {
		time.Sleep(startupRehydrationYield)
		for _, conv := range processing {
			if err := m.Finalize(ctx, uid, conv.ID, emit); err != nil {
				slog.Error("rehydration_finalize_failed", "uid", uid, "conversation_id", conv.ID, "error", err)
			}
		}
	}

	if last, err := m.store.GetLastCompleted(uid); err == nil && last != nil {
		emit.EmitLastConversation(last.ID)
	}

	inProgress, err := m.store.GetInProgress(uid)
	if err != nil {
		return nil, 0, err
	}
	if inProgress != nil {
		timeout := m.cfg.ClampConversationTimeout(timeout)
		if time.Since(inProgress.FinishedAt) >= timeout {
			if err := m.Finalize(ctx, uid, inProgress.ID, emit); err != nil {
				return nil, 0, err
			}
			// Finalize leaves a fresh in-progress conversation behind;
			// resume that one rather than creating a second (I1).
			if fresh, err := m.store.GetInProgress(uid); err == nil && fresh != nil {
				return fresh, 0, nil
			}
			return m.create(uid, source, language, privateCloudSync)
		}

		var secondsToAdd float64
		if len(inProgress.TranscriptSegments) > 0 {
			secondsToAdd = time.Since(inProgress.StartedAt).Seconds()
		}
		return inProgress, secondsToAdd, nil
	}

	conv, _, err := m.create(uid, source, language, privateCloudSync)
	return conv, 0, err
}

func (m *Manager) create(uid string, source model.Source, language string, privateCloudSync bool) (*model.Conversation, float64, error) {
	now := time.Now().UTC()
	conv := &model.Conversation{
		ID:                      uuid.NewString(),
		UID:                     uid,
		CreatedAt:               now,
		StartedAt:               now,
		FinishedAt:              now,
		Status:                  model.StatusInProgress,
		Source:                  source,
		Language:                language,
		PrivateCloudSyncEnabled: privateCloudSync,
	}
	if err := m.storeWithRetry(func() error { return m.store.Create(conv) }); err != nil {
		return nil, 0, err
	}
	return conv, 0, nil
}

// MergeResult is the (conversation, [start,end)) pair returned by Merge, or
// a zero value when the merge could not proceed (lock contention or a
// conversation that disappeared out from under us).
type MergeResult struct {
	Conversation *model.Conversation
	Range        convstore.Range
}

// Merge implements §4.4's segment/photo merge operation.
func (m *Manager) Merge(ctx context.Context, uid, conversationID string, segments []model.TranscriptSegment, photos []model.ConversationPhoto, finishedAt time.Time, speakerAssignments map[string]string) (*MergeResult, error) {
	var result *MergeResult

	err := lockservice.WithConversationLock(ctx, m.lock, uid, conversationID, m.cfg.Lock.ConversationWait, func(ctx context.Context) error {
		conv, err := m.store.Get(conversationID)
		if err != nil {
			return err
		}
		if conv == nil {
			// Missing conversation: return none, let the idle-timeout
			// monitor repair state on its next pass.
			return nil
		}

		if len(segments) > 0 && len(conv.TranscriptSegments) == 0 {
			lastEnd := segments[len(segments)-1].EndSec
			if lastEnd < 0 {
				lastEnd = 0
			}
			conv.StartedAt = finishedAt.Add(-time.Duration(lastEnd * float64(time.Second)))
		}

		merged, r := convstore.Merge(conv.TranscriptSegments, segments, m.cfg.Merge.CoalesceGapSeconds)
		convstore.ApplySpeakerAssignments(merged, r, speakerAssignments)
		conv.TranscriptSegments = merged

		if err := m.storeWithRetry(func() error {
			return m.store.UpdateSegments(conv.ID, uid, merged, finishedAt)
		}); err != nil {
			return err
		}

		if len(photos) > 0 {
			if err := m.storeWithRetry(func() error { return m.store.StorePhotos(conv.ID, photos) }); err != nil {
				return err
			}
			conv.Photos = append(conv.Photos, photos...)
			if conv.Source != model.SourceOpenglass {
				conv.Source = model.SourceOpenglass
			}
		}

		result = &MergeResult{Conversation: conv, Range: r}
		return nil
	})

	if err != nil {
		slog.Error("merge_lock_failed", "uid", uid, "conversation_id", conversationID, "error", err)
		return nil, nil //nolint:nilerr -- LockAcquisition: log and return none from merge (§7)
	}
	return result, nil
}

// MonitorOnce inspects the user's in-progress conversation and finalizes it
// if its idle timeout has elapsed, implementing one tick of §4.4's
// idle-timeout monitor.
func (m *Manager) MonitorOnce(ctx context.Context, uid string, timeout time.Duration, emit EventEmitter) {
	conv, err := m.store.GetInProgress(uid)
	if err != nil || conv == nil {
		return
	}
	timeout = m.cfg.ClampConversationTimeout(timeout)
	if time.Since(conv.FinishedAt) < timeout {
		return
	}
	if err := m.Finalize(ctx, uid, conv.ID, emit); err != nil {
		slog.Error("monitor_finalize_failed", "uid", uid, "conversation_id", conv.ID, "error", err)
	}
}

// RunMonitor drives MonitorOnce on a 5s cooperative tick until ctx is
// canceled, observing cancellation within one tick per §5's concurrency
// model.
func RunMonitor(ctx context.Context, m *Manager, uid string, timeout time.Duration, interval time.Duration, emit EventEmitter) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.MonitorOnce(ctx, uid, timeout, emit)
		}
	}
}

// Finalize implements §4.4's finalize: delete-if-empty, else hand off to
// the downstream processor under lock and always leave a fresh in-progress
// conversation behind.
func (m *Manager) Finalize(ctx context.Context, uid, conversationID string, emit EventEmitter) error {
	return lockservice.WithConversationLock(ctx, m.lock, uid, conversationID, m.cfg.Lock.ConversationWait, func(ctx context.Context) error {
		conv, err := m.store.Get(conversationID)
		if err != nil {
			return err
		}
		if conv == nil {
			return nil
		}

		if conv.IsEmpty() {
			if err := m.storeWithRetry(func() error { return m.store.Delete(conv.ID, uid) }); err != nil {
				return err
			}
			_, _, err := m.create(uid, conv.Source, conv.Language, conv.PrivateCloudSyncEnabled)
			return err
		}

		emit.EmitConversationProcessingStarted(conv)
		if err := m.storeWithRetry(func() error {
			return m.store.SetStatus(conv.ID, uid, model.StatusProcessing, conv.FinishedAt)
		}); err != nil {
			return err
		}

		m.enrichGeolocation(ctx, conv)

		processed, procErr := m.downstream.ProcessConversation(ctx, uid, conv.Language, conv)
		var messages []string
		if procErr != nil {
			slog.Error("downstream_processing_failed", "uid", uid, "conversation_id", conv.ID, "error", procErr)
			if err := m.storeWithRetry(func() error { return m.store.SetDiscarded(conv.ID) }); err != nil {
				return err
			}
			conv.Discarded = true
			conv.Status = model.StatusDiscarded
		} else {
			conv = processed
			if conv.Structured != nil {
				if err := m.storeWithRetry(func() error { return m.store.UpdateStructured(conv.ID, conv.Structured) }); err != nil {
					return err
				}
			}
			if err := m.storeWithRetry(func() error {
				return m.store.SetStatus(conv.ID, uid, model.StatusCompleted, conv.FinishedAt)
			}); err != nil {
				return err
			}
			conv.Status = model.StatusCompleted
			messages = m.integrations.TriggerExternalIntegrations(ctx, uid, conv)
		}

		emit.EmitConversationCreated(conv, messages)

		_, _, err = m.create(uid, conv.Source, conv.Language, conv.PrivateCloudSyncEnabled)
		return err
	})
}

// enrichGeolocation resolves and attaches human-readable location details
// to the conversation before handing it to the downstream processor
// (SPEC_FULL's geolocation-enrichment supplement). Failures degrade
// silently: geolocation is a nice-to-have, never a reason to fail finalize.
func (m *Manager) enrichGeolocation(ctx context.Context, conv *model.Conversation) {
	lat, lon, ok, err := m.geo.GetCachedUserGeolocation(ctx, conv.UID)
	if err != nil || !ok {
		return
	}
	geo, err := m.geo.ResolveLocation(ctx, lat, lon)
	if err != nil {
		slog.Warn("geolocation_resolve_failed", "uid", conv.UID, "error", err)
		return
	}
	conv.Geolocation = &geo
	if err := m.store.UpdateGeolocation(conv.ID, &geo); err != nil {
		slog.Warn("geolocation_persist_failed", "uid", conv.UID, "error", err)
	}
}

// storeWithRetry applies §7's StoreTransient policy: 3 attempts with
// 100ms/500ms/2s backoff; on exhaustion the error surfaces to the caller
// (which, for C5, means failing the session with 1011).
func (m *Manager) storeWithRetry(op func() error) error {
	backoffs := m.cfg.STT.RetryBackoff
	if len(backoffs) == 0 {
		backoffs = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}
	}

	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		return struct{}{}, op()
	}, backoff.WithMaxTries(uint(len(backoffs)+1)), backoff.WithBackOff(&fixedSequenceBackoff{delays: backoffs}))
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrStoreTransient, err)
	}
	return nil
}

// fixedSequenceBackoff replays spec.md §7's exact 100ms/500ms/2s sequence
// instead of backoff/v5's default exponential curve.
type fixedSequenceBackoff struct {
	delays []time.Duration
	n      int
}

func (b *fixedSequenceBackoff) NextBackOff() time.Duration {
	if b.n >= len(b.delays) {
		return b.delays[len(b.delays)-1]
	}
	d := b.delays[b.n]
	b.n++
	return d
}

// Reset restarts the sequence from its first delay.
func (b *fixedSequenceBackoff) Reset() { b.n = 0 }
