// Package convstore implements the Conversation Store Adapter (C2): durable
// persistence for conversations plus the in-progress pointer used to resume
// a user's open conversation across reconnects, grounded on the teacher's
// SQLite storage layer's migrate/JSON-blob/upsert style.
package convstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"elida-transcribe/internal/model"
)

// Store is the persistence boundary for conversations.
type Store struct {
	db *sql.DB
}

// New opens (creating if absent) the SQLite database at path and runs
// migrations.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening conversation store: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running conversation store migrations: %w", err)
	}

	slog.Info("conversation store initialized", "path", path)
	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		uid TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		status TEXT NOT NULL,
		source TEXT NOT NULL,
		language TEXT NOT NULL,
		transcript_segments TEXT NOT NULL DEFAULT '[]',
		photos TEXT NOT NULL DEFAULT '[]',
		structured TEXT,
		geolocation TEXT,
		private_cloud_sync_enabled INTEGER NOT NULL DEFAULT 0,
		discarded INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_uid ON conversations(uid);
	CREATE INDEX IF NOT EXISTS idx_conversations_uid_status ON conversations(uid, status);
	CREATE INDEX IF NOT EXISTS idx_conversations_started_at ON conversations(started_at);

	-- one row per uid: the conversation currently open (in_progress) for
	-- that user, used to resume across reconnects (§4.2/§4.3).
	CREATE TABLE IF NOT EXISTS in_progress_pointers (
		uid TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		last_segment_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a brand-new conversation, seeding its id if empty. When
// conv is in_progress, it atomically sets the uid's in-progress pointer in
// the same transaction (§4.2's create contract), so a reconnect arriving
// before the first segment merge still finds the conversation via
// GetInProgress instead of racing a second one into existence (I1).
func (s *Store) Create(conv *model.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}

	segments, err := json.Marshal(conv.TranscriptSegments)
	if err != nil {
		return fmt.Errorf("marshaling transcript segments: %w", err)
	}
	photos, err := json.Marshal(conv.Photos)
	if err != nil {
		return fmt.Errorf("marshaling photos: %w", err)
	}
	structured, err := marshalOptional(conv.Structured)
	if err != nil {
		return fmt.Errorf("marshaling structured: %w", err)
	}
	geo, err := marshalOptional(conv.Geolocation)
	if err != nil {
		return fmt.Errorf("marshaling geolocation: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrStoreTransient, err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO conversations
		(id, uid, created_at, started_at, finished_at, status, source, language,
		 transcript_segments, photos, structured, geolocation,
		 private_cloud_sync_enabled, discarded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.UID, conv.CreatedAt, conv.StartedAt, nullTime(conv.FinishedAt),
		string(conv.Status), string(conv.Source), conv.Language,
		string(segments), string(photos), structured, geo,
		boolInt(conv.PrivateCloudSyncEnabled), boolInt(conv.Discarded),
	)
	if err != nil {
		return fmt.Errorf("%w: inserting conversation: %v", model.ErrStoreTransient, err)
	}

	if conv.Status == model.StatusInProgress {
		if _, err := tx.Exec(`
			INSERT INTO in_progress_pointers (uid, conversation_id, last_segment_at)
			VALUES (?, ?, ?)
			ON CONFLICT(uid) DO UPDATE SET conversation_id = excluded.conversation_id, last_segment_at = excluded.last_segment_at`,
			conv.UID, conv.ID, conv.StartedAt); err != nil {
			return fmt.Errorf("%w: setting in-progress pointer: %v", model.ErrStoreTransient, err)
		}
	}

	return tx.Commit()
}

// Get retrieves a conversation by id, or nil if none exists.
func (s *Store) Get(id string) (*model.Conversation, error) {
	row := s.db.QueryRow(`
		SELECT id, uid, created_at, started_at, finished_at, status, source, language,
		       transcript_segments, photos, structured, geolocation,
		       private_cloud_sync_enabled, discarded
		FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// GetInProgress returns the user's currently open conversation, if any.
func (s *Store) GetInProgress(uid string) (*model.Conversation, error) {
	row := s.db.QueryRow(`
		SELECT c.id, c.uid, c.created_at, c.started_at, c.finished_at, c.status, c.source, c.language,
		       c.transcript_segments, c.photos, c.structured, c.geolocation,
		       c.private_cloud_sync_enabled, c.discarded
		FROM conversations c
		JOIN in_progress_pointers p ON p.conversation_id = c.id
		WHERE p.uid = ? AND c.status = ?`, uid, string(model.StatusInProgress))
	return scanConversation(row)
}

// GetProcessing returns every conversation for uid still stuck in
// "processing" (a crash mid-finalize); rehydration re-finalizes these.
func (s *Store) GetProcessing(uid string) ([]*model.Conversation, error) {
	rows, err := s.db.Query(`
		SELECT id, uid, created_at, started_at, finished_at, status, source, language,
		       transcript_segments, photos, structured, geolocation,
		       private_cloud_sync_enabled, discarded
		FROM conversations WHERE uid = ? AND status = ?`, uid, string(model.StatusProcessing))
	if err != nil {
		return nil, fmt.Errorf("%w: querying processing conversations: %v", model.ErrStoreTransient, err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

// GetLastCompleted returns the user's most recently finished non-discarded
// conversation, used by C4's "send last conversation" rehydration step.
func (s *Store) GetLastCompleted(uid string) (*model.Conversation, error) {
	row := s.db.QueryRow(`
		SELECT id, uid, created_at, started_at, finished_at, status, source, language,
		       transcript_segments, photos, structured, geolocation,
		       private_cloud_sync_enabled, discarded
		FROM conversations
		WHERE uid = ? AND status = ? AND discarded = 0
		ORDER BY finished_at DESC LIMIT 1`, uid, string(model.StatusCompleted))
	return scanConversation(row)
}

// UpdateSegments replaces the transcript segments of a conversation, sets
// its finished_at to at, and bumps the in-progress pointer's
// last_segment_at, implementing the merge persistence step of §4.2.
func (s *Store) UpdateSegments(id, uid string, segments []model.TranscriptSegment, at time.Time) error {
	data, err := json.Marshal(segments)
	if err != nil {
		return fmt.Errorf("marshaling transcript segments: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrStoreTransient, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE conversations SET transcript_segments = ?, finished_at = ? WHERE id = ?`, string(data), nullTime(at), id); err != nil {
		return fmt.Errorf("%w: updating segments: %v", model.ErrStoreTransient, err)
	}
	if _, err := tx.Exec(`
		INSERT INTO in_progress_pointers (uid, conversation_id, last_segment_at)
		VALUES (?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET conversation_id = excluded.conversation_id, last_segment_at = excluded.last_segment_at`,
		uid, id, at); err != nil {
		return fmt.Errorf("%w: updating in-progress pointer: %v", model.ErrStoreTransient, err)
	}

	return tx.Commit()
}

// StorePhotos appends photos to a conversation's photo list.
func (s *Store) StorePhotos(id string, photos []model.ConversationPhoto) error {
	conv, err := s.Get(id)
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("conversation %s not found", id)
	}
	merged := append(conv.Photos, photos...)
	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshaling photos: %w", err)
	}
	_, err = s.db.Exec(`UPDATE conversations SET photos = ? WHERE id = ?`, string(data), id)
	if err != nil {
		return fmt.Errorf("%w: storing photos: %v", model.ErrStoreTransient, err)
	}
	return nil
}

// SetStatus transitions a conversation's status and, when leaving
// in_progress, removes the in-progress pointer so a later reconnect creates
// a fresh conversation (I4).
func (s *Store) SetStatus(id, uid string, status model.Status, finishedAt time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrStoreTransient, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE conversations SET status = ?, finished_at = ? WHERE id = ?`,
		string(status), nullTime(finishedAt), id); err != nil {
		return fmt.Errorf("%w: updating status: %v", model.ErrStoreTransient, err)
	}
	if status != model.StatusInProgress {
		if _, err := tx.Exec(`DELETE FROM in_progress_pointers WHERE uid = ? AND conversation_id = ?`, uid, id); err != nil {
			return fmt.Errorf("%w: clearing in-progress pointer: %v", model.ErrStoreTransient, err)
		}
	}
	return tx.Commit()
}

// SetDiscarded marks a conversation discarded after a downstream processing
// failure (§7 ErrDownstreamProcessing). Empty conversations are not marked
// discarded: finalize deletes them (L3).
func (s *Store) SetDiscarded(id string) error {
	_, err := s.db.Exec(`UPDATE conversations SET discarded = 1, status = ? WHERE id = ?`,
		string(model.StatusDiscarded), id)
	if err != nil {
		return fmt.Errorf("%w: setting discarded: %v", model.ErrStoreTransient, err)
	}
	return nil
}

// UpdateStructured persists the downstream processor's opaque structured
// result.
func (s *Store) UpdateStructured(id string, structured map[string]any) error {
	data, err := marshalOptional(structured)
	if err != nil {
		return fmt.Errorf("marshaling structured: %w", err)
	}
	_, err = s.db.Exec(`UPDATE conversations SET structured = ? WHERE id = ?`, data, id)
	if err != nil {
		return fmt.Errorf("%w: updating structured: %v", model.ErrStoreTransient, err)
	}
	return nil
}

// UpdateGeolocation persists the enriched geolocation attached during
// finalize (SPEC_FULL's geolocation-enrichment supplement).
func (s *Store) UpdateGeolocation(id string, geo *model.Geolocation) error {
	data, err := marshalOptional(geo)
	if err != nil {
		return fmt.Errorf("marshaling geolocation: %w", err)
	}
	_, err = s.db.Exec(`UPDATE conversations SET geolocation = ? WHERE id = ?`, data, id)
	if err != nil {
		return fmt.Errorf("%w: updating geolocation: %v", model.ErrStoreTransient, err)
	}
	return nil
}

// Delete removes a conversation and its in-progress pointer outright (used
// for genuinely empty conversations, L3).
func (s *Store) Delete(id, uid string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrStoreTransient, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: deleting conversation: %v", model.ErrStoreTransient, err)
	}
	if _, err := tx.Exec(`DELETE FROM in_progress_pointers WHERE uid = ? AND conversation_id = ?`, uid, id); err != nil {
		return fmt.Errorf("%w: clearing in-progress pointer: %v", model.ErrStoreTransient, err)
	}
	return tx.Commit()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanConversation(row scannable) (*model.Conversation, error) {
	var c model.Conversation
	var finishedAt sql.NullTime
	var status, source string
	var segmentsStr, photosStr string
	var structuredStr, geoStr sql.NullString
	var syncEnabled, discarded int

	err := row.Scan(
		&c.ID, &c.UID, &c.CreatedAt, &c.StartedAt, &finishedAt,
		&status, &source, &c.Language,
		&segmentsStr, &photosStr, &structuredStr, &geoStr,
		&syncEnabled, &discarded,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scanning conversation: %v", model.ErrStoreTransient, err)
	}

	c.Status = model.Status(status)
	c.Source = model.Source(source)
	if finishedAt.Valid {
		c.FinishedAt = finishedAt.Time
	}
	c.PrivateCloudSyncEnabled = syncEnabled != 0
	c.Discarded = discarded != 0

	if err := json.Unmarshal([]byte(segmentsStr), &c.TranscriptSegments); err != nil {
		return nil, fmt.Errorf("unmarshaling transcript segments: %w", err)
	}
	if err := json.Unmarshal([]byte(photosStr), &c.Photos); err != nil {
		return nil, fmt.Errorf("unmarshaling photos: %w", err)
	}
	if structuredStr.Valid && structuredStr.String != "" {
		if err := json.Unmarshal([]byte(structuredStr.String), &c.Structured); err != nil {
			return nil, fmt.Errorf("unmarshaling structured: %w", err)
		}
	}
	if geoStr.Valid && geoStr.String != "" {
		var geo model.Geolocation
		if err := json.Unmarshal([]byte(geoStr.String), &geo); err != nil {
			return nil, fmt.Errorf("unmarshaling geolocation: %w", err)
		}
		c.Geolocation = &geo
	}

	return &c, nil
}

func scanConversations(rows *sql.Rows) ([]*model.Conversation, error) {
	var out []*model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		if c != nil {
			out = append(out, c)
		}
	}
	return out, rows.Err()
}

func marshalOptional(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
