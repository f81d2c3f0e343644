package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"elida-transcribe/internal/audio"
	"elida-transcribe/internal/audio/provider"
	"elida-transcribe/internal/config"
	"elida-transcribe/internal/convmanager"
	"elida-transcribe/internal/external"
	"elida-transcribe/internal/model"
	"elida-transcribe/internal/redaction"
	"elida-transcribe/internal/telemetry"
)

// debugRedactor scrubs PII (emails, phone numbers, tokens) out of transcript
// text before it reaches debug logs; uid is never logged alongside raw text.
var debugRedactor = redaction.NewPatternRedactor()

// Params are the handshake parameters of §4.5, already validated by the
// HTTP handler before a Session is constructed.
type Params struct {
	UID                  string
	Language             string
	SampleRate           int
	Codec                audio.Codec
	Channels             int
	IncludeSpeechProfile bool
	ConversationTimeout  time.Duration
}

// Session is the in-process state of one Transcription Session (C5). It
// owns exactly one goroutine tree, canceled as a unit on shutdown (§5).
type Session struct {
	id     string
	params Params
	conn   *websocket.Conn

	cfg       config.Config
	manager   *convmanager.Manager
	users     external.UserStore
	notifier  external.Notifier
	usage     external.UsageSink
	vision    external.VisionDescriber
	profiles  external.ProfileStorage
	telemetry *telemetry.Provider

	processor *audio.Processor
	speakers  *model.SpeakerMap

	mu                  sync.Mutex
	currentConv         *model.Conversation
	edgeASR             bool
	userHasCredits      bool
	lockedConversations map[string]bool
	lastAudioTime       time.Time
	lastTranscriptTime  time.Time
	firstAudioTime      time.Time
	wordsSinceRecord    int
	imageAssembly       map[string]*imageAssembly
	translationLanguage string

	cancel context.CancelFunc
}

type imageAssembly struct {
	total  int
	chunks map[int][]byte
}

// ID returns the session's identifier, used by the active-session registry.
func (s *Session) ID() string { return s.id }

// UID returns the authenticated user this session belongs to.
func (s *Session) UID() string { return s.params.UID }

// Snapshot returns a point-in-time view suitable for the control API.
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	convID := ""
	if s.currentConv != nil {
		convID = s.currentConv.ID
	}
	return Info{
		ID:               s.id,
		UID:              s.params.UID,
		Language:         s.params.Language,
		ConversationID:   convID,
		LastAudioTime:    s.lastAudioTime,
		LastTranscriptAt: s.lastTranscriptTime,
		EdgeASR:          s.edgeASR,
		HasCredits:       s.userHasCredits,
	}
}

// Info is the exported, copyable view of a Session for the control API.
type Info struct {
	ID               string    `json:"id"`
	UID              string    `json:"uid"`
	Language         string    `json:"language"`
	ConversationID   string    `json:"conversation_id,omitempty"`
	LastAudioTime    time.Time `json:"last_audio_time,omitempty"`
	LastTranscriptAt time.Time `json:"last_transcript_at,omitempty"`
	EdgeASR          bool      `json:"edge_asr"`
	HasCredits       bool      `json:"has_credits"`
}

// New constructs a Session. Run must be called to actually drive it.
func New(id string, params Params, conn *websocket.Conn, cfg config.Config, manager *convmanager.Manager, users external.UserStore, notifier external.Notifier, usage external.UsageSink, vision external.VisionDescriber, profiles external.ProfileStorage, tel *telemetry.Provider) *Session {
	if tel == nil {
		tel = telemetry.NoopProvider()
	}
	return &Session{
		id:                  id,
		params:              params,
		conn:                conn,
		cfg:                 cfg,
		manager:             manager,
		users:               users,
		notifier:            notifier,
		usage:               usage,
		vision:              vision,
		profiles:            profiles,
		telemetry:           tel,
		speakers:            model.NewSpeakerMap(),
		lockedConversations: make(map[string]bool),
		imageAssembly:       make(map[string]*imageAssembly),
	}
}

// Run executes the session's full lifecycle per §4.5's startup sequence
// through graceful shutdown, blocking until the session ends.
func (s *Session) Run(ctx context.Context, table *provider.Table) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	startedAt := time.Now()
	providerName := ""
	if table != nil {
		if entry, _, ok := provider.Select(table, s.params.Language); ok {
			providerName = entry.Provider.Name()
		}
	}
	ctx, span := s.telemetry.StartSessionSpan(ctx, s.id, s.params.UID, s.params.Language)
	var runErr error
	defer func() {
		convID := ""
		s.mu.Lock()
		if s.currentConv != nil {
			convID = s.currentConv.ID
		}
		s.mu.Unlock()
		s.telemetry.EndSessionSpan(span, convID, providerName, time.Since(startedAt).Milliseconds(), runErr)
	}()

	has, err := s.users.HasTranscriptionCredits(ctx, s.params.UID)
	if err != nil {
		slog.Warn("credits_check_failed", "uid", s.params.UID, "error", err)
		has = true
	}
	s.mu.Lock()
	s.userHasCredits = has
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); s.runHeartbeat(ctx) }()
	go func() { defer wg.Done(); s.runUsageAccounting(ctx) }()
	go func() {
		defer wg.Done()
		convmanager.RunMonitor(ctx, s.manager, s.params.UID, s.params.ConversationTimeout, s.cfg.Session.MonitorInterval, s)
	}()

	processor, err := audio.NewProcessor(audio.Config{
		UID:                  s.params.UID,
		Language:             s.params.Language,
		SampleRate:           s.params.SampleRate,
		Codec:                s.params.Codec,
		Channels:             s.params.Channels,
		IncludeSpeechProfile: s.params.IncludeSpeechProfile,
		ProfileWindowPadding: time.Duration(s.cfg.STT.ProfileWindowPaddingS * float64(time.Second)),
		Table:                table,
	}, &audio.FileProfileLoader{Storage: s.profiles}, s.onTranscript)
	if err != nil {
		s.telemetry.RecordSTTReconnect(ctx, providerName, err.Error())
		s.close(websocket.StatusInternalError, "audio processor init failed")
		cancel()
		wg.Wait()
		runErr = fmt.Errorf("%w: %v", model.ErrSTTConnect, err)
		return runErr
	}
	s.processor = processor

	sttLanguage, translationLanguage, err := processor.Initialize(ctx)
	_ = sttLanguage
	if err != nil {
		closeCode := websocket.StatusCode(model.CloseInternalError)
		if err == model.ErrUnsupportedLanguage {
			closeCode = websocket.StatusCode(model.CloseUnsupportedLanguage)
		}
		s.close(closeCode, err.Error())
		cancel()
		wg.Wait()
		runErr = err
		return runErr
	}
	s.mu.Lock()
	s.translationLanguage = translationLanguage
	s.mu.Unlock()

	s.emitServiceStatus("initializing", "starting up")

	privateCloudSync, _ := s.users.GetPrivateCloudSyncEnabled(ctx, s.params.UID)
	conv, _, err := s.manager.Rehydrate(ctx, s.params.UID, model.SourceOmi, s.params.Language, privateCloudSync, s.params.ConversationTimeout, s)
	if err != nil {
		s.close(websocket.StatusInternalError, "rehydration failed")
		cancel()
		wg.Wait()
		runErr = fmt.Errorf("%w: %v", model.ErrStoreTransient, err)
		return runErr
	}
	s.mu.Lock()
	s.currentConv = conv
	s.mu.Unlock()

	s.emitServiceStatus("ready", "listening")

	err = s.readLoop(ctx)

	processor.Close()
	s.recordFinalUsage(context.Background())
	cancel()
	wg.Wait()

	runErr = err
	return runErr
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		msgType, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.close(websocket.StatusGoingAway, "transport disconnect")
			return nil
		}

		s.mu.Lock()
		s.lastAudioTime = time.Now()
		if s.firstAudioTime.IsZero() {
			s.firstAudioTime = s.lastAudioTime
		}
		s.mu.Unlock()

		switch msgType {
		case websocket.MessageBinary:
			if s.isEdgeASRMode() {
				continue
			}
			if err := s.processor.Push(ctx, data); err != nil {
				slog.Error("audio_push_failed", "uid", s.params.UID, "error", err)
				s.close(websocket.StatusInternalError, "stt transport error")
				return err
			}
		case websocket.MessageText:
			if stop := s.handleTextFrame(ctx, data); stop {
				s.close(websocket.StatusNormalClosure, "stop requested")
				return nil
			}
		}
	}
}

func (s *Session) isEdgeASRMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.edgeASR
}

func (s *Session) handleTextFrame(ctx context.Context, data []byte) (stop bool) {
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return false
	}

	switch frame.Type {
	case FrameTranscriptSegment:
		s.mu.Lock()
		s.edgeASR = true
		s.mu.Unlock()
		s.handleEdgeASRSegment(ctx, frame)
	case FrameStop:
		return true
	case FrameImageChunk:
		s.handleImageChunk(ctx, frame)
	case FrameSpeakerAssignment:
		s.handleSpeakerAssignment(ctx, frame)
	default:
		// Unknown type values are ignored (§6).
	}
	return false
}

// handleSpeakerAssignment resolves a speaker_assignment frame to a stored
// identifier. person_id is used verbatim when present; otherwise person_name
// is resolved via the user store, and an unresolvable or erroring lookup is
// logged and the assignment dropped rather than guessed at.
func (s *Session) handleSpeakerAssignment(ctx context.Context, frame ClientFrame) {
	value := frame.PersonID
	if value == "" {
		if frame.PersonName == "" {
			value = "user"
		} else {
			person, ok, err := s.users.GetPersonByName(ctx, s.params.UID, frame.PersonName)
			if err != nil {
				slog.Warn("speaker_assignment_lookup_failed", "uid", s.params.UID, "person_name", frame.PersonName, "error", err)
				return
			}
			if !ok {
				slog.Warn("speaker_assignment_person_not_found", "uid", s.params.UID, "person_name", frame.PersonName)
				return
			}
			value = person.ID
		}
	}
	s.speakers.AssignSegment(frame.SegmentID, value)
}

func (s *Session) handleEdgeASRSegment(ctx context.Context, frame ClientFrame) {
	_ = ctx
	text := strings.TrimSpace(frame.Text)
	if text == "" {
		return
	}

	speaker := frame.Speaker
	if speaker == "" {
		speaker = model.DefaultSpeakerLabel
	}
	var start, end float64
	if frame.Start != nil {
		start = *frame.Start
	}
	if frame.End != nil {
		end = *frame.End
	}

	seg := model.TranscriptSegment{
		ID:           uuid.NewString(),
		Text:         text,
		SpeakerLabel: speaker,
		StartSec:     start,
		EndSec:       end,
		Source:       model.SourceEdgeASR,
	}
	s.onTranscript([]model.TranscriptSegment{seg})
}

func (s *Session) handleImageChunk(ctx context.Context, frame ClientFrame) {
	s.mu.Lock()
	asm, ok := s.imageAssembly[frame.ID]
	if !ok {
		asm = &imageAssembly{total: frame.Total, chunks: make(map[int][]byte)}
		s.imageAssembly[frame.ID] = asm
	}
	decoded, err := base64.StdEncoding.DecodeString(frame.Data)
	if err != nil {
		s.mu.Unlock()
		return
	}
	asm.chunks[frame.Index] = decoded
	complete := asm.total > 0 && len(asm.chunks) >= asm.total
	var full []byte
	if complete {
		for i := 0; i < asm.total; i++ {
			full = append(full, asm.chunks[i]...)
		}
		delete(s.imageAssembly, frame.ID)
	}
	s.mu.Unlock()

	if !complete {
		return
	}

	description, err := s.vision.Describe(ctx, full)
	if err != nil {
		slog.Warn("vision_describe_failed", "uid", s.params.UID, "error", err)
		description = ""
	}

	photo := model.ConversationPhoto{
		ID:          frame.ID,
		BytesRef:    frame.ID,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	convID := ""
	if s.currentConv != nil {
		convID = s.currentConv.ID
	}
	s.mu.Unlock()
	if convID == "" {
		return
	}

	result, err := s.manager.Merge(ctx, s.params.UID, convID, nil, []model.ConversationPhoto{photo}, time.Now().UTC(), s.speakers.Snapshot())
	if err != nil || result == nil {
		return
	}
	s.mu.Lock()
	s.currentConv = result.Conversation
	s.mu.Unlock()
}

// onTranscript is the STT callback handler of §4.5.
func (s *Session) onTranscript(segments []model.TranscriptSegment) {
	s.mu.Lock()
	hasCredits := s.userHasCredits
	s.mu.Unlock()
	if !hasCredits {
		return
	}

	s.mu.Lock()
	s.lastTranscriptTime = time.Now()
	for _, seg := range segments {
		s.wordsSinceRecord += len(strings.Fields(seg.Text))
		slog.Debug("transcript_segment_received", "source", seg.Source, "text", debugRedactor.Redact(seg.Text))
	}
	convID := ""
	if s.currentConv != nil {
		convID = s.currentConv.ID
	}
	s.mu.Unlock()
	if convID == "" {
		return
	}

	ctx := context.Background()
	result, err := s.manager.Merge(ctx, s.params.UID, convID, segments, nil, time.Now().UTC(), s.speakers.Snapshot())
	if err != nil {
		slog.Error("merge_failed", "uid", s.params.UID, "error", err)
		return
	}
	if result == nil {
		return
	}

	s.mu.Lock()
	s.currentConv = result.Conversation
	s.mu.Unlock()

	end := result.Range.End
	if end > len(result.Conversation.TranscriptSegments) {
		end = len(result.Conversation.TranscriptSegments)
	}
	start := result.Range.Start
	if start < 0 {
		start = 0
	}
	emitted := result.Conversation.TranscriptSegments[start:end]
	s.emitJSON(emitted)

	s.scheduleTranslations(emitted)
}

// scheduleTranslations emits one TranslationEvent per segment when the
// session has a translation language set. No translation service is
// called: each event carries the segment's original text tagged with that
// language, and segments are not filtered by their own language.
func (s *Session) scheduleTranslations(segments []model.TranscriptSegment) {
	s.mu.Lock()
	target := s.translationLanguage
	s.mu.Unlock()
	if target == "" {
		return
	}

	for _, seg := range segments {
		seg := seg
		go func() {
			s.emitJSON(TranslationEvent{
				Type: "translation",
				Segments: []TranslationResult{{
					ID:           seg.ID,
					Translations: []TranslationLangText{{Lang: target, Text: seg.Text}},
				}},
			})
		}()
	}
}

// EmitLastConversation implements convmanager.EventEmitter.
func (s *Session) EmitLastConversation(conversationID string) {
	s.emitJSON(LastConversationEvent{Type: "last_conversation", ConversationID: conversationID})
	if err := s.notifier.NotifyLastConversation(context.Background(), s.params.UID, conversationID); err != nil {
		slog.Warn("notify_last_conversation_failed", "uid", s.params.UID, "error", err)
	}
}

// EmitConversationProcessingStarted implements convmanager.EventEmitter.
func (s *Session) EmitConversationProcessingStarted(conv *model.Conversation) {
	s.emitJSON(ConversationEvent{Type: "conversation_processing_started", Conversation: conv, EmittedAt: time.Now()})
}

// EmitConversationCreated implements convmanager.EventEmitter.
func (s *Session) EmitConversationCreated(conv *model.Conversation, messages []string) {
	s.telemetry.RecordConversationFinalized(context.Background(), conv.ID, len(conv.TranscriptSegments), conv.Discarded)
	s.emitJSON(ConversationEvent{
		Type:         "conversation_created",
		Conversation: conv,
		Messages:     messages,
		Discarded:    conv.Discarded,
		EmittedAt:    time.Now(),
	})
}

func (s *Session) emitServiceStatus(status, text string) {
	s.emitJSON(newServiceStatus(status, text))
}

func (s *Session) emitJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("emit_failed", "uid", s.params.UID, "error", err)
	}
}

func (s *Session) runHeartbeat(ctx context.Context) {
	interval := s.cfg.Session.HeartbeatInterval
	inactivity := s.cfg.Session.InactivityTimeout
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			last := s.lastAudioTime
			s.mu.Unlock()

			if !last.IsZero() && time.Since(last) >= inactivity {
				s.close(websocket.StatusGoingAway, "inactivity timeout")
				s.cancel()
				return
			}

			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := s.conn.Ping(wctx)
			cancel()
			if err != nil {
				s.cancel()
				return
			}
		}
	}
}

func (s *Session) runUsageAccounting(ctx context.Context) {
	interval := s.cfg.Session.UsageInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.recordUsageWindow(ctx)
		}
	}
}

func (s *Session) recordUsageWindow(ctx context.Context) {
	s.mu.Lock()
	seconds := s.cfg.Session.UsageInterval.Seconds()
	words := s.wordsSinceRecord
	s.wordsSinceRecord = 0
	s.mu.Unlock()

	if err := s.usage.RecordUsage(ctx, s.params.UID, seconds, words); err != nil {
		slog.Warn("usage_record_failed", "uid", s.params.UID, "error", err)
	}

	has, err := s.users.HasTranscriptionCredits(ctx, s.params.UID)
	if err != nil {
		return
	}

	s.mu.Lock()
	had := s.userHasCredits
	s.userHasCredits = has
	convID := ""
	if s.currentConv != nil {
		convID = s.currentConv.ID
	}
	alreadyLocked := convID != "" && s.lockedConversations[convID]
	s.mu.Unlock()

	if had && !has {
		if err := s.notifier.NotifyCreditLimit(ctx, s.params.UID); err != nil {
			slog.Warn("notify_credit_limit_failed", "uid", s.params.UID, "error", err)
		}
		if convID != "" && !alreadyLocked {
			s.mu.Lock()
			s.lockedConversations[convID] = true
			if s.currentConv != nil {
				s.currentConv.IsLocked = true
			}
			s.mu.Unlock()
		}
	}

	s.checkSilentUser(ctx)
}

func (s *Session) checkSilentUser(ctx context.Context) {
	sub, err := s.users.GetSubscription(ctx, s.params.UID)
	if err != nil || sub.Plan != external.PlanBasic {
		return
	}

	s.mu.Lock()
	lastAudio := s.lastAudioTime
	lastTranscript := s.lastTranscriptTime
	firstAudio := s.firstAudioTime
	s.mu.Unlock()

	if lastAudio.IsZero() {
		return
	}
	reference := lastTranscript
	if reference.Before(firstAudio) {
		reference = firstAudio
	}
	if lastAudio.Sub(reference) > s.cfg.Session.SilentUserThreshold {
		if err := s.notifier.NotifySilentUser(ctx, s.params.UID); err != nil {
			slog.Warn("notify_silent_user_failed", "uid", s.params.UID, "error", err)
		}
	}
}

func (s *Session) recordFinalUsage(ctx context.Context) {
	s.recordUsageWindow(ctx)
}

func (s *Session) close(code websocket.StatusCode, reason string) {
	_ = s.conn.Close(code, reason)
}
