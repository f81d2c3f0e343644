package model

// CoreError is one of the error kinds enumerated in spec.md §7. It follows
// the teacher's typed-string-sentinel idiom (internal/websocket's
// voiceSessionError) so call sites can still use errors.Is after wrapping
// with fmt.Errorf("...: %w", err).
type CoreError string

func (e CoreError) Error() string { return string(e) }

const (
	// ErrUnauthenticated closes the transport before accept.
	ErrUnauthenticated CoreError = "unauthenticated"
	// ErrUnsupportedLanguage closes with code 4402 at C3 initialize.
	ErrUnsupportedLanguage CoreError = "unsupported language"
	// ErrSTTConnect closes the session with 1011; partial conversation is
	// left for idle-timeout finalization.
	ErrSTTConnect CoreError = "stt connect failed"
	// ErrSTTTransport closes the session with 1011.
	ErrSTTTransport CoreError = "stt transport error"
	// ErrProfileLoadFailed degrades: skip the calibration channel, session
	// continues.
	ErrProfileLoadFailed CoreError = "speech profile load failed"
	// ErrLockAcquisition is logged; the caller returns none from merge and
	// the next merge attempt retries.
	ErrLockAcquisition CoreError = "lock acquisition failed"
	// ErrLockRelease indicates lease expiry, a correctness incident that
	// must be logged.
	ErrLockRelease CoreError = "lock release failed: not owner"
	// ErrStoreTransient is retried with bounded backoff inside C4; on
	// exhaustion it surfaces to the session as an internal error.
	ErrStoreTransient CoreError = "store transient error"
	// ErrDownstreamProcessing is caught inside finalize; the conversation
	// is marked discarded and the session continues.
	ErrDownstreamProcessing CoreError = "downstream processing failed"
	// ErrNotificationFailed is logged and never fails the session.
	ErrNotificationFailed CoreError = "notification failed"
	// ErrTranslationFailed is logged and never fails the session.
	ErrTranslationFailed CoreError = "translation failed"
)

// CloseCode mirrors the WebSocket close codes from spec.md §6.
type CloseCode int

const (
	CloseNormal             CloseCode = 1000
	CloseGoingAway          CloseCode = 1001
	CloseInternalError      CloseCode = 1011
	CloseUnauthenticated    CloseCode = 4401
	CloseUnsupportedLanguage CloseCode = 4402
	CloseNoCredits          CloseCode = 4403
)
