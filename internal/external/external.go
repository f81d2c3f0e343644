// Package external defines the collaborator interfaces the core depends on
// but never implements in production (§6): user/subscription data,
// notifications, geolocation, the downstream conversation processor,
// integrations, vision description, and person lookup. Each interface is
// paired with a lightweight in-memory implementation usable in tests and
// local development, grounded on the teacher's provider-adapter-interface
// idiom (internal/proxy/rehydrate.go's Rehydrator).
package external

import (
	"context"

	"elida-transcribe/internal/model"
)

// Plan is a user's subscription tier.
type Plan string

const (
	PlanBasic Plan = "basic"
	PlanPro   Plan = "pro"
)

// Subscription is the subset of a user's plan the core needs.
type Subscription struct {
	Plan Plan
}

// Person is a resolved identity returned by person lookup.
type Person struct {
	ID   string
	Name string
}

// UserStore is the read-only user/subscription collaborator of §6.
type UserStore interface {
	HasTranscriptionCredits(ctx context.Context, uid string) (bool, error)
	GetSubscription(ctx context.Context, uid string) (Subscription, error)
	GetLanguagePreference(ctx context.Context, uid string) (string, bool, error)
	GetPrivateCloudSyncEnabled(ctx context.Context, uid string) (bool, error)
	GetPersonByName(ctx context.Context, uid, name string) (Person, bool, error)
}

// Notifier is the fire-and-forget notification collaborator. Failures are
// logged by the caller and never fail the session (§7 NotificationFailed).
type Notifier interface {
	NotifyCreditLimit(ctx context.Context, uid string) error
	NotifySilentUser(ctx context.Context, uid string) error
	NotifyLastConversation(ctx context.Context, uid, conversationID string) error
}

// GeoResolver resolves a user's location into human-readable details for
// the geolocation-enrichment supplement applied during finalize.
type GeoResolver interface {
	GetCachedUserGeolocation(ctx context.Context, uid string) (lat, lon float64, ok bool, err error)
	ResolveLocation(ctx context.Context, lat, lon float64) (model.Geolocation, error)
}

// DownstreamProcessor is the synchronous, idempotent conversation processor
// of §6. It MUST be safe to call more than once with the same conversation.
type DownstreamProcessor interface {
	ProcessConversation(ctx context.Context, uid, language string, conv *model.Conversation) (*model.Conversation, error)
}

// IntegrationsTrigger fires external integrations after a conversation is
// finalized. Side effects are permitted; it must not raise on partial
// failure (returns an empty list instead, per §6).
type IntegrationsTrigger interface {
	TriggerExternalIntegrations(ctx context.Context, uid string, conv *model.Conversation) []string
}

// ProfileStorage resolves a user's stored speech-profile calibration audio.
type ProfileStorage interface {
	// GetProfileAudioPath returns the path to a readable WAV file, or
	// ok=false if the user has no stored profile.
	GetProfileAudioPath(ctx context.Context, uid string) (path string, ok bool, err error)
}

// VisionDescriber describes an assembled image into text for
// ConversationPhoto.Description.
type VisionDescriber interface {
	Describe(ctx context.Context, imageBytes []byte) (string, error)
}

// UsageSink records per-window usage accounting (§4.5 Usage accounting).
type UsageSink interface {
	RecordUsage(ctx context.Context, uid string, seconds float64, words int) error
}
