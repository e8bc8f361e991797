package model

import "time"

// FeatureFlags carries per-session/per-job boolean toggles that affect
// segmentation, fan-out, and pipeline selection.
type FeatureFlags struct {
	RawVoicePreference bool
	SpreadPolicy       bool
	AcceptPublicOnly   bool
}

// Session is the per-connection routing and language configuration held
// by the Session Actor (the actor itself lives in package session; this
// is its durable, externally-visible configuration snapshot).
type Session struct {
	SessionID      string
	RoutingKey     string // defaults to SessionID; tenant override possible
	TenantID       string
	SrcLang        string // "auto" permitted
	TgtLang        string
	Bidirectional  bool
	LangA, LangB   string
	Features       FeatureFlags
	PairedNodeID   string
	UtteranceIndex int
	AudioFormat    string
	SampleRate     int
	RoomCode       string
	TraceID        string
	PreferredPool  int
	HasPreferredPool bool
}

// Participant is a room member's per-session preferences.
type Participant struct {
	SessionID         string
	DisplayName       string
	PreferredLang     string
	RawVoicePreference bool // default true if unset; caller must set explicitly
}

// Room is a multi-party pairing of sessions sharing a live translation feed.
type Room struct {
	Code         string // six-digit code
	InternalID   string
	Participants map[string]Participant // sessionID -> participant
	LastSpeakAt  time.Time
}

// UtterancePart is one entry in a session's rolling translation context.
type UtterancePart struct {
	ASRText        string
	TranslatedText string
	RecordedAt     time.Time
}

// UtteranceGroup is the per-session rolling window of recent translation
// context, bounded by count and character budget (spec §3, supplemented
// from original_source/central_server/scheduler/src/group_manager.rs).
type UtteranceGroup struct {
	SessionID       string
	Parts           []UtterancePart
	LastTTSEndAtMs  int64
	MaxParts        int
	MaxChars        int
}
