package transport

import "fmt"

// Client inbound message type tags (spec §6).
const (
	TypeSessionInit           = "session_init"
	TypeUtterance             = "utterance"
	TypeAudioChunk            = "audio_chunk"
	TypeClientHeartbeat       = "client_heartbeat"
	TypeSessionClose          = "session_close"
	TypeTTSPlayEnded          = "tts_play_ended"
	TypeRoomCreate            = "room_create"
	TypeRoomJoin              = "room_join"
	TypeRoomLeave             = "room_leave"
	TypeRoomRawVoicePref      = "room_raw_voice_preference"
	TypeWebRTCOffer           = "webrtc_offer"
	TypeWebRTCAnswer          = "webrtc_answer"
	TypeWebRTCICECandidate    = "webrtc_ice_candidate"
)

// Client outbound message type tags (spec §6).
const (
	TypeSessionInitAck   = "session_init_ack"
	TypeTranslationResult = "translation_result"
	TypeASRPartial       = "asr_partial"
	TypeServerHeartbeat  = "server_heartbeat"
	TypeSessionCloseAck  = "session_close_ack"
	TypeUIEvent          = "ui_event"
	TypeMissingResult    = "missing_result"
	TypeRoomCreated      = "room_created"
	TypeRoomJoined       = "room_joined"
	TypeRoomLeft         = "room_left"
	TypeRoomExpired      = "room_expired"
	TypeRoomParticipantJoined = "room_participant_joined"
	TypeRoomParticipantLeft   = "room_participant_left"
	TypeError            = "error"
)

// SessionInit opens a session, naming either a fixed src/tgt pair or a
// bidirectional pair of languages, and optionally a room code to join
// in the same handshake.
type SessionInit struct {
	Type          string       `json:"type"`
	SessionID     string       `json:"session_id,omitempty"`
	TenantID      string       `json:"tenant_id,omitempty"`
	SrcLang       string       `json:"src_lang,omitempty"`
	TgtLang       string       `json:"tgt_lang,omitempty"`
	Bidirectional bool         `json:"bidirectional,omitempty"`
	LangA         string       `json:"lang_a,omitempty"`
	LangB         string       `json:"lang_b,omitempty"`
	Features      FeatureFlags `json:"features,omitempty"`
	AudioFormat   string       `json:"audio_format,omitempty"`
	SampleRate    int          `json:"sample_rate,omitempty"`
	RoomCode      string       `json:"room_code,omitempty"`
	TraceID       string       `json:"trace_id,omitempty"`
}

// FeatureFlags toggles optional pipeline stages a session requests.
type FeatureFlags struct {
	ASR bool `json:"asr"`
	NMT bool `json:"nmt"`
	TTS bool `json:"tts"`
}

// Utterance carries a complete, already end-pointed utterance's audio.
type Utterance struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Audio     []byte `json:"audio"`
	IsFinal   bool   `json:"is_final,omitempty"`
}

// AudioChunk carries one fragment of a streaming utterance still being
// spoken; IsFinal marks the chunk that completes it.
type AudioChunk struct {
	Type              string `json:"type"`
	SessionID         string `json:"session_id"`
	Audio             []byte `json:"audio"`
	IsFinal           bool   `json:"is_final,omitempty"`
	ClientTimestampMs int64  `json:"client_timestamp_ms,omitempty"`
}

// ClientHeartbeat keeps a session's liveness lease current.
type ClientHeartbeat struct {
	Type string `json:"type"`
}

// SessionClose requests an orderly session teardown.
type SessionClose struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// TTSPlayEnded tells the scheduler playback of a result finished, used
// to pace streamed follow-on utterance parts.
type TTSPlayEnded struct {
	Type           string `json:"type"`
	UtteranceIndex int    `json:"utterance_index"`
}

// RoomCreate asks the scheduler to mint a fresh room code for the
// requesting session.
type RoomCreate struct {
	Type          string `json:"type"`
	DisplayName   string `json:"display_name,omitempty"`
	PreferredLang string `json:"preferred_lang,omitempty"`
}

// RoomJoin asks to join an existing room by its six-digit code.
type RoomJoin struct {
	Type          string `json:"type"`
	RoomCode      string `json:"room_code"`
	DisplayName   string `json:"display_name,omitempty"`
	PreferredLang string `json:"preferred_lang,omitempty"`
}

// RoomLeave asks to leave the session's current room.
type RoomLeave struct {
	Type string `json:"type"`
}

// RoomRawVoicePreference toggles whether the session wants to receive
// other participants' untranslated audio alongside translated results.
type RoomRawVoicePreference struct {
	Type    string `json:"type"`
	Receive bool   `json:"receive"`
}

// WebRTCSignal carries SDP offers/answers and ICE candidates for
// sessions negotiating a WebRTC media path instead of raw WebSocket
// audio frames. Type distinguishes offer/answer/ice_candidate.
type WebRTCSignal struct {
	Type      string `json:"type"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
}

// DecodeClientMessage peeks a raw client message's type tag and decodes
// it into the concrete struct that names it.
func DecodeClientMessage(data []byte) (any, error) {
	typ, err := PeekType(data)
	if err != nil {
		return nil, err
	}
	switch typ {
	case TypeSessionInit:
		return unmarshalInto[SessionInit](data)
	case TypeUtterance:
		return unmarshalInto[Utterance](data)
	case TypeAudioChunk:
		return unmarshalInto[AudioChunk](data)
	case TypeClientHeartbeat:
		return unmarshalInto[ClientHeartbeat](data)
	case TypeSessionClose:
		return unmarshalInto[SessionClose](data)
	case TypeTTSPlayEnded:
		return unmarshalInto[TTSPlayEnded](data)
	case TypeRoomCreate:
		return unmarshalInto[RoomCreate](data)
	case TypeRoomJoin:
		return unmarshalInto[RoomJoin](data)
	case TypeRoomLeave:
		return unmarshalInto[RoomLeave](data)
	case TypeRoomRawVoicePref:
		return unmarshalInto[RoomRawVoicePreference](data)
	case TypeWebRTCOffer, TypeWebRTCAnswer, TypeWebRTCICECandidate:
		return unmarshalInto[WebRTCSignal](data)
	default:
		return nil, fmt.Errorf("transport: unknown client message type %q", typ)
	}
}

// SessionInitAck confirms a session handshake, naming the node it was
// paired to if pairing happened eagerly.
type SessionInitAck struct {
	Type         string `json:"type"`
	SessionID    string `json:"session_id"`
	PairedNodeID string `json:"paired_node_id,omitempty"`
	TraceID      string `json:"trace_id,omitempty"`
}

// ResultExtras carries optional per-result enrichment.
type ResultExtras struct {
	Emotion               string             `json:"emotion,omitempty"`
	SpeechRate            float64            `json:"speech_rate,omitempty"`
	ServiceTimingsMs      map[string]int64   `json:"service_timings_ms,omitempty"`
	LanguageProbabilities map[string]float64 `json:"language_probabilities,omitempty"`
}

// ASRQuality carries confidence signals from the recognizer for a
// result, used by the client to decide whether to show a low-confidence
// indicator.
type ASRQuality struct {
	Confidence   float64 `json:"confidence,omitempty"`
	NoSpeechProb float64 `json:"no_speech_prob,omitempty"`
}

// TranslationResult is the terminal, successful output of a job.
type TranslationResult struct {
	Type           string        `json:"type"`
	SessionID      string        `json:"session_id"`
	UtteranceIndex int           `json:"utterance_index"`
	JobID          string        `json:"job_id"`
	TextASR        string        `json:"text_asr,omitempty"`
	TextTranslated string        `json:"text_translated,omitempty"`
	TTSAudio       []byte        `json:"tts_audio,omitempty"`
	AudioFormat    string        `json:"audio_format,omitempty"`
	Extras         *ResultExtras `json:"extras,omitempty"`
	TraceID        string        `json:"trace_id,omitempty"`
	GroupID        string        `json:"group_id,omitempty"`
	PartIndex      *int          `json:"part_index,omitempty"`
	ASRQuality     *ASRQuality   `json:"asr_quality,omitempty"`
}

// ASRPartial streams an interim (non-final) recognition hypothesis.
type ASRPartial struct {
	Type           string `json:"type"`
	SessionID      string `json:"session_id"`
	UtteranceIndex int    `json:"utterance_index"`
	Text           string `json:"text"`
}

// ServerHeartbeat answers a client heartbeat and carries the server's
// clock for drift estimation.
type ServerHeartbeat struct {
	Type         string `json:"type"`
	ServerTimeMs int64  `json:"server_time_ms"`
}

// SessionCloseAck confirms a session has been torn down.
type SessionCloseAck struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// UIEvent is a free-form client-facing notice (e.g. "node_reassigned")
// that doesn't warrant its own message type.
type UIEvent struct {
	Type    string         `json:"type"`
	Event   string         `json:"event"`
	Details map[string]any `json:"details,omitempty"`
}

// MissingResult tells the client a job's result will never arrive
// (dropped node, cancelled job) so it can stop waiting on it.
type MissingResult struct {
	Type           string `json:"type"`
	SessionID      string `json:"session_id"`
	UtteranceIndex int    `json:"utterance_index"`
	Reason         string `json:"reason"`
}

// RoomParticipant describes one member of a room in outbound room
// events.
type RoomParticipant struct {
	SessionID     string `json:"session_id"`
	DisplayName   string `json:"display_name,omitempty"`
	PreferredLang string `json:"preferred_lang,omitempty"`
}

// RoomEvent covers every room_* outbound notice; Type distinguishes
// room_created, room_joined, room_left, room_expired,
// room_participant_joined, and room_participant_left.
type RoomEvent struct {
	Type         string            `json:"type"`
	RoomCode     string            `json:"room_code"`
	Participants []RoomParticipant `json:"participants,omitempty"`
}

// ErrorMessage reports a taxonomy-coded failure to the client.
type ErrorMessage struct {
	Type    string         `json:"type"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}
