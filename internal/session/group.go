// Package session implements the Session Actor (C8): a per-session
// single-consumer mailbox turning a stream of audio chunks into
// utterance-sized jobs, plus the rolling translation-context window
// (Utterance Group / Group Manager) that the Job Dispatcher's downstream
// consumers read for continuity and that pause detection consults to
// avoid cutting an utterance while TTS audio is still playing back.
package session

import (
	"sync"
	"time"

	"github.com/lingua-io/scheduler/internal/model"
)

const (
	defaultGroupMaxParts = 20
	defaultGroupMaxChars = 4000
)

// GroupManager owns one session's rolling Utterance Group: a bounded ring
// of recent (ASR text, translated text) pairs plus the playback end time
// of the most recently dispatched TTS audio, consulted by the Session
// Actor's pause-detection trigger (spec §4.8 trigger 2) — grounded on
// original_source/central_server/scheduler/src/group_manager.rs.
type GroupManager struct {
	mu    sync.Mutex
	group model.UtteranceGroup
}

// NewGroupManager creates a GroupManager for sessionID with the given
// retention bounds (0 uses the defaults).
func NewGroupManager(sessionID string, maxParts, maxChars int) *GroupManager {
	if maxParts <= 0 {
		maxParts = defaultGroupMaxParts
	}
	if maxChars <= 0 {
		maxChars = defaultGroupMaxChars
	}
	return &GroupManager{
		group: model.UtteranceGroup{
			SessionID: sessionID,
			MaxParts:  maxParts,
			MaxChars:  maxChars,
		},
	}
}

// Append records a completed (asr_text, translated_text) pair, evicting
// the oldest entries once the part count or character budget is exceeded.
func (g *GroupManager) Append(asrText, translatedText string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.group.Parts = append(g.group.Parts, model.UtterancePart{
		ASRText:        asrText,
		TranslatedText: translatedText,
		RecordedAt:     time.Now(),
	})
	g.evictLocked()
}

func (g *GroupManager) evictLocked() {
	for len(g.group.Parts) > g.group.MaxParts {
		g.group.Parts = g.group.Parts[1:]
	}
	for g.charCountLocked() > g.group.MaxChars && len(g.group.Parts) > 0 {
		g.group.Parts = g.group.Parts[1:]
	}
}

func (g *GroupManager) charCountLocked() int {
	n := 0
	for _, p := range g.group.Parts {
		n += len(p.ASRText) + len(p.TranslatedText)
	}
	return n
}

// Recent returns the last n parts (fewer if the group holds less),
// oldest first.
func (g *GroupManager) Recent(n int) []model.UtterancePart {
	g.mu.Lock()
	defer g.mu.Unlock()

	if n <= 0 || n >= len(g.group.Parts) {
		out := make([]model.UtterancePart, len(g.group.Parts))
		copy(out, g.group.Parts)
		return out
	}
	start := len(g.group.Parts) - n
	out := make([]model.UtterancePart, n)
	copy(out, g.group.Parts[start:])
	return out
}

// MarkTTSPlayback records that TTS audio for this session is expected to
// play until endAtMs. Out-of-order notifications that would regress the
// playback end time are ignored.
func (g *GroupManager) MarkTTSPlayback(endAtMs int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if endAtMs > g.group.LastTTSEndAtMs {
		g.group.LastTTSEndAtMs = endAtMs
	}
}

// IsPlayingTTS reports whether, as of now, this session's most recently
// scheduled TTS playback is still expected to be audible.
func (g *GroupManager) IsPlayingTTS(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return now.UnixMilli() < g.group.LastTTSEndAtMs
}
