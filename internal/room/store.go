package room

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lingua-io/scheduler/internal/model"
	"github.com/lingua-io/scheduler/internal/store"
)

// persistedRoom is the JSON blob stored under keys.Room(code), so a
// second scheduler instance handling a room_join for a code owned by
// this instance's in-memory map can still validate the code and forward
// the join, per SPEC_FULL.md's room supplement.
type persistedRoom struct {
	Code         string                     `json:"code"`
	InternalID   string                     `json:"internal_id"`
	Participants map[string]model.Participant `json:"participants"`
	LastSpeakAt  int64                      `json:"last_speak_at_ms"`
}

func toPersisted(r *model.Room) persistedRoom {
	return persistedRoom{
		Code: r.Code, InternalID: r.InternalID,
		Participants: r.Participants, LastSpeakAt: r.LastSpeakAt.UnixMilli(),
	}
}

func fromPersisted(p persistedRoom) *model.Room {
	return &model.Room{
		Code: p.Code, InternalID: p.InternalID,
		Participants: p.Participants, LastSpeakAt: time.UnixMilli(p.LastSpeakAt),
	}
}

// persist writes the full room record, with a TTL comfortably longer
// than the silence-expiry window so a crashed instance's rooms still
// fall out of the store even if no scanner ever runs for them again.
func persist(ctx context.Context, st store.Store, keys store.Keys, r *model.Room, ttl time.Duration) error {
	data, err := json.Marshal(toPersisted(r))
	if err != nil {
		return fmt.Errorf("room: marshal %s: %w", r.Code, err)
	}
	key := keys.Room(r.Code)
	if err := st.HSet(ctx, key, map[string]string{"blob": string(data)}); err != nil {
		return fmt.Errorf("room: persist %s: %w", r.Code, err)
	}
	return st.Expire(ctx, key, ttl)
}

// load reads a room record persisted by any instance.
func load(ctx context.Context, st store.Store, keys store.Keys, code string) (*model.Room, bool, error) {
	fields, err := st.HGetAll(ctx, keys.Room(code))
	if err != nil {
		return nil, false, err
	}
	blob, ok := fields["blob"]
	if !ok {
		return nil, false, nil
	}
	var p persistedRoom
	if err := json.Unmarshal([]byte(blob), &p); err != nil {
		return nil, false, fmt.Errorf("room: decode %s: %w", code, err)
	}
	return fromPersisted(p), true, nil
}

// remove deletes a room's persisted record.
func remove(ctx context.Context, st store.Store, keys store.Keys, code string) error {
	return st.Del(ctx, keys.Room(code))
}
