package room

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/lingua-io/scheduler/internal/store"
)

const codeGenerationRetries = 3

// GenerateCode mints a six-digit numeric room code and reserves it in
// the store's room-code set, retrying on collision per
// original_source/scheduler/src/room_manager.rs's generate_room_code:
// a handful of random attempts, then a UUID-derived fallback so a
// pathologically unlucky run still terminates.
func GenerateCode(ctx context.Context, st store.Store, keys store.Keys) (string, error) {
	for i := 0; i < codeGenerationRetries; i++ {
		code, err := randomSixDigitCode()
		if err != nil {
			return "", err
		}
		ok, err := reserve(ctx, st, keys, code)
		if err != nil {
			return "", err
		}
		if ok {
			return code, nil
		}
	}

	// Fallback: derive six digits from a UUID so collisions are
	// vanishingly unlikely even under sustained contention.
	for i := 0; i < codeGenerationRetries; i++ {
		code := uuidDerivedCode()
		ok, err := reserve(ctx, st, keys, code)
		if err != nil {
			return "", err
		}
		if ok {
			return code, nil
		}
	}
	return "", fmt.Errorf("room: could not mint a unique room code")
}

func reserve(ctx context.Context, st store.Store, keys store.Keys, code string) (bool, error) {
	members, err := st.SMembers(ctx, keys.RoomCodes())
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m == code {
			return false, nil
		}
	}
	if err := st.SAdd(ctx, keys.RoomCodes(), code); err != nil {
		return false, err
	}
	return true, nil
}

// ReleaseCode frees a room code once its room is torn down, so the value
// can be reused.
func ReleaseCode(ctx context.Context, st store.Store, keys store.Keys, code string) error {
	return st.SRem(ctx, keys.RoomCodes(), code)
}

func randomSixDigitCode() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("room: generate code: %w", err)
	}
	n := binary.BigEndian.Uint64(buf[:]) % 1000000
	return fmt.Sprintf("%06d", n), nil
}

func uuidDerivedCode() string {
	id := uuid.NewString()
	digits := make([]byte, 0, 6)
	for _, c := range id {
		if c >= '0' && c <= '9' {
			digits = append(digits, byte(c))
			if len(digits) == 6 {
				break
			}
		}
	}
	for len(digits) < 6 {
		digits = append(digits, '0')
	}
	return string(digits)
}
