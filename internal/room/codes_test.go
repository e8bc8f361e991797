package room

import (
	"context"
	"testing"

	"github.com/lingua-io/scheduler/internal/store"
	"github.com/lingua-io/scheduler/internal/storetest"
)

func TestGenerateCode_ReturnsSixDigits(t *testing.T) {
	st := storetest.New()
	keys := store.Keys{Prefix: "test"}
	ctx := context.Background()

	code, err := GenerateCode(ctx, st, keys)
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	if len(code) != 6 {
		t.Fatalf("code = %q, want 6 characters", code)
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			t.Fatalf("code = %q, want all digits", code)
		}
	}
}

func TestGenerateCode_NeverReturnsAnAlreadyReservedCode(t *testing.T) {
	st := storetest.New()
	keys := store.Keys{Prefix: "test"}
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		code, err := GenerateCode(ctx, st, keys)
		if err != nil {
			t.Fatalf("generate code %d: %v", i, err)
		}
		if seen[code] {
			t.Fatalf("code %q reserved twice", code)
		}
		seen[code] = true
	}
}

func TestReleaseCode_AllowsReuseAfterRelease(t *testing.T) {
	st := storetest.New()
	keys := store.Keys{Prefix: "test"}
	ctx := context.Background()

	code, err := GenerateCode(ctx, st, keys)
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	if err := ReleaseCode(ctx, st, keys, code); err != nil {
		t.Fatalf("release code: %v", err)
	}
	members, err := st.SMembers(ctx, keys.RoomCodes())
	if err != nil {
		t.Fatalf("smembers: %v", err)
	}
	for _, m := range members {
		if m == code {
			t.Fatalf("code %q still reserved after release", code)
		}
	}
}
