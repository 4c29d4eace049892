package cursor

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original := Cursor{
		Pos:        42,
		Dir:        DirectionForward,
		Reverse:    true,
		FilterHash: HashFilter("aggregate_id = 'acc-1'"),
	}

	token, err := Encode(original)
	if err != nil {
		t.Fatalf("encode cursor: %v", err)
	}

	decoded, err := Decode(token)
	if err != nil {
		t.Fatalf("decode cursor: %v", err)
	}

	if decoded != original {
		t.Fatalf("cursor mismatch: %+v != %+v", decoded, original)
	}
}

func TestDecodeEmptyToken(t *testing.T) {
	_, err := Decode("")
	if err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestDecodeInvalidBase64(t *testing.T) {
	_, err := Decode("not-base64@@")
	if err == nil {
		t.Fatal("expected error for invalid base64")
	}
}

func TestDecodeInvalidDirection(t *testing.T) {
	raw, err := json.Marshal(Cursor{Pos: 1, Dir: "sideways"})
	if err != nil {
		t.Fatalf("marshal cursor: %v", err)
	}
	token := base64.URLEncoding.EncodeToString(raw)

	_, err = Decode(token)
	if err == nil {
		t.Fatal("expected error for invalid direction")
	}
}

func TestHashFilter(t *testing.T) {
	if HashFilter("") != "" {
		t.Fatal("expected empty hash for empty filter")
	}

	hash := HashFilter("foo")
	if len(hash) != 16 {
		t.Fatalf("expected 16-char hash, got %d", len(hash))
	}

	if hash == HashFilter("bar") {
		t.Fatal("expected different hashes for different filters")
	}
}

func TestValidateFilterHash(t *testing.T) {
	c := NewNextPageCursor(10, "acc-1")
	if err := ValidateFilterHash(c, "acc-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateFilterHash(c, "acc-2"); err == nil {
		t.Fatal("expected error for mismatched filter")
	}
}

func TestPageCursorDirections(t *testing.T) {
	next := NewNextPageCursor(100, "")
	if next.Dir != DirectionForward {
		t.Fatalf("expected forward dir, got %s", next.Dir)
	}
	if next.Reverse {
		t.Fatal("expected forward cursor without reverse")
	}

	prev := NewPrevPageCursor(50, "")
	if prev.Dir != DirectionBackward {
		t.Fatalf("expected backward dir, got %s", prev.Dir)
	}
	if !prev.Reverse {
		t.Fatal("expected reverse for prev cursor")
	}
}

func TestClampPageSize(t *testing.T) {
	tests := []struct {
		requested int
		want      int
	}{
		{0, 50},
		{-3, 50},
		{1, 1},
		{10, 10},
		{200, 200},
		{500, 200},
	}
	for _, tc := range tests {
		if got := ClampPageSize(tc.requested, 50, 1, 200); got != tc.want {
			t.Fatalf("ClampPageSize(%d) = %d, want %d", tc.requested, got, tc.want)
		}
	}
}
