package logs

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"
)

// ErrInvalidCursor reports a cursor that cannot be decoded. It is distinct
// from an exhausted result set, which simply returns no next cursor.
var ErrInvalidCursor = errors.New("logs: invalid cursor")

// Cursor marks the position of the last returned record under the
// (occurred_at, id) ordering.
type Cursor struct {
	OccurredAt time.Time
	ID         int64
}

type cursorWire struct {
	T int64 `json:"t"`
	I int64 `json:"i"`
}

// Encode renders the cursor as an opaque URL-safe token.
func (c Cursor) Encode() string {
	wire := cursorWire{T: c.OccurredAt.UTC().UnixNano(), I: c.ID}
	raw, _ := json.Marshal(wire)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a token produced by Encode. Round-tripping holds:
// DecodeCursor(c.Encode()) == c for any cursor issued here.
func DecodeCursor(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, ErrInvalidCursor
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, ErrInvalidCursor
	}
	var wire cursorWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Cursor{}, ErrInvalidCursor
	}
	if wire.I < 0 {
		return Cursor{}, ErrInvalidCursor
	}
	return Cursor{OccurredAt: time.Unix(0, wire.T).UTC(), ID: wire.I}, nil
}
