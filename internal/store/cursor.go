package store

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/sells-group/meterlab/internal/apperr"
)

// Cursor is an opaque keyset position: the sort timestamp and id of the last
// row of the previous page.
type Cursor struct {
	TS time.Time
	ID string
}

// Encode renders the cursor as a URL-safe token.
func (c Cursor) Encode() string {
	raw := c.TS.UTC().Format(time.RFC3339Nano) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by Cursor.Encode. An empty token is
// the first page and yields nil.
func DecodeCursor(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, apperr.Validationf("cursor", token, "malformed cursor")
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, apperr.Validationf("cursor", token, "malformed cursor")
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, apperr.Validationf("cursor", token, "malformed cursor timestamp")
	}
	return &Cursor{TS: t.UTC(), ID: id}, nil
}
