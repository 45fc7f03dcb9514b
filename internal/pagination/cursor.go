// Package pagination provides keyset cursors for newest-first listings.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the (created_at, key) of the last item on a page. The next page
// holds items strictly older, or equally old with a smaller key.
type Cursor struct {
	CreatedAt time.Time
	Key       string
}

// Encode returns the opaque form of c.
func (c Cursor) Encode() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "|" + c.Key
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Admits reports whether an item at (createdAt, key) belongs after c.
func (c *Cursor) Admits(createdAt time.Time, key string) bool {
	if c == nil {
		return true
	}
	if createdAt.Equal(c.CreatedAt) {
		return key < c.Key
	}
	return createdAt.Before(c.CreatedAt)
}

// Follows is Admits for oldest-first listings: it reports whether an item at
// (createdAt, key) comes after c in ascending order.
func (c *Cursor) Follows(createdAt time.Time, key string) bool {
	if c == nil {
		return true
	}
	if createdAt.Equal(c.CreatedAt) {
		return key > c.Key
	}
	return createdAt.After(c.CreatedAt)
}

// Decode parses an opaque cursor. Empty input yields a nil cursor.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, key, ok := strings.Cut(string(raw), "|")
	if !ok || key == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), Key: key}, nil
}

// Page trims items fetched with limit+1 down to limit and returns the cursor
// for the next page, or "" when there is none.
func Page[T any](items []T, limit int, keyOf func(T) (time.Time, string)) ([]T, string) {
	if len(items) <= limit {
		return items, ""
	}
	items = items[:limit]
	createdAt, key := keyOf(items[len(items)-1])
	return items, Cursor{CreatedAt: createdAt, Key: key}.Encode()
}
