package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursor_EncodeDecode(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 123, time.UTC)
	c := Cursor{CreatedAt: ts, Key: "0xabc"}

	got, err := Decode(c.Encode())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, ts.Equal(got.CreatedAt))
	assert.Equal(t, "0xabc", got.Key)
}

func TestDecode_Empty(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecode_Invalid(t *testing.T) {
	for _, s := range []string{
		"not-base64!!!",
		base64.RawURLEncoding.EncodeToString([]byte("nopipe")),
		base64.RawURLEncoding.EncodeToString([]byte("abc|0x1")),
		base64.RawURLEncoding.EncodeToString([]byte("123|")),
	} {
		_, err := Decode(s)
		assert.ErrorIs(t, err, ErrInvalidCursor, s)
	}
}

func TestCursor_Admits(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: ts, Key: "0x5"}

	assert.True(t, c.Admits(ts.Add(-time.Second), "0x9"))
	assert.True(t, c.Admits(ts, "0x4"))
	assert.False(t, c.Admits(ts, "0x5"))
	assert.False(t, c.Admits(ts, "0x6"))
	assert.False(t, c.Admits(ts.Add(time.Second), "0x1"))

	var none *Cursor
	assert.True(t, none.Admits(ts, "0x1"))
}

func TestCursor_Follows(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: ts, Key: "0x5"}

	assert.True(t, c.Follows(ts.Add(time.Second), "0x1"))
	assert.True(t, c.Follows(ts, "0x6"))
	assert.False(t, c.Follows(ts, "0x5"))
	assert.False(t, c.Follows(ts, "0x4"))
	assert.False(t, c.Follows(ts.Add(-time.Second), "0x9"))

	var none *Cursor
	assert.True(t, none.Follows(ts, "0x1"))
}

func TestPage(t *testing.T) {
	type item struct {
		at  time.Time
		key string
	}
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []item{{ts, "0x3"}, {ts, "0x2"}, {ts.Add(-time.Minute), "0x9"}}
	keyOf := func(i item) (time.Time, string) { return i.at, i.key }

	page, next := Page(items, 2, keyOf)
	assert.Len(t, page, 2)
	require.NotEmpty(t, next)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "0x2", c.Key)
	assert.True(t, c.Admits(items[2].at, items[2].key))

	page, next = Page(items, 3, keyOf)
	assert.Len(t, page, 3)
	assert.Empty(t, next)
}
