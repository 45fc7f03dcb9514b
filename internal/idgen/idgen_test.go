package idgen

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("req_")
	assert.True(t, strings.HasPrefix(id, "req_"))
	assert.Len(t, id, len("req_")+24)
	assert.NotEqual(t, id, WithPrefix("req_"))
}

func TestWithPrefix_SortsByTime(t *testing.T) {
	defer func() { now = time.Now }()
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	now = func() time.Time { return base }
	first := WithPrefix("ent_")
	now = func() time.Time { return base.Add(time.Millisecond) }
	second := WithPrefix("ent_")

	assert.Less(t, first, second)

	now = func() time.Time { return base }
	again := WithPrefix("ent_")
	assert.Equal(t, first[:4+12], again[:4+12], "same millisecond, same timestamp part")
	assert.NotEqual(t, first, again)
}
