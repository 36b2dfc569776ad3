package memory

import (
	"testing"
	"time"

	"github.com/chirino/room-timeline/internal/model"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_SetGetRemove(t *testing.T) {
	c, err := New(100, time.Minute)
	require.NoError(t, err)
	require.True(t, c.Available())

	got, err := c.Get(t.Context(), "!r:x", "$a")
	require.NoError(t, err)
	require.Nil(t, got)

	summary := model.EventAnnotationsSummary{
		EventID:   "$a",
		Reactions: []model.ReactionSummary{{Key: "👍", Count: 2}},
	}
	require.NoError(t, c.Set(t.Context(), "!r:x", "$a", summary, 0))
	got, err = c.Get(t.Context(), "!r:x", "$a")
	require.NoError(t, err)
	require.Equal(t, &summary, got)

	other, err := c.Get(t.Context(), "!other:x", "$a")
	require.NoError(t, err)
	require.Nil(t, other)

	require.NoError(t, c.Remove(t.Context(), "!r:x", "$a"))
	got, err = c.Get(t.Context(), "!r:x", "$a")
	require.NoError(t, err)
	require.Nil(t, got)
}
