package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yashness/marp-presentation-creator-sub001/client/model"
)

func TestStore(t *testing.T) {
	st := NewStore()

	t.Run("get missing", func(t *testing.T) {
		_, err := st.Get("deck-1")
		assert.ErrorIs(t, err, ErrDocumentNotFound)
	})

	t.Run("put overwrites", func(t *testing.T) {
		require.NoError(t, st.Put("deck-1", model.Document{Content: "v1", Version: 1}))
		require.NoError(t, st.Put("deck-1", model.Document{Content: "v2", Version: 2, UpdatedAt: time.Now()}))

		doc, err := st.Get("deck-1")
		require.NoError(t, err)
		assert.Equal(t, "v2", doc.Content)
		assert.EqualValues(t, 2, doc.Version)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, st.Delete("deck-1"))
		_, err := st.Get("deck-1")
		assert.ErrorIs(t, err, ErrDocumentNotFound)

		assert.NoError(t, st.Delete("deck-1"), "deleting a missing document is not an error")
	})
}
