package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInbound(t *testing.T) {
	t.Run("session state with content", func(t *testing.T) {
		raw := `{"kind":"session_state","collaboratorId":"u1",` +
			`"users":[{"id":"u1","displayName":"Ann","color":"#FF6B6B"}],` +
			`"content":"# Deck"}`

		msg, err := DecodeInbound([]byte(raw))
		require.NoError(t, err)

		state, ok := msg.(SessionState)
		require.True(t, ok, "expected SessionState, got %T", msg)
		assert.Equal(t, "u1", state.CollaboratorID)
		require.Len(t, state.Users, 1)
		assert.Equal(t, "Ann", state.Users[0].DisplayName)
		require.NotNil(t, state.Content)
		assert.Equal(t, "# Deck", *state.Content)
	})

	t.Run("session state without content", func(t *testing.T) {
		msg, err := DecodeInbound([]byte(`{"kind":"session_state","collaboratorId":"u1","users":[]}`))
		require.NoError(t, err)
		assert.Nil(t, msg.(SessionState).Content)
	})

	t.Run("session state distinguishes empty content from absent", func(t *testing.T) {
		msg, err := DecodeInbound([]byte(`{"kind":"session_state","collaboratorId":"u1","users":[],"content":""}`))
		require.NoError(t, err)

		state := msg.(SessionState)
		require.NotNil(t, state.Content)
		assert.Empty(t, *state.Content)
	})

	t.Run("content update", func(t *testing.T) {
		msg, err := DecodeInbound([]byte(`{"kind":"content_update","content":"# Deck v2","version":7}`))
		require.NoError(t, err)

		upd, ok := msg.(ContentUpdate)
		require.True(t, ok, "expected ContentUpdate, got %T", msg)
		assert.Equal(t, "# Deck v2", upd.Content)
		assert.EqualValues(t, 7, upd.Version)
	})

	t.Run("selection update with null bounds", func(t *testing.T) {
		msg, err := DecodeInbound([]byte(`{"kind":"selection_update","userId":"u2","start":null,"end":null}`))
		require.NoError(t, err)

		sel := msg.(SelectionUpdate)
		assert.Equal(t, "u2", sel.UserID)
		assert.Nil(t, sel.Start)
		assert.Nil(t, sel.End)
	})

	t.Run("user joined and left", func(t *testing.T) {
		msg, err := DecodeInbound([]byte(`{"kind":"user_joined","user":{"id":"u3","displayName":"Bo","color":"#4ECDC4"}}`))
		require.NoError(t, err)
		assert.Equal(t, "u3", msg.(UserJoined).User.ID)

		msg, err = DecodeInbound([]byte(`{"kind":"user_left","userId":"u3"}`))
		require.NoError(t, err)
		assert.Equal(t, "u3", msg.(UserLeft).UserID)
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := DecodeInbound([]byte(`{"kind":"theme_update","theme":"gaia"}`))
		require.ErrorIs(t, err, ErrUnknownKind)
		assert.NotErrorIs(t, err, ErrMalformedMessage)
	})

	t.Run("missing kind", func(t *testing.T) {
		_, err := DecodeInbound([]byte(`{"content":"# Deck"}`))
		require.ErrorIs(t, err, ErrMalformedMessage)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := DecodeInbound([]byte(`{"kind":"content_update",`))
		require.ErrorIs(t, err, ErrMalformedMessage)
		assert.NotErrorIs(t, err, ErrUnknownKind)
	})
}

func TestEncodeOutbound(t *testing.T) {
	t.Run("content change carries kind and version", func(t *testing.T) {
		b, err := EncodeOutbound(ContentChange{Content: "# Deck", Version: 3})
		require.NoError(t, err)

		var got map[string]any
		require.NoError(t, json.Unmarshal(b, &got))
		assert.Equal(t, "content_change", got["kind"])
		assert.Equal(t, "# Deck", got["content"])
		assert.EqualValues(t, 3, got["version"])
	})

	t.Run("selection change keeps explicit nulls", func(t *testing.T) {
		b, err := EncodeOutbound(SelectionChange{})
		require.NoError(t, err)

		var got map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(b, &got))
		assert.JSONEq(t, `null`, string(got["start"]))
		assert.JSONEq(t, `null`, string(got["end"]))
	})
}

func TestEncodeInboundRoundTrip(t *testing.T) {
	pos := 42
	sent := CursorUpdate{UserID: "u9", Position: pos}

	b, err := EncodeInbound(sent)
	require.NoError(t, err)

	got, err := DecodeInbound(b)
	require.NoError(t, err)
	assert.Equal(t, sent, got)
}

func TestParticipantClone(t *testing.T) {
	pos := 10
	p := Participant{ID: "u1", DisplayName: "Ann", Color: "#FF6B6B", CursorPosition: &pos}

	c := p.Clone()
	require.NotNil(t, c.CursorPosition)
	*c.CursorPosition = 99

	assert.Equal(t, 10, *p.CursorPosition)
}

func TestParseExportFormat(t *testing.T) {
	f, err := ParseExportFormat("pdf")
	require.NoError(t, err)
	assert.Equal(t, FormatPDF, f)

	_, err = ParseExportFormat("docx")
	require.ErrorIs(t, err, ErrUnknownFormat)
}

func TestExportStatusTerminal(t *testing.T) {
	assert.False(t, ExportQueued.Terminal())
	assert.False(t, ExportProcessing.Terminal())
	assert.True(t, ExportCompleted.Terminal())
	assert.True(t, ExportFailed.Terminal())
}
