package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message kinds sent by the client.
const (
	KindContentChange   = "content_change"
	KindCursorMove      = "cursor_move"
	KindSelectionChange = "selection_change"
)

// Message kinds pushed by the server.
const (
	KindSessionState    = "session_state"
	KindUserJoined      = "user_joined"
	KindUserLeft        = "user_left"
	KindContentUpdate   = "content_update"
	KindCursorUpdate    = "cursor_update"
	KindSelectionUpdate = "selection_update"
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrUnknownKind      = errors.New("unknown message kind")
)

// Participant is one connected collaborator as reported by the server.
// Cursor and selection fields stay nil until the participant reports them;
// a nil selection bound means no active selection.
type Participant struct {
	ID             string `json:"id"`
	DisplayName    string `json:"displayName"`
	Color          string `json:"color"`
	CursorPosition *int   `json:"cursorPosition,omitempty"`
	SelectionStart *int   `json:"selectionStart,omitempty"`
	SelectionEnd   *int   `json:"selectionEnd,omitempty"`
}

// Clone returns a copy that shares no pointers with the original.
func (p Participant) Clone() Participant {
	c := p
	c.CursorPosition = cloneInt(p.CursorPosition)
	c.SelectionStart = cloneInt(p.SelectionStart)
	c.SelectionEnd = cloneInt(p.SelectionEnd)
	return c
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Document is the locally mirrored copy of a presentation's content.
type Document struct {
	Content   string    `json:"content"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CollaborationStatus is the read-only activity snapshot served over REST,
// used to preview a session before joining it.
type CollaborationStatus struct {
	Active            bool          `json:"active"`
	CollaboratorCount int           `json:"collaboratorCount"`
	Collaborators     []Participant `json:"collaborators"`
}

type ExportFormat string

const (
	FormatPDF  ExportFormat = "pdf"
	FormatHTML ExportFormat = "html"
	FormatPPTX ExportFormat = "pptx"
)

var ErrUnknownFormat = errors.New("unknown export format")

// ParseExportFormat validates a user-supplied format name.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch f := ExportFormat(s); f {
	case FormatPDF, FormatHTML, FormatPPTX:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

type ExportStatus string

const (
	ExportQueued     ExportStatus = "queued"
	ExportProcessing ExportStatus = "processing"
	ExportCompleted  ExportStatus = "completed"
	ExportFailed     ExportStatus = "failed"
)

// Terminal reports whether the job will not change state anymore.
func (s ExportStatus) Terminal() bool {
	return s == ExportCompleted || s == ExportFailed
}

// ExportJob is a server-side conversion job as reported by the export API.
type ExportJob struct {
	ID     string       `json:"jobId"`
	Format ExportFormat `json:"format"`
	Status ExportStatus `json:"status"`
	URL    string       `json:"url,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// Outbound is a client-to-server session message. The concrete types carry
// the payload; the kind discriminator is added on encode.
type Outbound interface {
	outbound()
}

// ContentChange retransmits the full content with the client's sequence tag.
type ContentChange struct {
	Content string `json:"content"`
	Version int64  `json:"version"`
}

type CursorMove struct {
	Position int `json:"position"`
}

type SelectionChange struct {
	Start *int `json:"start"`
	End   *int `json:"end"`
}

func (ContentChange) outbound()   {}
func (CursorMove) outbound()      {}
func (SelectionChange) outbound() {}

// EncodeOutbound serializes a client message with its kind discriminator.
func EncodeOutbound(m Outbound) ([]byte, error) {
	switch v := m.(type) {
	case ContentChange:
		return json.Marshal(struct {
			Kind string `json:"kind"`
			ContentChange
		}{KindContentChange, v})
	case CursorMove:
		return json.Marshal(struct {
			Kind string `json:"kind"`
			CursorMove
		}{KindCursorMove, v})
	case SelectionChange:
		return json.Marshal(struct {
			Kind string `json:"kind"`
			SelectionChange
		}{KindSelectionChange, v})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, m)
	}
}

// Inbound is a server-to-client session message.
type Inbound interface {
	inbound()
}

// SessionState is the initial full snapshot. Content is optional: nil means
// the server sent no content at all, which is distinct from empty content.
type SessionState struct {
	CollaboratorID string        `json:"collaboratorId"`
	Users          []Participant `json:"users"`
	Content        *string       `json:"content,omitempty"`
}

type UserJoined struct {
	User Participant `json:"user"`
}

type UserLeft struct {
	UserID string `json:"userId"`
}

type ContentUpdate struct {
	Content string `json:"content"`
	Version int64  `json:"version"`
}

type CursorUpdate struct {
	UserID   string `json:"userId"`
	Position int    `json:"position"`
}

type SelectionUpdate struct {
	UserID string `json:"userId"`
	Start  *int   `json:"start"`
	End    *int   `json:"end"`
}

func (SessionState) inbound()    {}
func (UserJoined) inbound()      {}
func (UserLeft) inbound()        {}
func (ContentUpdate) inbound()   {}
func (CursorUpdate) inbound()    {}
func (SelectionUpdate) inbound() {}

// DecodeInbound parses a server message into its concrete type. Unknown
// kinds return ErrUnknownKind so callers can ignore them without treating
// them as corruption.
func DecodeInbound(data []byte) (Inbound, error) {
	var env struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Join(ErrMalformedMessage, err)
	}

	switch env.Kind {
	case KindSessionState:
		return decode[SessionState](data)
	case KindUserJoined:
		return decode[UserJoined](data)
	case KindUserLeft:
		return decode[UserLeft](data)
	case KindContentUpdate:
		return decode[ContentUpdate](data)
	case KindCursorUpdate:
		return decode[CursorUpdate](data)
	case KindSelectionUpdate:
		return decode[SelectionUpdate](data)
	case "":
		return nil, fmt.Errorf("%w: missing kind", ErrMalformedMessage)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
}

// EncodeInbound serializes a server message with its kind discriminator.
// The client never sends these; it exists for tooling that has to speak
// the server side of the protocol.
func EncodeInbound(m Inbound) ([]byte, error) {
	switch v := m.(type) {
	case SessionState:
		return json.Marshal(struct {
			Kind string `json:"kind"`
			SessionState
		}{KindSessionState, v})
	case UserJoined:
		return json.Marshal(struct {
			Kind string `json:"kind"`
			UserJoined
		}{KindUserJoined, v})
	case UserLeft:
		return json.Marshal(struct {
			Kind string `json:"kind"`
			UserLeft
		}{KindUserLeft, v})
	case ContentUpdate:
		return json.Marshal(struct {
			Kind string `json:"kind"`
			ContentUpdate
		}{KindContentUpdate, v})
	case CursorUpdate:
		return json.Marshal(struct {
			Kind string `json:"kind"`
			CursorUpdate
		}{KindCursorUpdate, v})
	case SelectionUpdate:
		return json.Marshal(struct {
			Kind string `json:"kind"`
			SelectionUpdate
		}{KindSelectionUpdate, v})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, m)
	}
}

func decode[T Inbound](data []byte) (Inbound, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Join(ErrMalformedMessage, err)
	}
	return m, nil
}
