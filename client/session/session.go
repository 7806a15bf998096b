// Package session maintains a live collaboration session with a
// presentation server over a websocket connection.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/yashness/marp-presentation-creator-sub001/client/model"
)

const (
	defaultWebsocketReadBufferSize   = 10000
	defaultWebsocketWriteBufferSize  = 10000
	defaultWebSocketMaxMessageSize   = 1 << 20
	defaultWebSocketHandshakeTimeout = 3 * time.Second

	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give server to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	defaultSendBufferSize = 64
)

var (
	ErrNoPresentation = errors.New("presentation id is empty")
	ErrNoDisplayName  = errors.New("display name is empty")
	ErrBadServerURL   = errors.New("invalid server url")
	ErrDial           = errors.New("unable to connect to collaboration server")
	ErrConnectionLost = errors.New("connection lost")
)

type (
	// Handlers receive server events. Callbacks never overlap: they run
	// one at a time in arrival order, and a reconnect does not deliver
	// anything until every callback of the previous connection has
	// returned. They may touch shared state without extra locking. A nil
	// callback skips that event.
	Handlers struct {
		OnSessionState    func(selfID string, users []model.Participant, content *string)
		OnUserJoined      func(user model.Participant)
		OnUserLeft        func(userID string)
		OnContentUpdate   func(content string, version int64)
		OnCursorUpdate    func(userID string, position int)
		OnSelectionUpdate func(userID string, start, end *int)

		// OnDisconnect fires exactly once per connection, after the last
		// event callback of that connection has returned. The error is nil
		// when Disconnect was called locally and non-nil when the
		// connection was lost.
		OnDisconnect func(err error)
	}

	Config struct {
		Logger         *zerolog.Logger
		Handlers       Handlers
		ServerURL      string
		PresentationID string
		DisplayName    string
	}

	Session struct {
		logger   zerolog.Logger
		handlers Handlers
		dialer   *websocket.Dialer
		wsURL    string

		mux       sync.RWMutex
		connected bool
		dialing   bool
		quit      chan struct{}
		done      chan struct{}
		cause     error
		tx        chan model.Outbound
		selfID    string
		version   int64
		roster    map[string]*model.Participant
	}
)

// New validates the config and returns a disconnected session.
func New(cfg Config) (*Session, error) {
	if cfg.PresentationID == "" {
		return nil, ErrNoPresentation
	}
	if cfg.DisplayName == "" {
		return nil, ErrNoDisplayName
	}
	wsURL, err := sessionURL(cfg.ServerURL, cfg.PresentationID, cfg.DisplayName)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}
	return &Session{
		logger: cfg.Logger.With().
			Str("component", "collab-session").
			Str("presentationID", cfg.PresentationID).
			Logger(),
		handlers: cfg.Handlers,
		wsURL:    wsURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
		},
	}, nil
}

func sessionURL(server, presentationID, displayName string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", errors.Join(ErrBadServerURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrBadServerURL, u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/collaborate/" + presentationID
	u.RawQuery = url.Values{"name": {displayName}}.Encode()
	return u.String(), nil
}

// Connect dials the server and starts the read and write pumps. The
// context bounds the dial only; the established connection lives until
// Disconnect is called or the connection fails. Calling Connect on a
// session that is already connected does nothing. Connect waits for a
// previous connection of this session to fully wind down before dialing,
// so it must not be called from inside a handler callback.
func (s *Session) Connect(ctx context.Context) error {
	s.mux.Lock()
	if s.connected || s.dialing {
		s.mux.Unlock()
		s.logger.Debug().Msg("connect ignored, session already connected")
		return nil
	}
	prev := s.done
	s.dialing = true
	s.mux.Unlock()

	// frames from this connection must not interleave with callbacks
	// still draining from the previous one
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			s.mux.Lock()
			s.dialing = false
			s.mux.Unlock()
			return errors.Join(ErrDial, ctx.Err())
		}
	}

	conn, resp, err := s.dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		s.mux.Lock()
		s.dialing = false
		s.mux.Unlock()
		if resp != nil {
			s.logger.Error().Err(err).Int("status", resp.StatusCode).Msg("websocket dial failed")
		} else {
			s.logger.Error().Err(err).Msg("websocket dial failed")
		}
		return errors.Join(ErrDial, err)
	}

	quit := make(chan struct{})
	done := make(chan struct{})
	tx := make(chan model.Outbound, defaultSendBufferSize)

	s.mux.Lock()
	s.dialing = false
	s.connected = true
	s.quit = quit
	s.done = done
	s.cause = nil
	s.tx = tx
	s.selfID = ""
	s.version = 0
	s.roster = make(map[string]*model.Participant)
	s.mux.Unlock()

	// pumps outlive the dial context
	connCtx, cancel := context.WithCancel(context.Background())
	go s.supervise(connCtx, cancel, conn, tx, quit, done)

	s.logger.Debug().Msg("session connected")
	return nil
}

// Disconnect closes the connection and discards all session state. It is
// safe to call repeatedly and from within handler callbacks.
func (s *Session) Disconnect() {
	s.mux.RLock()
	quit := s.quit
	s.mux.RUnlock()
	s.teardown(nil, quit)
}

// teardown discards session state and records the disconnect cause. The
// quit channel identifies the connection being torn down, so a stale
// supervisor cannot kill a newer connection. The first caller wins; later
// calls are no-ops. It never waits for the pumps, so it can run from a
// handler callback without deadlocking. OnDisconnect delivery stays with
// the supervisor, which runs it only after both pumps have exited.
func (s *Session) teardown(cause error, quit chan struct{}) {
	s.mux.Lock()
	if !s.connected || s.quit != quit {
		s.mux.Unlock()
		return
	}
	s.connected = false
	close(s.quit)
	s.cause = cause
	s.selfID = ""
	s.version = 0
	s.roster = nil
	s.mux.Unlock()

	if cause != nil {
		s.logger.Warn().Err(cause).Msg("session disconnected")
	} else {
		s.logger.Debug().Msg("session disconnected")
	}
}

func (s *Session) supervise(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	tx <-chan model.Outbound,
	quit chan struct{},
	done chan struct{},
) {
	wg := &sync.WaitGroup{}

	var readErr, writeErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		readErr = s.readPump(ctx, conn, quit)
		cancel()
	}()
	go func() {
		defer wg.Done()
		writeErr = s.writePump(ctx, conn, tx, quit)
		cancel()
	}()

	wg.Wait()
	if err := conn.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("websocket close failed")
	}

	cause := readErr
	if cause == nil {
		cause = writeErr
	}
	s.teardown(cause, quit)

	// both pumps have exited, so the recorded cause is final and no event
	// callback of this connection can still be running
	s.mux.RLock()
	cause = s.cause
	s.mux.RUnlock()
	if h := s.handlers.OnDisconnect; h != nil {
		h(cause)
	}
	close(done)
}

func (s *Session) writePump(
	ctx context.Context,
	conn *websocket.Conn,
	tx <-chan model.Outbound,
	quit <-chan struct{},
) error {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-quit:
			// local disconnect, say goodbye before hanging up
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
			if wsErr == nil {
				wsErr = conn.WriteMessage(websocket.CloseMessage, []byte{})
			}
			if wsErr != nil {
				s.logger.Debug().Err(wsErr).Msg("failed to send close message")
			}
			return nil

		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				s.logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				return errors.Join(ErrConnectionLost, wsErr)
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				s.logger.Error().Err(wsErr).Msg("failed to send ping")
				return errors.Join(ErrConnectionLost, wsErr)
			}
			s.logger.Trace().Msg("ping sent")

		case msg := <-tx:
			b, err := model.EncodeOutbound(msg)
			if err != nil {
				s.logger.Error().Err(err).Msg("failed to marshall outgoing message")
				continue
			}

			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				s.logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				return errors.Join(ErrConnectionLost, wsErr)
			}
			wsW, wsErr := conn.NextWriter(websocket.TextMessage)
			if wsErr != nil {
				s.logger.Error().Err(wsErr).Msg("failed to get websocket text writer")
				return errors.Join(ErrConnectionLost, wsErr)
			}
			_, wsErr = wsW.Write(b)
			if wsErr != nil {
				s.logger.Error().Err(wsErr).Msg("failed to write outgoing message")
				return errors.Join(ErrConnectionLost, wsErr)
			}
			wsErr = wsW.Close()
			if wsErr != nil {
				s.logger.Error().Err(wsErr).Msg("failed to close websocket writer")
				return errors.Join(ErrConnectionLost, wsErr)
			}
		}
	}
}

func (s *Session) readPump(ctx context.Context, conn *websocket.Conn, quit chan struct{}) error {
	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		s.logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	if err := readDeadLineFunc(defaultPongWait); err != nil {
		s.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return errors.Join(ErrConnectionLost, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			_, data, wsErr := conn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					s.logger.Warn().Err(wsErr).Msg("connection closed by server")
				} else {
					s.logger.Error().Err(wsErr).Msg("unexpected error during receive")
				}
				return errors.Join(ErrConnectionLost, wsErr)
			}

			msg, err := model.DecodeInbound(data)
			switch {
			case errors.Is(err, model.ErrUnknownKind):
				s.logger.Debug().Err(err).Msg("ignoring message of unknown kind")
			case err != nil:
				s.logger.Warn().Err(err).Msg("failed to unmarshall incoming message")
			default:
				s.dispatch(msg, quit)
			}
		}
	}
}

// dispatch applies one server message to the local state and then invokes
// the matching handler. State mutation happens under lock, callbacks run
// without it. The quit channel identifies the connection the message was
// read from; messages racing a teardown, or arriving from a connection
// that is no longer the current one, are discarded so that OnDisconnect
// stays the last delivered event.
func (s *Session) dispatch(msg model.Inbound, quit chan struct{}) {
	switch v := msg.(type) {
	case model.SessionState:
		s.mux.Lock()
		if !s.connected || s.quit != quit {
			s.mux.Unlock()
			return
		}
		s.selfID = v.CollaboratorID
		s.roster = make(map[string]*model.Participant, len(v.Users))
		for _, u := range v.Users {
			c := u.Clone()
			s.roster[u.ID] = &c
		}
		s.mux.Unlock()
		s.logger.Debug().
			Str("collaboratorID", v.CollaboratorID).
			Int("users", len(v.Users)).
			Msg("session state received")
		if h := s.handlers.OnSessionState; h != nil {
			h(v.CollaboratorID, cloneAll(v.Users), v.Content)
		}

	case model.UserJoined:
		s.mux.Lock()
		if !s.connected || s.quit != quit {
			s.mux.Unlock()
			return
		}
		c := v.User.Clone()
		s.roster[v.User.ID] = &c
		s.mux.Unlock()
		s.logger.Debug().Str("userID", v.User.ID).Msg("user joined")
		if h := s.handlers.OnUserJoined; h != nil {
			h(v.User.Clone())
		}

	case model.UserLeft:
		s.mux.Lock()
		if !s.connected || s.quit != quit {
			s.mux.Unlock()
			return
		}
		delete(s.roster, v.UserID)
		s.mux.Unlock()
		s.logger.Debug().Str("userID", v.UserID).Msg("user left")
		if h := s.handlers.OnUserLeft; h != nil {
			h(v.UserID)
		}

	case model.ContentUpdate:
		// Server-assigned version replaces the local counter even when the
		// update is an echo of our own unacknowledged edit.
		s.mux.Lock()
		if !s.connected || s.quit != quit {
			s.mux.Unlock()
			return
		}
		s.version = v.Version
		s.mux.Unlock()
		if h := s.handlers.OnContentUpdate; h != nil {
			h(v.Content, v.Version)
		}

	case model.CursorUpdate:
		s.mux.Lock()
		if !s.connected || s.quit != quit {
			s.mux.Unlock()
			return
		}
		if p, ok := s.roster[v.UserID]; ok {
			pos := v.Position
			p.CursorPosition = &pos
		}
		s.mux.Unlock()
		if h := s.handlers.OnCursorUpdate; h != nil {
			h(v.UserID, v.Position)
		}

	case model.SelectionUpdate:
		s.mux.Lock()
		if !s.connected || s.quit != quit {
			s.mux.Unlock()
			return
		}
		if p, ok := s.roster[v.UserID]; ok {
			p.SelectionStart = cloneIntPtr(v.Start)
			p.SelectionEnd = cloneIntPtr(v.End)
		}
		s.mux.Unlock()
		if h := s.handlers.OnSelectionUpdate; h != nil {
			h(v.UserID, cloneIntPtr(v.Start), cloneIntPtr(v.End))
		}
	}
}

// SendContentChange advances the local version counter and queues the full
// content for delivery. Messages are dropped silently when the session is
// not connected.
func (s *Session) SendContentChange(content string) {
	s.mux.Lock()
	if !s.connected {
		s.mux.Unlock()
		s.logger.Debug().Msg("dropping content change, session is not connected")
		return
	}
	s.version++
	msg := model.ContentChange{Content: content, Version: s.version}
	tx := s.tx
	s.mux.Unlock()

	s.push(tx, msg)
}

// SendCursorMove queues a cursor position update, dropped silently when
// not connected.
func (s *Session) SendCursorMove(position int) {
	tx, ok := s.sendChan()
	if !ok {
		return
	}
	s.push(tx, model.CursorMove{Position: position})
}

// SendSelectionChange queues a selection update. Nil bounds clear the
// selection. Dropped silently when not connected.
func (s *Session) SendSelectionChange(start, end *int) {
	tx, ok := s.sendChan()
	if !ok {
		return
	}
	s.push(tx, model.SelectionChange{Start: cloneIntPtr(start), End: cloneIntPtr(end)})
}

func (s *Session) sendChan() (chan<- model.Outbound, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	if !s.connected {
		s.logger.Debug().Msg("dropping message, session is not connected")
		return nil, false
	}
	return s.tx, true
}

func (s *Session) push(tx chan<- model.Outbound, msg model.Outbound) {
	select {
	case tx <- msg:
	default:
		s.logger.Warn().Type("type", msg).Msg("send buffer is full, dropping message")
	}
}

// Connected reports whether the session currently holds a live connection.
func (s *Session) Connected() bool {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.connected
}

// SelfID returns the collaborator id assigned by the server, empty until
// the session state snapshot arrives.
func (s *Session) SelfID() string {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.selfID
}

// Version returns the current content version counter.
func (s *Session) Version() int64 {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.version
}

// Roster returns a copy of the known participants, ordered by id. The
// server decides whether the local collaborator is part of the roster it
// announces; Roster mirrors that verbatim.
func (s *Session) Roster() []model.Participant {
	s.mux.RLock()
	defer s.mux.RUnlock()
	out := make([]model.Participant, 0, len(s.roster))
	for _, p := range s.roster {
		out = append(out, p.Clone())
	}
	slices.SortFunc(out, func(a, b model.Participant) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Others returns the roster without the local collaborator, regardless of
// whether the server includes it in roster announcements.
func (s *Session) Others() []model.Participant {
	s.mux.RLock()
	defer s.mux.RUnlock()
	out := make([]model.Participant, 0, len(s.roster))
	for id, p := range s.roster {
		if id == s.selfID {
			continue
		}
		out = append(out, p.Clone())
	}
	slices.SortFunc(out, func(a, b model.Participant) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Participant returns a copy of one roster entry by id.
func (s *Session) Participant(id string) (model.Participant, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	p, ok := s.roster[id]
	if !ok {
		return model.Participant{}, false
	}
	return p.Clone(), true
}

func cloneAll(users []model.Participant) []model.Participant {
	out := make([]model.Participant, len(users))
	for i, u := range users {
		out[i] = u.Clone()
	}
	return out
}

func cloneIntPtr(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
