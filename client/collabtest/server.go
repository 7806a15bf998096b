// Package collabtest provides a scripted in-process collaboration server
// for exercising the client packages in tests.
package collabtest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/yashness/marp-presentation-creator-sub001/client/model"
)

// TB is the subset of testing.TB the server uses.
type TB interface {
	Logf(format string, args ...any)
	Cleanup(func())
}

const (
	defaultPushTimeout  = time.Second
	defaultPollInterval = 10 * time.Millisecond

	clientTxBufferSize = 16
)

// colorPalette mirrors the fixed set of display colors a collaboration
// server hands out to joining users.
var colorPalette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#FFA07A",
	"#98D8C8", "#F7DC6F", "#BB8FCE", "#85C1E9",
}

// Received is a loosely decoded client message, flattened so tests can
// assert on any kind's fields without type switching.
type Received struct {
	CollaboratorID string
	Kind           string
	Content        string
	Version        int64
	Position       int
	Start          *int
	End            *int
	Raw            []byte
}

type client struct {
	id     string
	name   string
	color  string
	conn   *websocket.Conn
	tx     chan []byte
	cancel context.CancelFunc
}

// Server speaks the collaboration protocol over a real listener. Joining
// clients get uuid collaborator ids and palette colors, their messages are
// recorded and relayed, and the REST surface (status, export jobs, file
// downloads) is served from scriptable state.
type Server struct {
	t TB

	httpSrv  *httptest.Server
	upgrader websocket.Upgrader

	mux            sync.RWMutex
	clients        map[string]*client
	order          []string
	received       []Received
	includeSelf    bool
	initialContent *string
	version        int64
	nextColor      int
	status         *model.CollaborationStatus
	exportScript   []model.ExportStatus
	jobs           map[string]*exportJob
	files          map[string][]byte
}

type exportJob struct {
	format model.ExportFormat
	states []model.ExportStatus
	step   int
}

func New(t TB) *Server {
	s := &Server{
		t: t,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 3 * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		clients:     make(map[string]*client),
		includeSelf: true,
		jobs:        make(map[string]*exportJob),
		files:       make(map[string][]byte),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /collaborate/{presentationID}", s.collaborate)
	mux.HandleFunc("GET /api/presentations/{presentationID}/collaboration", s.collaborationStatus)
	mux.HandleFunc("POST /api/presentations/{presentationID}/export", s.startExport)
	mux.HandleFunc("GET /api/export/jobs/{jobID}", s.exportJobStatus)
	mux.HandleFunc("GET /files/{name}", s.file)

	s.httpSrv = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// URL returns the http base address clients should dial.
func (s *Server) URL() string {
	return s.httpSrv.URL
}

func (s *Server) Close() {
	s.DisconnectAll()
	s.httpSrv.Close()
}

// SetIncludeSelf controls whether session_state and live status include
// the requesting collaborator itself. Applies to subsequent joins.
func (s *Server) SetIncludeSelf(v bool) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.includeSelf = v
}

// SetInitialContent sets the content delivered in session_state. Nil
// omits the field entirely, a pointer to "" sends it empty.
func (s *Server) SetInitialContent(content *string) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.initialContent = content
}

// SetStatus overrides the computed collaboration status. Nil restores
// the live roster-derived response.
func (s *Server) SetStatus(status *model.CollaborationStatus) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.status = status
}

// ScriptExport sets the status sequence the next started job walks
// through, one step per poll, holding the last state forever.
func (s *Server) ScriptExport(states ...model.ExportStatus) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.exportScript = states
}

// AddFile registers a download served at /files/{name}.
func (s *Server) AddFile(name string, data []byte) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.files[name] = data
}

func (s *Server) collaborate(w http.ResponseWriter, r *http.Request) {
	if r.PathValue("presentationID") == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.t.Logf("collabtest: upgrade failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		id:     uuid.NewString(),
		name:   name,
		conn:   conn,
		tx:     make(chan []byte, clientTxBufferSize),
		cancel: cancel,
	}

	s.mux.Lock()
	c.color = colorPalette[s.nextColor%len(colorPalette)]
	s.nextColor++
	s.clients[c.id] = c
	s.order = append(s.order, c.id)
	includeSelf := s.includeSelf
	content := s.initialContent
	users := s.rosterLocked(includeSelf, c.id)
	s.mux.Unlock()

	go s.writePump(ctx, c)

	s.deliver(c, model.SessionState{
		CollaboratorID: c.id,
		Users:          users,
		Content:        content,
	})
	s.broadcast(c.id, model.UserJoined{User: s.participant(c)})

	go s.readLoop(ctx, c)
}

func (s *Server) rosterLocked(includeSelf bool, selfID string) []model.Participant {
	users := make([]model.Participant, 0, len(s.clients))
	for _, id := range s.order {
		c, ok := s.clients[id]
		if !ok || (!includeSelf && id == selfID) {
			continue
		}
		users = append(users, s.participant(c))
	}
	return users
}

func (s *Server) participant(c *client) model.Participant {
	return model.Participant{ID: c.id, DisplayName: c.name, Color: c.color}
}

func (s *Server) writePump(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-c.tx:
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	defer s.drop(c)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		s.record(c.id, data)
		s.relay(c.id, data)
	}
}

// drop removes a disconnected client and tells the others.
func (s *Server) drop(c *client) {
	c.cancel()
	_ = c.conn.Close()

	s.mux.Lock()
	if _, ok := s.clients[c.id]; !ok {
		s.mux.Unlock()
		return
	}
	delete(s.clients, c.id)
	s.mux.Unlock()

	s.broadcast(c.id, model.UserLeft{UserID: c.id})
}

func (s *Server) record(id string, data []byte) {
	rec := Received{CollaboratorID: id, Raw: data}
	var flat struct {
		Kind     string `json:"kind"`
		Content  string `json:"content"`
		Version  int64  `json:"version"`
		Position int    `json:"position"`
		Start    *int   `json:"start"`
		End      *int   `json:"end"`
	}
	if err := json.Unmarshal(data, &flat); err == nil {
		rec.Kind = flat.Kind
		rec.Content = flat.Content
		rec.Version = flat.Version
		rec.Position = flat.Position
		rec.Start = flat.Start
		rec.End = flat.End
	}

	s.mux.Lock()
	defer s.mux.Unlock()
	s.received = append(s.received, rec)
}

// relay converts a client message into the matching server broadcast and
// sends it to everyone except the sender.
func (s *Server) relay(senderID string, data []byte) {
	var flat struct {
		Kind     string `json:"kind"`
		Content  string `json:"content"`
		Position int    `json:"position"`
		Start    *int   `json:"start"`
		End      *int   `json:"end"`
	}
	if err := json.Unmarshal(data, &flat); err != nil {
		s.t.Logf("collabtest: unparseable client message: %v", err)
		return
	}

	switch flat.Kind {
	case model.KindContentChange:
		s.mux.Lock()
		s.version++
		v := s.version
		s.mux.Unlock()
		s.broadcast(senderID, model.ContentUpdate{Content: flat.Content, Version: v})
	case model.KindCursorMove:
		s.broadcast(senderID, model.CursorUpdate{UserID: senderID, Position: flat.Position})
	case model.KindSelectionChange:
		s.broadcast(senderID, model.SelectionUpdate{UserID: senderID, Start: flat.Start, End: flat.End})
	}
}

func (s *Server) broadcast(exceptID string, msg model.Inbound) {
	s.mux.RLock()
	targets := make([]*client, 0, len(s.clients))
	for id, c := range s.clients {
		if id != exceptID {
			targets = append(targets, c)
		}
	}
	s.mux.RUnlock()

	for _, c := range targets {
		s.deliver(c, msg)
	}
}

func (s *Server) deliver(c *client, msg model.Inbound) {
	b, err := model.EncodeInbound(msg)
	if err != nil {
		s.t.Logf("collabtest: encode failed: %v", err)
		return
	}
	s.deliverRaw(c, b)
}

func (s *Server) deliverRaw(c *client, b []byte) {
	tCh := time.NewTimer(defaultPushTimeout)
	defer tCh.Stop()
	select {
	case c.tx <- b:
	case <-tCh.C:
		s.t.Logf("collabtest: dead client %s, message dropped", c.id)
	}
}

// Push delivers a message to one collaborator, as if the server produced
// it. Reports whether the collaborator is connected.
func (s *Server) Push(collaboratorID string, msg model.Inbound) bool {
	s.mux.RLock()
	c, ok := s.clients[collaboratorID]
	s.mux.RUnlock()
	if !ok {
		return false
	}
	s.deliver(c, msg)
	return true
}

// PushRaw delivers an arbitrary frame, bypassing the protocol encoder.
// Lets tests exercise unknown kinds and malformed payloads.
func (s *Server) PushRaw(collaboratorID string, data []byte) bool {
	s.mux.RLock()
	c, ok := s.clients[collaboratorID]
	s.mux.RUnlock()
	if !ok {
		return false
	}
	s.deliverRaw(c, data)
	return true
}

// PushAll delivers a message to every connected collaborator.
func (s *Server) PushAll(msg model.Inbound) {
	s.broadcast("", msg)
}

// DisconnectAll hard-closes every connection, simulating a server crash.
func (s *Server) DisconnectAll() {
	s.mux.Lock()
	dropped := make([]*client, 0, len(s.clients))
	for id, c := range s.clients {
		dropped = append(dropped, c)
		delete(s.clients, id)
	}
	s.mux.Unlock()

	for _, c := range dropped {
		c.cancel()
		_ = c.conn.Close()
	}
}

// Clients returns the connected collaborators in join order.
func (s *Server) Clients() []model.Participant {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.rosterLocked(true, "")
}

// CollaboratorID finds the server-assigned id for a display name.
func (s *Server) CollaboratorID(name string) (string, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	for _, c := range s.clients {
		if c.name == name {
			return c.id, true
		}
	}
	return "", false
}

// Received returns a copy of every client message recorded so far.
func (s *Server) Received() []Received {
	s.mux.RLock()
	defer s.mux.RUnlock()
	out := make([]Received, len(s.received))
	copy(out, s.received)
	return out
}

// WaitForKind polls until a client message of the given kind has been
// recorded or the timeout expires.
func (s *Server) WaitForKind(kind string, timeout time.Duration) (Received, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, rec := range s.Received() {
			if rec.Kind == kind {
				return rec, true
			}
		}
		time.Sleep(defaultPollInterval)
	}
	return Received{}, false
}

// WaitForClients polls until n collaborators are connected or the timeout
// expires.
func (s *Server) WaitForClients(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(s.Clients()) == n {
			return true
		}
		time.Sleep(defaultPollInterval)
	}
	return false
}

func (s *Server) collaborationStatus(w http.ResponseWriter, r *http.Request) {
	s.mux.RLock()
	status := s.status
	var live model.CollaborationStatus
	if status == nil {
		users := s.rosterLocked(true, "")
		live = model.CollaborationStatus{
			Active:            len(users) > 0,
			CollaboratorCount: len(users),
			Collaborators:     users,
		}
		status = &live
	}
	s.mux.RUnlock()

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) startExport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Format string `json:"format"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	format, err := model.ParseExportFormat(req.Format)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mux.Lock()
	states := s.exportScript
	if len(states) == 0 {
		states = []model.ExportStatus{model.ExportQueued, model.ExportProcessing, model.ExportCompleted}
	}
	job := &exportJob{format: format, states: states}
	id := uuid.NewString()
	s.jobs[id] = job
	s.mux.Unlock()

	writeJSON(w, http.StatusAccepted, s.jobView(id, job, job.states[0]))
}

func (s *Server) exportJobStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("jobID")

	s.mux.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mux.Unlock()
		w.WriteHeader(http.StatusNotFound)
		return
	}
	state := job.states[job.step]
	if job.step < len(job.states)-1 {
		job.step++
	}
	s.mux.Unlock()

	writeJSON(w, http.StatusOK, s.jobView(id, job, state))
}

func (s *Server) jobView(id string, job *exportJob, state model.ExportStatus) model.ExportJob {
	view := model.ExportJob{ID: id, Format: job.format, Status: state}
	switch state {
	case model.ExportCompleted:
		view.URL = "/files/export." + string(job.format)
	case model.ExportFailed:
		view.Error = "conversion failed"
	}
	return view
}

func (s *Server) file(w http.ResponseWriter, r *http.Request) {
	s.mux.RLock()
	data, ok := s.files[r.PathValue("name")]
	s.mux.RUnlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	b, _ := json.Marshal(v)
	_, _ = w.Write(b)
}
