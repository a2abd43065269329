package fake_jupyter

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/scusemua/remote-notebook/common/jupyter"
	"github.com/scusemua/remote-notebook/common/jupyter/api"
	"github.com/scusemua/remote-notebook/common/jupyter/messaging"
)

// ExecuteHandler scripts the kernel side of one execute_request. The busy
// status has already been sent when the handler runs; the handler owns
// everything after that, including the execute_reply and the final idle
// status, so tests control the exact message ordering.
type ExecuteHandler func(ch *KernelChannel, request *messaging.Message, executionCount int)

// CompleteHandler scripts the kernel side of one complete_request.
type CompleteHandler func(ch *KernelChannel, request *messaging.Message, content *messaging.MessageCompleteRequest)

// Server is an in-process Jupyter server double: the REST surface backed by
// in-memory state, plus a per-kernel websocket channel bridge whose kernel
// behavior is scripted per code cell.
type Server struct {
	http *httptest.Server

	token string

	mu        sync.Mutex
	kernels   map[string]*Kernel
	sessions  map[string]*api.SessionModel
	contents  map[string]*api.ContentsModel
	terminals map[string]*api.TerminalModel
	metrics   api.ResourceMetrics

	nextTerminal int

	scripts    map[string]ExecuteHandler
	onExecute  ExecuteHandler
	onComplete CompleteHandler

	log logger.Logger
}

func NewServer(token string) *Server {
	srv := &Server{
		token:     token,
		kernels:   make(map[string]*Kernel),
		sessions:  make(map[string]*api.SessionModel),
		contents:  make(map[string]*api.ContentsModel),
		terminals: make(map[string]*api.TerminalModel),
		scripts:   make(map[string]ExecuteHandler),
	}
	config.InitLogger(&srv.log, srv)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/kernels", srv.handleKernels)
	mux.HandleFunc("/api/kernels/", srv.handleKernel)
	mux.HandleFunc("/api/sessions", srv.handleSessions)
	mux.HandleFunc("/api/sessions/", srv.handleSession)
	mux.HandleFunc("/api/contents/", srv.handleContents)
	mux.HandleFunc("/api/terminals", srv.handleTerminals)
	mux.HandleFunc("/api/terminals/", srv.handleTerminal)
	mux.HandleFunc("/api/metrics/v1", srv.handleMetrics)

	srv.http = httptest.NewServer(mux)
	return srv
}

func (s *Server) Close() {
	s.mu.Lock()
	for _, kernel := range s.kernels {
		if kernel.channel != nil {
			kernel.channel.CloseAbruptly()
		}
	}
	s.mu.Unlock()

	s.http.Close()
}

// URL returns the server's HTTP base URL.
func (s *Server) URL() string {
	return s.http.URL
}

// Connection returns a ServerConnection pointed at this fake, with its token.
func (s *Server) Connection() *jupyter.ServerConnection {
	return &jupyter.ServerConnection{
		BaseURL: s.http.URL,
		Token:   s.token,
	}
}

// Script registers the kernel behavior for an exact code cell. Executions of
// unscripted code get an ok execute_reply followed by idle, with no output.
func (s *Server) Script(code string, handler ExecuteHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[code] = handler
}

// OnExecute sets the fallback handler for code cells without a Script entry.
func (s *Server) OnExecute(handler ExecuteHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExecute = handler
}

// OnComplete sets the handler for complete_request messages. Without one, the
// fake replies with no matches.
func (s *Server) OnComplete(handler CompleteHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onComplete = handler
}

// SetMetrics sets the payload served at /api/metrics/v1.
func (s *Server) SetMetrics(metrics api.ResourceMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = metrics
}

// StartedKernels returns how many kernels have been started so far.
func (s *Server) StartedKernels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.kernels)
}

// Kernel returns the fake's record of the given kernel, or nil.
func (s *Server) Kernel(kernelID string) *Kernel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kernels[kernelID]
}

// Channel returns the kernel's live channel bridge, or nil if no client is
// connected to it.
func (s *Server) Channel(kernelID string) *KernelChannel {
	s.mu.Lock()
	defer s.mu.Unlock()

	kernel := s.kernels[kernelID]
	if kernel == nil {
		return nil
	}
	return kernel.channel
}

// Kernel is the fake's record of one started kernel.
type Kernel struct {
	Model api.KernelModel

	execCount int
	channel   *KernelChannel
}

func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	return r.Header.Get("Authorization") == fmt.Sprintf("token %s", s.token)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	encoded, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	_, _ = w.Write(encoded)
}

func (s *Server) writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	s.writeJSON(w, status, map[string]string{"message": fmt.Sprintf(format, args...)})
}

func (s *Server) handleKernels(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	switch r.Method {
	case http.MethodPost:
		var body struct {
			Name string `json:"name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		kernel := &Kernel{
			Model: api.KernelModel{
				ID:             uuid.NewString(),
				Name:           body.Name,
				ExecutionState: "starting",
			},
		}

		s.mu.Lock()
		s.kernels[kernel.Model.ID] = kernel
		s.mu.Unlock()

		s.log.Debug("Started kernel %s (spec \"%s\").", kernel.Model.ID, body.Name)
		s.writeJSON(w, http.StatusCreated, kernel.Model)
	case http.MethodGet:
		s.mu.Lock()
		models := make([]api.KernelModel, 0, len(s.kernels))
		for _, kernel := range s.kernels {
			models = append(models, kernel.Model)
		}
		s.mu.Unlock()

		s.writeJSON(w, http.StatusOK, models)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method %s not allowed", r.Method)
	}
}

func (s *Server) handleKernel(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/kernels/")
	parts := strings.Split(rest, "/")
	kernelID := parts[0]

	s.mu.Lock()
	kernel := s.kernels[kernelID]
	s.mu.Unlock()

	if kernel == nil {
		s.writeError(w, http.StatusNotFound, "no kernel %s", kernelID)
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "channels":
			s.serveChannels(w, r, kernel)
		case "interrupt":
			w.WriteHeader(http.StatusNoContent)
		case "restart":
			s.writeJSON(w, http.StatusOK, kernel.Model)
		default:
			s.writeError(w, http.StatusNotFound, "unknown kernel action %s", parts[1])
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, kernel.Model)
	case http.MethodDelete:
		s.mu.Lock()
		delete(s.kernels, kernelID)
		channel := kernel.channel
		s.mu.Unlock()

		if channel != nil {
			channel.CloseAbruptly()
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method %s not allowed", r.Method)
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	switch r.Method {
	case http.MethodPost:
		var body struct {
			Path   string `json:"path"`
			Type   string `json:"type"`
			Kernel struct {
				Name string `json:"name"`
			} `json:"kernel"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		kernel := &Kernel{
			Model: api.KernelModel{
				ID:   uuid.NewString(),
				Name: body.Kernel.Name,
			},
		}
		session := &api.SessionModel{
			ID:     uuid.NewString(),
			Path:   body.Path,
			Name:   body.Path,
			Type:   body.Type,
			Kernel: &kernel.Model,
		}

		s.mu.Lock()
		s.kernels[kernel.Model.ID] = kernel
		s.sessions[session.ID] = session
		s.mu.Unlock()

		s.writeJSON(w, http.StatusCreated, session)
	case http.MethodGet:
		s.mu.Lock()
		sessions := make([]*api.SessionModel, 0, len(s.sessions))
		for _, session := range s.sessions {
			sessions = append(sessions, session)
		}
		s.mu.Unlock()

		s.writeJSON(w, http.StatusOK, sessions)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method %s not allowed", r.Method)
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	sessionID := strings.TrimPrefix(r.URL.Path, "/api/sessions/")

	s.mu.Lock()
	_, ok := s.sessions[sessionID]
	if ok && r.Method == http.MethodDelete {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()

	if !ok {
		s.writeError(w, http.StatusNotFound, "no session %s", sessionID)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleContents(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	remotePath := strings.TrimPrefix(r.URL.Path, "/api/contents/")

	switch r.Method {
	case http.MethodGet:
		s.mu.Lock()
		model, ok := s.contents[remotePath]
		if !ok {
			model = s.directoryModel(remotePath)
			ok = model != nil
		}
		s.mu.Unlock()

		if !ok {
			s.writeError(w, http.StatusNotFound, "no file or directory \"%s\"", remotePath)
			return
		}

		if r.URL.Query().Get("content") == "0" {
			stripped := *model
			stripped.Content = nil
			s.writeJSON(w, http.StatusOK, &stripped)
			return
		}

		s.writeJSON(w, http.StatusOK, model)
	case http.MethodPut:
		var body struct {
			Type    string          `json:"type"`
			Format  string          `json:"format"`
			Content json.RawMessage `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, http.StatusBadRequest, "bad contents body: %v", err)
			return
		}

		name := remotePath
		if idx := strings.LastIndex(remotePath, "/"); idx >= 0 {
			name = remotePath[idx+1:]
		}

		model := &api.ContentsModel{
			Name:     name,
			Path:     remotePath,
			Type:     body.Type,
			Format:   body.Format,
			Writable: true,
			Content:  body.Content,
		}

		s.mu.Lock()
		_, existed := s.contents[remotePath]
		s.contents[remotePath] = model
		s.mu.Unlock()

		status := http.StatusCreated
		if existed {
			status = http.StatusOK
		}
		s.writeJSON(w, status, model)
	case http.MethodPatch:
		var body struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, http.StatusBadRequest, "bad rename body: %v", err)
			return
		}

		s.mu.Lock()
		model, ok := s.contents[remotePath]
		if ok {
			delete(s.contents, remotePath)
			model.Path = body.Path
			if idx := strings.LastIndex(body.Path, "/"); idx >= 0 {
				model.Name = body.Path[idx+1:]
			} else {
				model.Name = body.Path
			}
			s.contents[body.Path] = model
		}
		s.mu.Unlock()

		if !ok {
			s.writeError(w, http.StatusNotFound, "no file or directory \"%s\"", remotePath)
			return
		}

		s.writeJSON(w, http.StatusOK, model)
	case http.MethodDelete:
		s.mu.Lock()
		_, ok := s.contents[remotePath]
		delete(s.contents, remotePath)
		s.mu.Unlock()

		if !ok {
			s.writeError(w, http.StatusNotFound, "no file or directory \"%s\"", remotePath)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method %s not allowed", r.Method)
	}
}

// directoryModel synthesizes a directory listing for paths that prefix stored
// entries. Caller holds s.mu.
func (s *Server) directoryModel(remotePath string) *api.ContentsModel {
	prefix := strings.TrimSuffix(remotePath, "/") + "/"

	var entries []*api.ContentsModel
	for path, model := range s.contents {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		if strings.Contains(strings.TrimPrefix(path, prefix), "/") {
			continue
		}

		entry := *model
		entry.Content = nil
		entries = append(entries, &entry)
	}

	if len(entries) == 0 {
		return nil
	}

	encoded, err := json.Marshal(entries)
	if err != nil {
		panic(err)
	}

	name := remotePath
	if idx := strings.LastIndex(remotePath, "/"); idx >= 0 {
		name = remotePath[idx+1:]
	}

	return &api.ContentsModel{
		Name:     name,
		Path:     remotePath,
		Type:     api.ContentTypeDirectory,
		Format:   api.ContentFormatJSON,
		Writable: true,
		Content:  encoded,
	}
}

func (s *Server) handleTerminals(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.mu.Lock()
		s.nextTerminal++
		terminal := &api.TerminalModel{Name: fmt.Sprintf("%d", s.nextTerminal)}
		s.terminals[terminal.Name] = terminal
		s.mu.Unlock()

		s.writeJSON(w, http.StatusCreated, terminal)
	case http.MethodGet:
		s.mu.Lock()
		terminals := make([]*api.TerminalModel, 0, len(s.terminals))
		for _, terminal := range s.terminals {
			terminals = append(terminals, terminal)
		}
		s.mu.Unlock()

		s.writeJSON(w, http.StatusOK, terminals)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method %s not allowed", r.Method)
	}
}

func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/terminals/")

	s.mu.Lock()
	_, ok := s.terminals[name]
	if ok && r.Method == http.MethodDelete {
		delete(s.terminals, name)
	}
	s.mu.Unlock()

	if !ok {
		s.writeError(w, http.StatusNotFound, "no terminal %s", name)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	s.mu.Lock()
	metrics := s.metrics
	s.mu.Unlock()

	s.writeJSON(w, http.StatusOK, &metrics)
}

func (s *Server) serveChannels(w http.ResponseWriter, r *http.Request, kernel *Kernel) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		s.log.Error("Failed to accept websocket connection for kernel %s because: %v", kernel.Model.ID, err)
		return
	}
	defer conn.CloseNow()

	channel := &KernelChannel{
		server:  s,
		kernel:  kernel,
		conn:    conn,
		ctx:     r.Context(),
		session: uuid.NewString(),
	}
	config.InitLogger(&channel.log, fmt.Sprintf("FakeKernel %s ", kernel.Model.ID))

	s.mu.Lock()
	kernel.channel = channel
	s.mu.Unlock()

	channel.log.Debug("Client connected to channel bridge.")

	for {
		_, frame, readErr := conn.Read(channel.ctx)
		if readErr != nil {
			channel.log.Debug("Channel bridge connection closed: %v", readErr)
			return
		}

		msg, decodeErr := messaging.Decode(frame)
		if decodeErr != nil {
			channel.log.Warn("Dropping malformed frame: %v", decodeErr)
			continue
		}

		channel.dispatch(msg)
	}
}

// KernelChannel is the kernel side of one connected channel bridge. Its Send
// helpers stamp the request's header as the parent so replies correlate.
type KernelChannel struct {
	server *Server
	kernel *Kernel

	conn    *websocket.Conn
	ctx     context.Context
	session string

	sendMu sync.Mutex

	log logger.Logger
}

func (ch *KernelChannel) dispatch(msg *messaging.Message) {
	switch msg.JupyterMessageType() {
	case messaging.ShellExecuteRequest:
		var content messaging.MessageExecuteRequest
		if err := msg.DecodeContent(&content); err != nil {
			ch.log.Warn("Bad execute_request content: %v", err)
			return
		}

		ch.server.mu.Lock()
		ch.kernel.execCount++
		count := ch.kernel.execCount
		handler := ch.server.scripts[content.Code]
		if handler == nil {
			handler = ch.server.onExecute
		}
		ch.server.mu.Unlock()

		ch.SendStatus(msg, messaging.MessageKernelStatusBusy)

		if handler != nil {
			handler(ch, msg, count)
			return
		}

		ch.SendExecuteReply(msg, messaging.MessageStatusOK, count)
		ch.SendStatus(msg, messaging.MessageKernelStatusIdle)
	case messaging.ShellCompleteRequest:
		var content messaging.MessageCompleteRequest
		if err := msg.DecodeContent(&content); err != nil {
			ch.log.Warn("Bad complete_request content: %v", err)
			return
		}

		ch.server.mu.Lock()
		handler := ch.server.onComplete
		ch.server.mu.Unlock()

		ch.SendStatus(msg, messaging.MessageKernelStatusBusy)

		if handler != nil {
			handler(ch, msg, &content)
		} else {
			ch.SendCompleteReply(msg, []string{}, content.CursorPos, content.CursorPos)
		}

		ch.SendStatus(msg, messaging.MessageKernelStatusIdle)
	default:
		ch.log.Debug("Ignoring \"%s\" message.", msg.JupyterMessageType())
	}
}

// Send encodes and writes one message on the bridge.
func (ch *KernelChannel) Send(msg *messaging.Message) {
	frame, err := msg.Encode()
	if err != nil {
		panic(err)
	}
	ch.SendRaw(frame)
}

// SendRaw writes a raw frame on the bridge, valid or not.
func (ch *KernelChannel) SendRaw(frame []byte) {
	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()

	if err := ch.conn.Write(ch.ctx, websocket.MessageText, frame); err != nil {
		ch.log.Warn("Failed to write frame because: %v", err)
	}
}

// Reply sends a child message of the given type, parented to the request.
func (ch *KernelChannel) Reply(parent *messaging.Message, msgType messaging.JupyterMessageType, channel string, content interface{}) {
	msg, err := messaging.NewMessage(msgType, content, parent.Header.Clone(), ch.session, "fake_kernel")
	if err != nil {
		panic(err)
	}
	msg.Channel = channel

	ch.Send(msg)
}

func (ch *KernelChannel) SendStatus(parent *messaging.Message, state string) {
	ch.Reply(parent, messaging.IOStatusMessage, jupyter.IOPubChannel,
		&messaging.MessageKernelStatus{Status: state})
}

func (ch *KernelChannel) SendStream(parent *messaging.Message, name string, text string) {
	ch.Reply(parent, messaging.IOStreamMessage, jupyter.IOPubChannel,
		&messaging.MessageStream{Name: name, Text: text})
}

func (ch *KernelChannel) SendExecuteResult(parent *messaging.Message, count int, data map[string]interface{}) {
	ch.Reply(parent, messaging.IOExecuteResult, jupyter.IOPubChannel, map[string]interface{}{
		"data":            data,
		"metadata":        map[string]interface{}{},
		"execution_count": count,
	})
}

func (ch *KernelChannel) SendDisplayData(parent *messaging.Message, data map[string]interface{}) {
	ch.Reply(parent, messaging.IODisplayData, jupyter.IOPubChannel, map[string]interface{}{
		"data":     data,
		"metadata": map[string]interface{}{},
	})
}

func (ch *KernelChannel) SendError(parent *messaging.Message, ename string, evalue string, traceback []string) {
	ch.Reply(parent, messaging.IOErrorMessage, jupyter.IOPubChannel,
		&messaging.MessageError{ErrName: ename, ErrValue: evalue, Traceback: traceback})
}

func (ch *KernelChannel) SendExecuteReply(parent *messaging.Message, status string, count int) {
	ch.Reply(parent, messaging.ShellExecuteReply, jupyter.ShellChannel, map[string]interface{}{
		"status":          status,
		"execution_count": count,
	})
}

func (ch *KernelChannel) SendCompleteReply(parent *messaging.Message, matches []string, cursorStart int, cursorEnd int) {
	ch.Reply(parent, messaging.ShellCompleteReply, jupyter.ShellChannel,
		&messaging.MessageCompleteReply{
			Matches:     matches,
			CursorStart: cursorStart,
			CursorEnd:   cursorEnd,
			Status:      messaging.MessageStatusOK,
		})
}

// CloseAbruptly drops the bridge connection without a close handshake, which
// clients observe as transport loss.
func (ch *KernelChannel) CloseAbruptly() {
	_ = ch.conn.CloseNow()
}
