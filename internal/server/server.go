package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"dcmux/pkg/sctptransport"
	"dcmux/pkg/storage"
	"dcmux/pkg/transport"
)

// Transport описывает операции контроллера, доступные из HTTP обработчиков.
// Реализуется sctptransport.Proxy.
type Transport interface {
	ID() string
	Information() sctptransport.Info
	OpenChannel(channelID int, priority transport.Priority) error
	SendData(channelID int, params transport.SendParams, payload []byte) error
	CloseChannel(channelID int) error
	IsReadyToSend() bool
	BufferedAmount(channelID int) uint64
}

var (
	_ sctptransport.Observer = (*Server)(nil)
	_ transport.DataSink     = (*Server)(nil)
	_ Transport              = (*sctptransport.Proxy)(nil)
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Server отдает HTTP API поверх транспорта. Он же наблюдатель и приемник данных
// контроллера: события пишутся в журнал и рассылаются по WebSocket.
type Server struct {
	transport Transport
	db        *storage.Storage
	bus       *EventBus
	log       *zap.Logger
}

func New(t Transport, db *storage.Storage, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		transport: t,
		db:        db,
		bus:       NewEventBus(),
		log:       log.Named("server"),
	}
}

// Bus возвращает шину событий сервера.
func (s *Server) Bus() *EventBus { return s.bus }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/channels", s.handleChannelList)
	mux.HandleFunc("POST /api/channels", s.handleChannelOpen)
	mux.HandleFunc("DELETE /api/channels/{id}", s.handleChannelClose)
	mux.HandleFunc("POST /api/channels/{id}/messages", s.handleSend)
	mux.HandleFunc("GET /api/channels/{id}/buffered", s.handleBuffered)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	return withLogging(s.log, mux)
}

// Start запускает HTTP сервер и останавливает его при отмене ctx.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("HTTP API started", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// OnStateChange вызывается контроллером в контексте-владельце.
func (s *Server) OnStateChange(info sctptransport.Info) {
	id := s.transport.ID()
	if err := s.db.RecordTransition(id, info); err != nil {
		s.log.Error("failed to record transition", zap.Error(err))
	}
	if info.State() == sctptransport.StateClosed {
		if err := s.db.CloseAllChannels(id); err != nil {
			s.log.Error("failed to close channels", zap.Error(err))
		}
	}
	s.bus.Publish(Event{Type: EventState, Data: statusOf(info)})
}

func (s *Server) OnDataReceived(channelID int, kind transport.PayloadKind, payload []byte) {
	msg := map[string]any{
		"channel_id": channelID,
		"kind":       kind.String(),
	}
	if kind == transport.PayloadText {
		msg["text"] = string(payload)
	} else {
		msg["data"] = payload
	}
	s.bus.Publish(Event{Type: EventMessage, Data: msg})
}

func (s *Server) OnChannelClosed(channelID int) {
	if err := s.db.CloseChannel(s.transport.ID(), channelID); err != nil {
		s.log.Error("failed to close channel", zap.Int("channel_id", channelID), zap.Error(err))
	}
	s.bus.Publish(Event{Type: EventChannelClosed, Data: map[string]any{"channel_id": channelID}})
}

func (s *Server) OnReadyToSend() {
	s.bus.Publish(Event{Type: EventReadyToSend})
}

func (s *Server) OnBufferedAmountLow(channelID int) {
	s.bus.Publish(Event{Type: EventBufferedLow, Data: map[string]any{"channel_id": channelID}})
}

func (s *Server) OnTransportClosed(err error) {
	data := map[string]any{}
	if err != nil {
		data["error"] = err.Error()
	}
	s.bus.Publish(Event{Type: EventTransportClosed, Data: data})
}

type statusResponse struct {
	State          string  `json:"state"`
	MaxMessageSize *uint64 `json:"max_message_size,omitempty"`
	MaxChannels    *uint16 `json:"max_channels,omitempty"`
}

func statusOf(info sctptransport.Info) statusResponse {
	st := statusResponse{State: info.State().String()}
	if v, ok := info.MaxMessageSize(); ok {
		st.MaxMessageSize = &v
	}
	if v, ok := info.MaxChannels(); ok {
		st.MaxChannels = &v
	}
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"transport_id":  s.transport.ID(),
		"status":        statusOf(s.transport.Information()),
		"ready_to_send": s.transport.IsReadyToSend(),
	})
}

func (s *Server) handleChannelList(w http.ResponseWriter, r *http.Request) {
	channels, err := s.db.OpenChannels(s.transport.ID())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list channels")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "channels": channels})
}

type openRequest struct {
	ID       int    `json:"id"`
	Label    string `json:"label"`
	Priority string `json:"priority"`
}

func (s *Server) handleChannelOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	priority, err := parsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.transport.OpenChannel(req.ID, priority); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	if err := s.db.OpenChannel(s.transport.ID(), req.ID, req.Label, priority); err != nil {
		s.log.Error("failed to register channel", zap.Int("channel_id", req.ID), zap.Error(err))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"id":       req.ID,
		"label":    req.Label,
		"priority": priority.String(),
	})
}

func (s *Server) handleChannelClose(w http.ResponseWriter, r *http.Request) {
	id, ok := channelID(w, r)
	if !ok {
		return
	}
	if err := s.transport.CloseChannel(id); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	if err := s.db.CloseChannel(s.transport.ID(), id); err != nil {
		s.log.Error("failed to unregister channel", zap.Int("channel_id", id), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// sendRequest: задается либо Text, либо Data (base64 в JSON).
type sendRequest struct {
	Text           *string `json:"text,omitempty"`
	Data           []byte  `json:"data,omitempty"`
	Unordered      bool    `json:"unordered,omitempty"`
	MaxRetransmits *uint32 `json:"max_retransmits,omitempty"`
	MaxLifetimeMs  *int64  `json:"max_lifetime_ms,omitempty"`
}

func (req sendRequest) params() (transport.SendParams, []byte) {
	p := transport.SendParams{Kind: transport.PayloadBinary, Ordered: !req.Unordered, MaxRetransmits: req.MaxRetransmits}
	if req.MaxLifetimeMs != nil {
		d := time.Duration(*req.MaxLifetimeMs) * time.Millisecond
		p.MaxLifetime = &d
	}
	if req.Text != nil {
		p.Kind = transport.PayloadText
		return p, []byte(*req.Text)
	}
	return p, req.Data
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	id, ok := channelID(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	params, payload := req.params()
	if err := s.transport.SendData(id, params, payload); err != nil {
		s.log.Debug("send failed", zap.Int("channel_id", id), zap.Error(err))
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"bytes":           len(payload),
		"buffered_amount": s.transport.BufferedAmount(id),
	})
}

func (s *Server) handleBuffered(w http.ResponseWriter, r *http.Request) {
	id, ok := channelID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"buffered_amount": s.transport.BufferedAmount(id),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.db.History(s.transport.ID())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "history": history})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := s.bus.Subscribe()
	defer unsub()

	// Чтение нужно, чтобы заметить закрытие соединения клиентом.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("ws write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func parsePriority(s string) (transport.Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "very-low":
		return transport.PriorityVeryLow, nil
	case "low", "":
		return transport.PriorityLow, nil
	case "medium":
		return transport.PriorityMedium, nil
	case "high":
		return transport.PriorityHigh, nil
	default:
		return 0, errors.New("unknown priority " + strconv.Quote(s))
	}
}

func channelID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id < 0 {
		writeError(w, http.StatusBadRequest, "Invalid channel id")
		return 0, false
	}
	return id, true
}

// statusForError сопоставляет ошибки транспорта с HTTP статусами.
func statusForError(err error) int {
	switch {
	case errors.Is(err, sctptransport.ErrNotAttached), errors.Is(err, transport.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, sctptransport.ErrLoopStopped), errors.Is(err, transport.ErrEngineClosed):
		return http.StatusGone
	case errors.Is(err, transport.ErrStreamNotOpen):
		return http.StatusNotFound
	case errors.Is(err, transport.ErrMessageTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, transport.ErrBufferFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, transport.ErrInvalidOptions), errors.Is(err, transport.ErrInvalidStreamID):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": msg})
}

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
