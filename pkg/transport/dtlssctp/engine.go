// Package dtlssctp реализует движок SCTP и защищенный транспорт DTLS на базе pion.
package dtlssctp

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"github.com/pion/logging"
	"github.com/pion/sctp"
	"go.uber.org/zap"

	"dcmux/pkg/observability"
	"dcmux/pkg/transport"
)

const (
	// MaxMessageSizeLimit задает верхнюю границу max-message-size, которую принимает движок.
	MaxMessageSizeLimit = 256 * 1024

	defaultSendBufferLimit = 1024 * 1024
)

// Проверка соответствия интерфейсу
var _ transport.Engine = (*Engine)(nil)

// EngineConfig содержит параметры движка.
type EngineConfig struct {
	Role                 Role
	MaxReceiveBufferSize uint32
	// SendBufferLimit ограничивает суммарный объем неотправленных данных по всем потокам.
	SendBufferLimit uint64
	LoggerFactory   logging.LoggerFactory
}

// Engine управляет ассоциацией pion/sctp поверх соединения DTLS.
// Потоки, открытые до установления ассоциации, открываются, когда она поднимется.
type Engine struct {
	cfg EngineConfig
	log *zap.Logger

	mu             sync.Mutex
	secure         transport.SecureTransport
	unsubscribe    func()
	onConnected    func()
	maxMessageSize uint64
	started        bool
	closed         bool
	assoc          *sctp.Association
	streams        map[uint16]*stream

	sinkMu sync.RWMutex
	sink   transport.DataSink

	blocked       atomic.Bool
	associateOnce sync.Once
	connectedOnce sync.Once
}

type stream struct {
	id        uint16
	priority  transport.Priority
	threshold uint64
	opening   bool
	s         *sctp.Stream
}

func NewEngine(cfg EngineConfig, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.SendBufferLimit == 0 {
		cfg.SendBufferLimit = defaultSendBufferLimit
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = observability.NewPionLoggerFactory(log)
	}
	return &Engine{
		cfg:     cfg,
		log:     log.With(zap.Stringer("sctp_role", cfg.Role)),
		streams: make(map[uint16]*stream),
	}
}

func (e *Engine) SetSecureTransport(st transport.SecureTransport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.secure = st
}

func (e *Engine) SetOnConnected(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onConnected = fn
}

func (e *Engine) SetDataSink(sink transport.DataSink) {
	e.sinkMu.Lock()
	defer e.sinkMu.Unlock()
	e.sink = sink
}

// ApplyOptions проверяет параметры и запускает ассоциацию, как только DTLS будет готов.
// Повторный вызов только обновляет max-message-size.
func (e *Engine) ApplyOptions(opts transport.Options) error {
	if opts.MaxMessageSize == 0 || opts.MaxMessageSize > MaxMessageSizeLimit {
		return fmt.Errorf("%w: max message size %d", transport.ErrInvalidOptions, opts.MaxMessageSize)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return transport.ErrEngineClosed
	}
	if e.secure == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: secure transport is not set", transport.ErrInvalidOptions)
	}
	e.maxMessageSize = opts.MaxMessageSize
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	secure := e.secure
	e.mu.Unlock()

	unsubscribe := secure.Subscribe(func(_ transport.SecureTransport, state transport.SecureState) {
		e.onSecureState(state)
	})
	e.mu.Lock()
	e.unsubscribe = unsubscribe
	e.mu.Unlock()

	e.log.Debug("sctp options applied",
		zap.Uint64("max_message_size", opts.MaxMessageSize),
		zap.Int("local_port", opts.LocalPort),
		zap.Int("remote_port", opts.RemotePort))

	e.onSecureState(secure.State())
	return nil
}

func (e *Engine) onSecureState(state transport.SecureState) {
	switch state {
	case transport.SecureConnected:
		e.associateOnce.Do(func() { go e.associate() })
	case transport.SecureClosed, transport.SecureFailed:
		e.mu.Lock()
		up := e.assoc != nil
		closed := e.closed
		e.mu.Unlock()
		if !up && !closed {
			e.notifyTransportClosed(fmt.Errorf("secure transport %s before association", state))
		}
	}
}

func (e *Engine) associate() {
	e.mu.Lock()
	secure := e.secure
	closed := e.closed
	e.mu.Unlock()
	if closed || secure == nil {
		return
	}
	conn := secure.Conn()
	if conn == nil {
		e.log.Warn("secure transport reported connected without a connection")
		return
	}

	cfg := sctp.Config{
		NetConn:              conn,
		MaxReceiveBufferSize: e.cfg.MaxReceiveBufferSize,
		MaxMessageSize:       MaxMessageSizeLimit,
		LoggerFactory:        e.cfg.LoggerFactory,
	}
	var (
		assoc *sctp.Association
		err   error
	)
	if e.cfg.Role == RoleServer {
		assoc, err = sctp.Server(cfg)
	} else {
		assoc, err = sctp.Client(cfg)
	}
	if err != nil {
		e.log.Error("failed to establish sctp association", zap.Error(err))
		e.notifyTransportClosed(err)
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = assoc.Close()
		return
	}
	e.assoc = assoc
	var pending []*stream
	for _, st := range e.streams {
		if st.s == nil && !st.opening {
			st.opening = true
			pending = append(pending, st)
		}
	}
	onConnected := e.onConnected
	e.mu.Unlock()

	for _, st := range pending {
		if err := e.openOn(assoc, st); err != nil {
			e.log.Warn("failed to open pending stream", zap.Uint16("stream", st.id), zap.Error(err))
		}
	}
	go e.acceptLoop(assoc)

	e.log.Info("sctp association established", zap.Int("pending_streams", len(pending)))
	if onConnected != nil {
		e.connectedOnce.Do(onConnected)
	}
	if sink := e.currentSink(); sink != nil {
		sink.OnReadyToSend()
	}
}

func (e *Engine) acceptLoop(assoc *sctp.Association) {
	for {
		s, err := assoc.AcceptStream()
		if err != nil {
			e.mu.Lock()
			closed := e.closed
			e.mu.Unlock()
			if !closed {
				e.log.Info("sctp association closed", zap.Error(err))
				e.notifyTransportClosed(err)
			}
			return
		}

		id := s.StreamIdentifier()
		e.mu.Lock()
		if _, exists := e.streams[id]; exists || e.closed {
			e.mu.Unlock()
			continue
		}
		st := &stream{id: id, priority: transport.PriorityLow, opening: true}
		e.streams[id] = st
		e.mu.Unlock()

		e.log.Debug("remote opened stream", zap.Uint16("stream", id))
		e.attach(st, s)
	}
}

func (e *Engine) openOn(assoc *sctp.Association, st *stream) error {
	s, err := assoc.OpenStream(st.id, sctp.PayloadTypeWebRTCBinary)
	if err != nil {
		e.mu.Lock()
		if e.streams[st.id] == st {
			delete(e.streams, st.id)
		}
		e.mu.Unlock()
		return fmt.Errorf("failed to open stream %d: %w", st.id, err)
	}
	e.attach(st, s)
	return nil
}

// attach связывает запись потока с потоком pion и запускает чтение.
// Вызывается без e.mu: колбэки pion приходят под блокировкой ассоциации.
func (e *Engine) attach(st *stream, s *sctp.Stream) {
	id := st.id
	s.OnBufferedAmountLow(func() { e.onBufferedAmountLow(id) })

	e.mu.Lock()
	if e.closed || e.streams[id] != st {
		e.mu.Unlock()
		_ = s.Close()
		return
	}
	st.s = s
	st.opening = false
	threshold := st.threshold
	e.mu.Unlock()

	s.SetBufferedAmountLowThreshold(threshold)
	go e.readLoop(st, s)
}

func (e *Engine) readLoop(st *stream, s *sctp.Stream) {
	buf := make([]byte, MaxMessageSizeLimit)
	for {
		n, ppi, err := s.ReadSCTP(buf)
		if err != nil {
			if errors.Is(err, io.ErrShortBuffer) {
				e.log.Warn("dropping oversized message", zap.Uint16("stream", st.id))
				continue
			}
			e.mu.Lock()
			if e.streams[st.id] == st {
				delete(e.streams, st.id)
			}
			e.mu.Unlock()
			if sink := e.currentSink(); sink != nil {
				sink.OnChannelClosed(int(st.id))
			}
			return
		}

		kind, payload := decodePayload(ppi, buf[:n])
		if sink := e.currentSink(); sink != nil {
			sink.OnDataReceived(int(st.id), kind, payload)
		}
	}
}

func (e *Engine) OpenStream(id int, priority transport.Priority) error {
	sid, err := streamID(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return transport.ErrEngineClosed
	}
	if st, ok := e.streams[sid]; ok {
		st.priority = priority
		e.mu.Unlock()
		return nil
	}
	st := &stream{id: sid, priority: priority}
	e.streams[sid] = st
	assoc := e.assoc
	if assoc != nil {
		st.opening = true
	}
	e.mu.Unlock()

	if assoc == nil {
		return nil
	}
	return e.openOn(assoc, st)
}

func (e *Engine) ResetStream(id int) error {
	sid, err := streamID(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	st, ok := e.streams[sid]
	if ok {
		delete(e.streams, sid)
	}
	e.mu.Unlock()

	if !ok || st.s == nil {
		return nil
	}
	if err := st.s.Close(); err != nil {
		return fmt.Errorf("failed to reset stream %d: %w", id, err)
	}
	return nil
}

func (e *Engine) Send(id int, params transport.SendParams, payload []byte) error {
	sid, err := streamID(id)
	if err != nil {
		return err
	}
	if params.MaxRetransmits != nil && params.MaxLifetime != nil {
		return fmt.Errorf("%w: max retransmits and max lifetime are exclusive", transport.ErrInvalidOptions)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return transport.ErrEngineClosed
	}
	st := e.streams[sid]
	up := e.assoc != nil
	limit := e.maxMessageSize
	var s *sctp.Stream
	if st != nil {
		s = st.s
	}
	e.mu.Unlock()

	switch {
	case st == nil:
		return fmt.Errorf("%w: %d", transport.ErrStreamNotOpen, id)
	case !up || s == nil:
		return transport.ErrNotConnected
	case uint64(len(payload)) > limit:
		return fmt.Errorf("%w: %d > %d", transport.ErrMessageTooLarge, len(payload), limit)
	}
	if e.totalBuffered()+uint64(len(payload)) > e.cfg.SendBufferLimit {
		e.blocked.Store(true)
		return transport.ErrBufferFull
	}

	relType, relVal := reliability(params)
	s.SetReliabilityParams(!params.Ordered, relType, relVal)

	ppi, data := encodePayload(params.Kind, payload)
	if _, err := s.WriteSCTP(data, ppi); err != nil {
		return fmt.Errorf("failed to write to stream %d: %w", id, err)
	}
	return nil
}

func (e *Engine) ReadyToSend() bool {
	e.mu.Lock()
	up := e.assoc != nil && !e.closed
	e.mu.Unlock()
	return up && !e.blocked.Load()
}

func (e *Engine) BufferedAmount(id int) uint64 {
	s := e.lookup(id)
	if s == nil {
		return 0
	}
	return s.BufferedAmount()
}

func (e *Engine) BufferedAmountLowThreshold(id int) uint64 {
	sid, err := streamID(id)
	if err != nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.streams[sid]; ok {
		return st.threshold
	}
	return 0
}

func (e *Engine) SetBufferedAmountLowThreshold(id int, bytes uint64) {
	sid, err := streamID(id)
	if err != nil {
		return
	}
	e.mu.Lock()
	st, ok := e.streams[sid]
	var s *sctp.Stream
	if ok {
		st.threshold = bytes
		s = st.s
	}
	e.mu.Unlock()
	if s != nil {
		s.SetBufferedAmountLowThreshold(bytes)
	}
}

// MaxOutboundStreams и MaxInboundStreams: pion/sctp не раскрывает согласованные
// значения и объявляет предел протокола в обе стороны.
func (e *Engine) MaxOutboundStreams() (uint16, bool) { return e.streamLimit() }

func (e *Engine) MaxInboundStreams() (uint16, bool) { return e.streamLimit() }

func (e *Engine) streamLimit() (uint16, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.assoc == nil {
		return 0, false
	}
	return math.MaxUint16, true
}

// Close закрывает ассоциацию вместе с нижележащим соединением DTLS.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	assoc := e.assoc
	unsubscribe := e.unsubscribe
	e.streams = make(map[uint16]*stream)
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if assoc == nil {
		return nil
	}
	if err := assoc.Close(); err != nil {
		return fmt.Errorf("failed to close sctp association: %w", err)
	}
	return nil
}

func (e *Engine) onBufferedAmountLow(id uint16) {
	sink := e.currentSink()
	if sink == nil {
		return
	}
	sink.OnBufferedAmountLow(int(id))
	if e.blocked.CompareAndSwap(true, false) {
		sink.OnReadyToSend()
	}
}

func (e *Engine) notifyTransportClosed(err error) {
	if sink := e.currentSink(); sink != nil {
		sink.OnTransportClosed(err)
	}
}

func (e *Engine) currentSink() transport.DataSink {
	e.sinkMu.RLock()
	defer e.sinkMu.RUnlock()
	return e.sink
}

func (e *Engine) lookup(id int) *sctp.Stream {
	sid, err := streamID(id)
	if err != nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.streams[sid]; ok {
		return st.s
	}
	return nil
}

func (e *Engine) totalBuffered() uint64 {
	e.mu.Lock()
	streams := make([]*sctp.Stream, 0, len(e.streams))
	for _, st := range e.streams {
		if st.s != nil {
			streams = append(streams, st.s)
		}
	}
	e.mu.Unlock()

	var total uint64
	for _, s := range streams {
		total += s.BufferedAmount()
	}
	return total
}

func streamID(id int) (uint16, error) {
	if id < 0 || id > math.MaxUint16 {
		return 0, fmt.Errorf("%w: %d", transport.ErrInvalidStreamID, id)
	}
	return uint16(id), nil
}
