package sctptransport

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"dcmux/pkg/transport"
)

type sentMessage struct {
	channelID int
	params    transport.SendParams
	payload   []byte
}

type fakeEngine struct {
	mu sync.Mutex

	secure      transport.SecureTransport
	onConnected func()
	sink        transport.DataSink

	applyErr error
	applied  []transport.Options

	openErr  error
	opened   map[int]transport.Priority
	resetIDs []int
	sendErr  error
	sent     []sentMessage

	outbound, inbound uint16
	hasOut, hasIn     bool

	ready      bool
	buffered   map[int]uint64
	thresholds map[int]uint64

	closeCalls int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		opened:     make(map[int]transport.Priority),
		buffered:   make(map[int]uint64),
		thresholds: make(map[int]uint64),
	}
}

func (e *fakeEngine) SetSecureTransport(st transport.SecureTransport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.secure = st
}

func (e *fakeEngine) SetOnConnected(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onConnected = fn
}

func (e *fakeEngine) SetDataSink(sink transport.DataSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

func (e *fakeEngine) ApplyOptions(opts transport.Options) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applied = append(e.applied, opts)
	return e.applyErr
}

func (e *fakeEngine) OpenStream(id int, priority transport.Priority) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openErr != nil {
		return e.openErr
	}
	e.opened[id] = priority
	return nil
}

func (e *fakeEngine) ResetStream(id int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetIDs = append(e.resetIDs, id)
	delete(e.opened, id)
	return nil
}

func (e *fakeEngine) Send(id int, params transport.SendParams, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sendErr != nil {
		return e.sendErr
	}
	e.sent = append(e.sent, sentMessage{channelID: id, params: params, payload: payload})
	return nil
}

func (e *fakeEngine) ReadyToSend() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

func (e *fakeEngine) BufferedAmount(id int) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buffered[id]
}

func (e *fakeEngine) BufferedAmountLowThreshold(id int) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.thresholds[id]
}

func (e *fakeEngine) SetBufferedAmountLowThreshold(id int, bytes uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.thresholds[id] = bytes
}

func (e *fakeEngine) MaxOutboundStreams() (uint16, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outbound, e.hasOut
}

func (e *fakeEngine) MaxInboundStreams() (uint16, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inbound, e.hasIn
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeCalls++
	return nil
}

func (e *fakeEngine) setStreams(outbound, inbound uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outbound, e.hasOut = outbound, true
	e.inbound, e.hasIn = inbound, true
}

// fireConnected имитирует сигнал движка из его собственной горутины.
func (e *fakeEngine) fireConnected() {
	e.mu.Lock()
	fn := e.onConnected
	e.mu.Unlock()
	fn()
}

func (e *fakeEngine) currentSink() transport.DataSink {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sink
}

func (e *fakeEngine) closes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeCalls
}

type fakeSecure struct {
	mu    sync.Mutex
	state transport.SecureState
	subs  map[int]func(transport.SecureTransport, transport.SecureState)
	next  int
}

func newFakeSecure() *fakeSecure {
	return &fakeSecure{subs: make(map[int]func(transport.SecureTransport, transport.SecureState))}
}

func (s *fakeSecure) Subscribe(fn func(transport.SecureTransport, transport.SecureState)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *fakeSecure) State() transport.SecureState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSecure) Conn() net.Conn { return nil }

func (s *fakeSecure) emit(state transport.SecureState) {
	s.emitAs(s, state)
}

func (s *fakeSecure) emitAs(src transport.SecureTransport, state transport.SecureState) {
	s.mu.Lock()
	s.state = state
	fns := make([]func(transport.SecureTransport, transport.SecureState), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(src, state)
	}
}

func (s *fakeSecure) subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

type recordingObserver struct {
	mu    sync.Mutex
	infos []Info
}

func (o *recordingObserver) OnStateChange(info Info) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.infos = append(o.infos, info)
}

func (o *recordingObserver) states() []State {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]State, 0, len(o.infos))
	for _, info := range o.infos {
		out = append(out, info.State())
	}
	return out
}

type harness struct {
	c        *Controller
	loop     *Loop
	engine   *fakeEngine
	secure   *fakeSecure
	observer *recordingObserver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)
	loop := NewLoop(log)
	t.Cleanup(loop.Stop)

	h := &harness{
		loop:     loop,
		engine:   newFakeEngine(),
		secure:   newFakeSecure(),
		observer: &recordingObserver{},
	}
	c, err := New(loop, h.engine, h.secure, log)
	require.NoError(t, err)
	h.c = c
	var regErr error
	h.run(t, func() { regErr = c.RegisterObserver(h.observer) })
	require.NoError(t, regErr)
	return h
}

// run выполняет fn в контексте-владельце.
func (h *harness) run(t *testing.T, fn func()) {
	t.Helper()
	require.NoError(t, h.loop.BlockingCall(fn))
}

// flush дожидается выполнения всех ранее поставленных задач.
func (h *harness) flush(t *testing.T) {
	t.Helper()
	h.run(t, func() {})
}

func (h *harness) start(t *testing.T, size uint64) error {
	t.Helper()
	var err error
	h.run(t, func() { err = h.c.Start(transport.Options{LocalPort: 5000, RemotePort: 5000, MaxMessageSize: size}) })
	return err
}
