package sctptransport

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"dcmux/pkg/transport"
)

func TestNewRequiresCollaborators(t *testing.T) {
	loop := NewLoop(zaptest.NewLogger(t))
	defer loop.Stop()

	_, err := New(loop, nil, newFakeSecure(), nil)
	assert.Error(t, err)
	_, err = New(loop, newFakeEngine(), nil, nil)
	assert.Error(t, err)
	_, err = New(nil, newFakeEngine(), newFakeSecure(), nil)
	assert.Error(t, err)
}

func TestInitialInformation(t *testing.T) {
	h := newHarness(t)

	info := h.c.Information()
	assert.Equal(t, StateConnecting, info.State())
	assert.Same(t, h.secure, info.SecureTransport())
	_, ok := info.MaxMessageSize()
	assert.False(t, ok)
	_, ok = info.MaxChannels()
	assert.False(t, ok)

	assert.Equal(t, 1, h.secure.subscribers())
	assert.Same(t, h.secure, h.engine.secure)
	assert.NotEmpty(t, h.c.ID())
}

func TestStartThenAssociationUp(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.start(t, 16384))
	assert.Equal(t, StateConnecting, h.c.Information().State())
	require.Len(t, h.engine.applied, 1)
	assert.Equal(t, uint64(16384), h.engine.applied[0].MaxMessageSize)

	h.engine.setStreams(65535, 1000)
	h.engine.fireConnected()
	h.flush(t)

	info := h.c.Information()
	assert.Equal(t, StateConnected, info.State())
	channels, ok := info.MaxChannels()
	require.True(t, ok)
	assert.Equal(t, uint16(1000), channels)
	size, ok := info.MaxMessageSize()
	require.True(t, ok)
	assert.Equal(t, uint64(16384), size)

	assert.Equal(t, []State{StateConnected}, h.observer.states())
}

func TestStartRejectedClosesTransport(t *testing.T) {
	h := newHarness(t)
	h.engine.applyErr = transport.ErrInvalidOptions

	err := h.start(t, 16384)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEngineRejected)
	assert.ErrorIs(t, err, transport.ErrInvalidOptions)

	var engErr *EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, "start", engErr.Op)

	info := h.c.Information()
	assert.Equal(t, StateClosed, info.State())
	size, ok := info.MaxMessageSize()
	require.True(t, ok)
	assert.Equal(t, uint64(16384), size)
	assert.Equal(t, []State{StateClosed}, h.observer.states())
}

func TestSecureTransportFailureWhileConnecting(t *testing.T) {
	h := newHarness(t)

	h.secure.emit(transport.SecureFailed)
	h.flush(t)

	assert.Equal(t, StateClosed, h.c.Information().State())
	assert.Equal(t, []State{StateClosed}, h.observer.states())

	h.secure.emit(transport.SecureClosed)
	h.flush(t)
	assert.Equal(t, []State{StateClosed}, h.observer.states())
}

func TestSecureTransportIntermediateStatesIgnored(t *testing.T) {
	h := newHarness(t)

	h.secure.emit(transport.SecureNew)
	h.secure.emit(transport.SecureConnecting)
	h.secure.emit(transport.SecureConnected)
	h.flush(t)

	assert.Equal(t, StateConnecting, h.c.Information().State())
	assert.Empty(t, h.observer.states())
}

func TestSecureTransportClosedAfterConnected(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.start(t, 65536))
	h.engine.fireConnected()
	h.secure.emit(transport.SecureClosed)
	h.flush(t)

	assert.Equal(t, []State{StateConnected, StateClosed}, h.observer.states())
}

func TestForeignSecureNotificationIgnored(t *testing.T) {
	h := newHarness(t)

	h.secure.emitAs(newFakeSecure(), transport.SecureFailed)
	h.flush(t)

	assert.Equal(t, StateConnecting, h.c.Information().State())
	assert.Empty(t, h.observer.states())
}

func TestClearIsIdempotent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.start(t, 16384))

	var first, second error
	h.run(t, func() {
		first = h.c.Clear()
		second = h.c.Clear()
	})
	require.NoError(t, first)
	require.NoError(t, second)

	assert.Equal(t, []State{StateClosed}, h.observer.states())
	assert.Equal(t, 1, h.engine.closes())
	assert.Equal(t, 0, h.secure.subscribers())

	var sendErr, openErr, closeErr, startErr error
	var live transport.SecureTransport
	h.run(t, func() {
		sendErr = h.c.SendData(1, transport.SendParams{Kind: transport.PayloadText, Ordered: true}, []byte("x"))
		openErr = h.c.OpenChannel(1, transport.PriorityLow)
		closeErr = h.c.CloseChannel(1)
		startErr = h.c.Start(transport.Options{MaxMessageSize: 1})
		live = h.c.SecureTransport()
	})
	assert.ErrorIs(t, sendErr, ErrNotAttached)
	assert.ErrorIs(t, openErr, ErrNotAttached)
	assert.ErrorIs(t, closeErr, ErrNotAttached)
	assert.ErrorIs(t, startErr, ErrNotAttached)
	assert.Nil(t, live)

	// Снимок сохраняет последнее известное значение.
	assert.Same(t, h.secure, h.c.Information().SecureTransport())
}

func TestRegisterObserverTwice(t *testing.T) {
	h := newHarness(t)

	var second, unreg, unregAgain error
	h.run(t, func() {
		second = h.c.RegisterObserver(&recordingObserver{})
		unreg = h.c.UnregisterObserver()
		unregAgain = h.c.UnregisterObserver()
	})
	assert.ErrorIs(t, second, ErrInvalidObserverState)
	assert.NoError(t, unreg)
	assert.ErrorIs(t, unregAgain, ErrInvalidObserverState)

	var nilErr error
	h.run(t, func() { nilErr = h.c.RegisterObserver(nil) })
	assert.ErrorIs(t, nilErr, ErrInvalidObserverState)
}

func TestClosedIsAbsorbing(t *testing.T) {
	h := newHarness(t)
	h.engine.applyErr = transport.ErrInvalidOptions
	require.Error(t, h.start(t, 1024))

	h.engine.setStreams(10, 10)
	h.engine.fireConnected()
	h.secure.emit(transport.SecureConnected)
	h.flush(t)

	info := h.c.Information()
	assert.Equal(t, StateClosed, info.State())
	_, ok := info.MaxChannels()
	assert.False(t, ok)
	assert.Equal(t, []State{StateClosed}, h.observer.states())
}

func TestMaxChannelsSurvivesClear(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.start(t, 16384))
	h.engine.setStreams(300, 1200)
	h.engine.fireConnected()
	h.run(t, func() { _ = h.c.Clear() })

	info := h.c.Information()
	assert.Equal(t, StateClosed, info.State())
	channels, ok := info.MaxChannels()
	require.True(t, ok)
	assert.Equal(t, uint16(300), channels)
	assert.Equal(t, []State{StateConnected, StateClosed}, h.observer.states())
}

func TestAssociationUpWithoutStreamCounts(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.start(t, 16384))

	h.engine.fireConnected()
	h.engine.fireConnected()
	h.flush(t)

	info := h.c.Information()
	assert.Equal(t, StateConnected, info.State())
	_, ok := info.MaxChannels()
	assert.False(t, ok)
	assert.Equal(t, []State{StateConnected}, h.observer.states())
}

func TestAssociationUpAfterClearIgnored(t *testing.T) {
	h := newHarness(t)
	h.run(t, func() { _ = h.c.Clear() })

	h.engine.fireConnected()
	h.flush(t)

	assert.Equal(t, StateClosed, h.c.Information().State())
	assert.Equal(t, []State{StateClosed}, h.observer.states())
}

func TestChannelOperationsForwarded(t *testing.T) {
	h := newHarness(t)
	h.engine.ready = true
	h.engine.buffered[3] = 42

	retransmits := uint32(2)
	params := transport.SendParams{Kind: transport.PayloadBinary, Ordered: false, MaxRetransmits: &retransmits}

	var openErr, sendErr, closeErr, thrErr error
	var ready bool
	var buffered, threshold uint64
	h.run(t, func() {
		openErr = h.c.OpenChannel(3, transport.PriorityHigh)
		sendErr = h.c.SendData(3, params, []byte{1, 2, 3})
		thrErr = h.c.SetBufferedAmountLowThreshold(3, 1024)
		ready = h.c.IsReadyToSend()
		buffered = h.c.BufferedAmount(3)
		threshold = h.c.BufferedAmountLowThreshold(3)
		closeErr = h.c.CloseChannel(3)
	})
	require.NoError(t, openErr)
	require.NoError(t, sendErr)
	require.NoError(t, thrErr)
	require.NoError(t, closeErr)
	assert.True(t, ready)
	assert.Equal(t, uint64(42), buffered)
	assert.Equal(t, uint64(1024), threshold)

	require.Len(t, h.engine.sent, 1)
	assert.Equal(t, 3, h.engine.sent[0].channelID)
	assert.Equal(t, params, h.engine.sent[0].params)
	assert.Equal(t, []byte{1, 2, 3}, h.engine.sent[0].payload)
	assert.Equal(t, []int{3}, h.engine.resetIDs)
}

func TestEngineErrorsPropagated(t *testing.T) {
	h := newHarness(t)
	h.engine.sendErr = transport.ErrBufferFull
	h.engine.openErr = transport.ErrEngineClosed

	var sendErr, openErr error
	h.run(t, func() {
		sendErr = h.c.SendData(7, transport.SendParams{Ordered: true}, []byte("payload"))
		openErr = h.c.OpenChannel(7, transport.PriorityLow)
	})

	assert.ErrorIs(t, sendErr, ErrEngineRejected)
	assert.ErrorIs(t, sendErr, transport.ErrBufferFull)
	var engErr *EngineError
	require.True(t, errors.As(sendErr, &engErr))
	assert.Equal(t, "send", engErr.Op)
	assert.Equal(t, 7, engErr.ChannelID)

	assert.ErrorIs(t, openErr, transport.ErrEngineClosed)
	assert.Equal(t, StateConnecting, h.c.Information().State())
}

func TestOpenChannelIDValidatedByEngine(t *testing.T) {
	h := newHarness(t)

	var err error
	h.run(t, func() { err = h.c.OpenChannel(-1, transport.PriorityLow) })
	require.NoError(t, err)
	_, opened := h.engine.opened[-1]
	assert.True(t, opened)

	h.engine.openErr = transport.ErrInvalidStreamID
	h.run(t, func() { err = h.c.OpenChannel(-2, transport.PriorityLow) })
	assert.ErrorIs(t, err, ErrEngineRejected)
	assert.ErrorIs(t, err, transport.ErrInvalidStreamID)
	assert.NotErrorIs(t, err, transport.ErrStreamNotOpen)
}

func TestStartRejectedWhileConnected(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.start(t, 16384))
	h.engine.setStreams(64, 64)
	h.engine.fireConnected()
	h.flush(t)
	require.Equal(t, StateConnected, h.c.Information().State())

	h.engine.mu.Lock()
	h.engine.applyErr = transport.ErrInvalidOptions
	h.engine.mu.Unlock()

	err := h.start(t, 32768)
	assert.ErrorIs(t, err, ErrEngineRejected)
	assert.ErrorIs(t, err, transport.ErrInvalidOptions)

	info := h.c.Information()
	assert.Equal(t, StateClosed, info.State())
	size, ok := info.MaxMessageSize()
	require.True(t, ok)
	assert.Equal(t, uint64(32768), size)
	channels, ok := info.MaxChannels()
	require.True(t, ok)
	assert.Equal(t, uint16(64), channels)
	assert.Equal(t, []State{StateConnected, StateClosed}, h.observer.states())
}

func TestUnregisteredObserverNotNotified(t *testing.T) {
	h := newHarness(t)

	var err error
	h.run(t, func() { err = h.c.UnregisterObserver() })
	require.NoError(t, err)

	h.engine.fireConnected()
	h.secure.emit(transport.SecureClosed)
	h.flush(t)

	assert.Equal(t, StateClosed, h.c.Information().State())
	assert.Empty(t, h.observer.states())
}

func TestWrongContextRejected(t *testing.T) {
	h := newHarness(t)

	assert.ErrorIs(t, h.c.OpenChannel(1, transport.PriorityLow), ErrWrongContext)
	assert.ErrorIs(t, h.c.SendData(1, transport.SendParams{}, nil), ErrWrongContext)
	assert.ErrorIs(t, h.c.CloseChannel(1), ErrWrongContext)
	assert.ErrorIs(t, h.c.Start(transport.Options{MaxMessageSize: 1}), ErrWrongContext)
	assert.ErrorIs(t, h.c.Clear(), ErrWrongContext)
	assert.ErrorIs(t, h.c.RegisterObserver(&recordingObserver{}), ErrWrongContext)
	assert.False(t, h.c.IsReadyToSend())

	assert.Empty(t, h.engine.applied)
	assert.Equal(t, 0, h.engine.closes())
	assert.Equal(t, StateConnecting, h.c.Information().State())
}

func TestObserverCanReadInformation(t *testing.T) {
	loop := NewLoop(zaptest.NewLogger(t))
	defer loop.Stop()
	engine := newFakeEngine()
	secure := newFakeSecure()
	c, err := New(loop, engine, secure, zaptest.NewLogger(t))
	require.NoError(t, err)

	seen := make(chan State, 1)
	var regErr error
	require.NoError(t, loop.BlockingCall(func() {
		regErr = c.RegisterObserver(ObserverFunc(func(info Info) {
			seen <- c.Information().State()
		}))
	}))
	require.NoError(t, regErr)

	secure.emit(transport.SecureFailed)

	select {
	case s := <-seen:
		assert.Equal(t, StateClosed, s)
	case <-time.After(time.Second):
		t.Fatal("observer did not run")
	}
}

func TestInformationSnapshotsAreConsistent(t *testing.T) {
	h := newHarness(t)

	foreign := make(chan bool)
	go func() { foreign <- h.loop.IsCurrent() }()
	require.False(t, <-foreign, "reader goroutines must not be treated as the owner")
	require.NoError(t, h.start(t, 4096))
	h.engine.setStreams(512, 256)

	const readers = 16
	var wg sync.WaitGroup
	bad := make(chan Info, readers)
	stop := make(chan struct{})
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				info := h.c.Information()
				_, hasChannels := info.MaxChannels()
				if (info.State() == StateConnected) != hasChannels {
					bad <- info
					return
				}
			}
		}()
	}

	h.engine.fireConnected()
	h.flush(t)
	time.Sleep(10 * time.Millisecond)
	close(stop)
	wg.Wait()
	close(bad)

	for info := range bad {
		t.Errorf("inconsistent snapshot: state=%s", info.State())
	}
}

type recordingSink struct {
	loop     *Loop
	mu       sync.Mutex
	received []string
	onOwner  []bool
	closed   []int
	lows     []int
}

func (s *recordingSink) OnDataReceived(channelID int, kind transport.PayloadKind, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, string(payload))
	s.onOwner = append(s.onOwner, s.loop.IsCurrent())
}

func (s *recordingSink) OnChannelClosed(channelID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, channelID)
}

func (s *recordingSink) OnReadyToSend() {}

func (s *recordingSink) OnBufferedAmountLow(channelID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lows = append(s.lows, channelID)
}

func (s *recordingSink) OnTransportClosed(error) {}

func TestDataSinkCallbacksRunOnOwner(t *testing.T) {
	h := newHarness(t)
	sink := &recordingSink{loop: h.loop}

	var err error
	h.run(t, func() { err = h.c.SetDataSink(sink) })
	require.NoError(t, err)

	engineSink := h.engine.currentSink()
	require.NotNil(t, engineSink)
	engineSink.OnDataReceived(1, transport.PayloadText, []byte("hello"))
	engineSink.OnBufferedAmountLow(1)
	engineSink.OnChannelClosed(1)
	h.flush(t)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []string{"hello"}, sink.received)
	assert.Equal(t, []bool{true}, sink.onOwner)
	assert.Equal(t, []int{1}, sink.lows)
	assert.Equal(t, []int{1}, sink.closed)
}

func TestProxyFromForeignGoroutines(t *testing.T) {
	h := newHarness(t)
	p := NewProxy(h.c)
	assert.Equal(t, h.c.ID(), p.ID())

	require.NoError(t, p.Start(transport.Options{MaxMessageSize: 16384}))
	require.NoError(t, p.OpenChannel(1, transport.PriorityMedium))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- p.SendData(1, transport.SendParams{Kind: transport.PayloadText, Ordered: true}, []byte("msg"))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, h.engine.sent, 8)

	require.NoError(t, p.SetBufferedAmountLowThreshold(1, 512))
	assert.Equal(t, uint64(512), p.BufferedAmountLowThreshold(1))

	require.NoError(t, p.Clear())
	require.NoError(t, p.Clear())
	assert.ErrorIs(t, p.SendData(1, transport.SendParams{}, []byte("late")), ErrNotAttached)
	assert.Equal(t, StateClosed, p.Information().State())
	assert.Equal(t, []State{StateClosed}, h.observer.states())
}

func TestProxyAfterLoopStopped(t *testing.T) {
	h := newHarness(t)
	p := NewProxy(h.c)
	h.loop.Stop()

	assert.ErrorIs(t, p.OpenChannel(1, transport.PriorityLow), ErrLoopStopped)
	assert.Equal(t, StateConnecting, p.Information().State())
}
