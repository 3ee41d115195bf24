package sctptransport

import (
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dcmux/pkg/transport"
)

// Controller ведет одну SCTP-ассоциацию поверх DTLS.
// Все методы, кроме Information и ID, должны вызываться в контексте-владельце.
type Controller struct {
	id   string
	loop *Loop
	log  *zap.Logger

	info      Info
	engine    transport.Engine
	secure    transport.SecureTransport
	unsubDTLS func()
	observers observerLink
	upFired   bool
}

// New создает контроллер, связанный с движком и DTLS-транспортом.
// Контроллер получает движок во владение и освобождает его в Clear.
func New(loop *Loop, engine transport.Engine, secure transport.SecureTransport, log *zap.Logger) (*Controller, error) {
	if loop == nil {
		return nil, errors.New("owner loop is required")
	}
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if secure == nil {
		return nil, errors.New("secure transport is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	c := &Controller{
		id:     uuid.NewString(),
		loop:   loop,
		engine: engine,
		secure: secure,
		info:   newInfo(StateConnecting, secure),
	}
	c.log = log.With(zap.String("transport_id", c.id))

	c.unsubDTLS = secure.Subscribe(func(src transport.SecureTransport, state transport.SecureState) {
		loop.Post(func() { c.onSecureStateChange(src, state) })
	})

	engine.SetSecureTransport(secure)
	engine.SetOnConnected(func() {
		loop.Post(c.onAssociationUp)
	})

	c.log.Debug("transport controller created")
	return c, nil
}

// ID возвращает идентификатор контроллера для логов и журнала.
func (c *Controller) ID() string { return c.id }

// Loop возвращает контекст-владелец контроллера.
func (c *Controller) Loop() *Loop { return c.loop }

// Information возвращает текущий снимок. Безопасно вызывать из любой горутины.
func (c *Controller) Information() Info {
	return readSnapshot(c.loop, func() Info { return c.info })
}

func (c *Controller) RegisterObserver(o Observer) error {
	if err := c.checkOwner("RegisterObserver"); err != nil {
		return err
	}
	if err := c.observers.register(o); err != nil {
		c.log.DPanic("observer already registered or nil")
		return err
	}
	return nil
}

func (c *Controller) UnregisterObserver() error {
	if err := c.checkOwner("UnregisterObserver"); err != nil {
		return err
	}
	if err := c.observers.unregister(); err != nil {
		c.log.DPanic("no observer registered")
		return err
	}
	return nil
}

// Start запоминает максимальный размер сообщения и передает параметры движку.
// Если движок их не принял, транспорт сразу переходит в Closed.
func (c *Controller) Start(opts transport.Options) error {
	if err := c.checkOwner("Start"); err != nil {
		return err
	}
	if c.engine == nil {
		return ErrNotAttached
	}

	c.info = c.info.withMaxMessageSize(opts.MaxMessageSize)

	if err := c.engine.ApplyOptions(opts); err != nil {
		c.log.Error("failed to push down SCTP parameters, closing", zap.Error(err))
		c.updateInformation(StateClosed)
		return engineError("start", -1, err)
	}
	return nil
}

// OpenChannel открывает поток. Готовность канала до Connected обеспечивает движок.
func (c *Controller) OpenChannel(channelID int, priority transport.Priority) error {
	if err := c.checkAttached("OpenChannel"); err != nil {
		return err
	}
	return engineError("open", channelID, c.engine.OpenStream(channelID, priority))
}

func (c *Controller) SendData(channelID int, params transport.SendParams, payload []byte) error {
	if err := c.checkAttached("SendData"); err != nil {
		return err
	}
	return engineError("send", channelID, c.engine.Send(channelID, params, payload))
}

func (c *Controller) CloseChannel(channelID int) error {
	if err := c.checkAttached("CloseChannel"); err != nil {
		return err
	}
	return engineError("close", channelID, c.engine.ResetStream(channelID))
}

// SetDataSink передает приемник движку. Колбэки приемника выполняются в контексте-владельце.
func (c *Controller) SetDataSink(sink transport.DataSink) error {
	if err := c.checkAttached("SetDataSink"); err != nil {
		return err
	}
	if sink == nil {
		c.engine.SetDataSink(nil)
		return nil
	}
	c.engine.SetDataSink(&loopSink{loop: c.loop, sink: sink})
	return nil
}

func (c *Controller) IsReadyToSend() bool {
	if c.checkOwner("IsReadyToSend") != nil || c.engine == nil {
		return false
	}
	return c.engine.ReadyToSend()
}

func (c *Controller) BufferedAmount(channelID int) uint64 {
	if c.checkOwner("BufferedAmount") != nil || c.engine == nil {
		return 0
	}
	return c.engine.BufferedAmount(channelID)
}

func (c *Controller) BufferedAmountLowThreshold(channelID int) uint64 {
	if c.checkOwner("BufferedAmountLowThreshold") != nil || c.engine == nil {
		return 0
	}
	return c.engine.BufferedAmountLowThreshold(channelID)
}

func (c *Controller) SetBufferedAmountLowThreshold(channelID int, bytes uint64) error {
	if err := c.checkAttached("SetBufferedAmountLowThreshold"); err != nil {
		return err
	}
	c.engine.SetBufferedAmountLowThreshold(channelID, bytes)
	return nil
}

// SecureTransport возвращает живую ссылку на DTLS-транспорт; после Clear возвращает nil.
func (c *Controller) SecureTransport() transport.SecureTransport {
	if c.checkOwner("SecureTransport") != nil {
		return nil
	}
	return c.secure
}

// Clear освобождает движок и ссылку на DTLS и переводит транспорт в Closed.
// Повторный вызов ничего не делает.
func (c *Controller) Clear() error {
	if err := c.checkOwner("Clear"); err != nil {
		return err
	}
	if c.unsubDTLS != nil {
		c.unsubDTLS()
		c.unsubDTLS = nil
	}
	c.secure = nil
	if c.engine != nil {
		if err := c.engine.Close(); err != nil {
			c.log.Warn("failed to close engine", zap.Error(err))
		}
		c.engine = nil
	}
	c.updateInformation(StateClosed)
	return nil
}

// updateInformation единственная точка смены состояния.
func (c *Controller) updateInformation(state State) {
	old := c.info.state
	if old == StateClosed && state != StateClosed {
		c.log.Debug("ignoring transition out of closed state", zap.Stringer("to", state))
		return
	}
	c.info = c.info.withState(state)
	if state == old {
		return
	}
	c.log.Info("transport state changed", zap.Stringer("from", old), zap.Stringer("to", state))
	c.observers.notify(c.info)
}

func (c *Controller) onSecureStateChange(src transport.SecureTransport, state transport.SecureState) {
	if c.secure == nil {
		c.log.Debug("secure transport notification after clear", zap.Stringer("state", state))
		return
	}
	if src != c.secure {
		c.log.DPanic("notification from foreign secure transport", zap.Stringer("state", state))
		return
	}
	if state == transport.SecureClosed || state == transport.SecureFailed {
		c.log.Info("secure transport is down", zap.Stringer("state", state))
		c.updateInformation(StateClosed)
	}
}

func (c *Controller) onAssociationUp() {
	if c.engine == nil || c.upFired {
		return
	}
	c.upFired = true
	if c.info.state == StateClosed {
		return
	}

	out, okOut := c.engine.MaxOutboundStreams()
	in, okIn := c.engine.MaxInboundStreams()
	if okOut && okIn {
		c.info = c.info.withMaxChannels(min(out, in))
	}
	c.updateInformation(StateConnected)
}

func (c *Controller) checkOwner(op string) error {
	if c.loop.IsCurrent() {
		return nil
	}
	c.log.DPanic("transport method called outside of owner context", zap.String("op", op))
	return ErrWrongContext
}

func (c *Controller) checkAttached(op string) error {
	if err := c.checkOwner(op); err != nil {
		return err
	}
	if c.engine == nil {
		return ErrNotAttached
	}
	return nil
}

// loopSink переносит колбэки движка в контекст-владелец.
type loopSink struct {
	loop *Loop
	sink transport.DataSink
}

func (s *loopSink) OnDataReceived(channelID int, kind transport.PayloadKind, payload []byte) {
	s.loop.Post(func() { s.sink.OnDataReceived(channelID, kind, payload) })
}

func (s *loopSink) OnChannelClosed(channelID int) {
	s.loop.Post(func() { s.sink.OnChannelClosed(channelID) })
}

func (s *loopSink) OnReadyToSend() {
	s.loop.Post(s.sink.OnReadyToSend)
}

func (s *loopSink) OnBufferedAmountLow(channelID int) {
	s.loop.Post(func() { s.sink.OnBufferedAmountLow(channelID) })
}

func (s *loopSink) OnTransportClosed(err error) {
	s.loop.Post(func() { s.sink.OnTransportClosed(err) })
}
