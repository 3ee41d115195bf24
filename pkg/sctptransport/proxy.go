package sctptransport

import "dcmux/pkg/transport"

// Proxy это потокобезопасная обертка над Controller для прикладного уровня.
// Каждый вызов выполняется в контексте-владельце, вызывающий ждет результата.
type Proxy struct {
	c *Controller
}

func NewProxy(c *Controller) *Proxy {
	return &Proxy{c: c}
}

func (p *Proxy) ID() string { return p.c.ID() }

func (p *Proxy) Information() Info { return p.c.Information() }

func (p *Proxy) Start(opts transport.Options) error {
	return p.call(func() error { return p.c.Start(opts) })
}

func (p *Proxy) RegisterObserver(o Observer) error {
	return p.call(func() error { return p.c.RegisterObserver(o) })
}

func (p *Proxy) UnregisterObserver() error {
	return p.call(p.c.UnregisterObserver)
}

func (p *Proxy) OpenChannel(channelID int, priority transport.Priority) error {
	return p.call(func() error { return p.c.OpenChannel(channelID, priority) })
}

func (p *Proxy) SendData(channelID int, params transport.SendParams, payload []byte) error {
	return p.call(func() error { return p.c.SendData(channelID, params, payload) })
}

func (p *Proxy) CloseChannel(channelID int) error {
	return p.call(func() error { return p.c.CloseChannel(channelID) })
}

func (p *Proxy) SetDataSink(sink transport.DataSink) error {
	return p.call(func() error { return p.c.SetDataSink(sink) })
}

func (p *Proxy) IsReadyToSend() bool {
	ready, _ := Call(p.c.loop, p.c.IsReadyToSend)
	return ready
}

func (p *Proxy) BufferedAmount(channelID int) uint64 {
	n, _ := Call(p.c.loop, func() uint64 { return p.c.BufferedAmount(channelID) })
	return n
}

func (p *Proxy) BufferedAmountLowThreshold(channelID int) uint64 {
	n, _ := Call(p.c.loop, func() uint64 { return p.c.BufferedAmountLowThreshold(channelID) })
	return n
}

func (p *Proxy) SetBufferedAmountLowThreshold(channelID int, bytes uint64) error {
	return p.call(func() error { return p.c.SetBufferedAmountLowThreshold(channelID, bytes) })
}

func (p *Proxy) Clear() error {
	return p.call(p.c.Clear)
}

func (p *Proxy) call(fn func() error) error {
	var err error
	if loopErr := p.c.loop.BlockingCall(func() { err = fn() }); loopErr != nil {
		return loopErr
	}
	return err
}
