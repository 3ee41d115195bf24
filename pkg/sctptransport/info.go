package sctptransport

import "dcmux/pkg/transport"

// State описывает состояние транспорта с точки зрения приложения.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Info хранит неизменяемый снимок состояния транспорта.
// Контроллер заменяет его целиком при каждом обновлении.
type Info struct {
	state          State
	secure         transport.SecureTransport
	maxMessageSize uint64
	hasMessageSize bool
	maxChannels    uint16
	hasChannels    bool
}

func newInfo(state State, secure transport.SecureTransport) Info {
	return Info{state: state, secure: secure}
}

func (i Info) State() State { return i.state }

// SecureTransport возвращает последнее известное значение DTLS-транспорта.
func (i Info) SecureTransport() transport.SecureTransport { return i.secure }

// MaxMessageSize возвращает размер, заданный при Start.
func (i Info) MaxMessageSize() (uint64, bool) { return i.maxMessageSize, i.hasMessageSize }

// MaxChannels возвращает число каналов, согласованное при установлении ассоциации.
func (i Info) MaxChannels() (uint16, bool) { return i.maxChannels, i.hasChannels }

func (i Info) withState(state State) Info {
	i.state = state
	return i
}

func (i Info) withMaxMessageSize(size uint64) Info {
	i.maxMessageSize = size
	i.hasMessageSize = true
	return i
}

func (i Info) withMaxChannels(n uint16) Info {
	i.maxChannels = n
	i.hasChannels = true
	return i
}
