package transport

import (
	"errors"
	"net"
	"time"
)

// Общие ошибки движка, на которые могут опираться вызывающие через errors.Is.
var (
	ErrStreamNotOpen   = errors.New("stream is not open")
	ErrNotConnected    = errors.New("association is not established")
	ErrBufferFull      = errors.New("send buffer is full")
	ErrMessageTooLarge = errors.New("message exceeds max message size")
	ErrInvalidOptions  = errors.New("invalid transport options")
	ErrEngineClosed    = errors.New("engine is closed")
	ErrInvalidStreamID = errors.New("invalid stream id")
)

// SecureState описывает состояние защищенного (DTLS) канала.
type SecureState int

const (
	SecureNew SecureState = iota
	SecureConnecting
	SecureConnected
	SecureClosed
	SecureFailed
)

func (s SecureState) String() string {
	switch s {
	case SecureNew:
		return "new"
	case SecureConnecting:
		return "connecting"
	case SecureConnected:
		return "connected"
	case SecureClosed:
		return "closed"
	case SecureFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SecureTransport определяет защищенный канал, поверх которого идет ассоциация.
type SecureTransport interface {
	// Subscribe регистрирует обработчик смены состояния.
	// Обработчик получает источник уведомления для проверки идентичности.
	// Возвращает функцию отписки.
	Subscribe(fn func(src SecureTransport, state SecureState)) (unsubscribe func())

	// State возвращает текущее состояние канала.
	State() SecureState

	// Conn возвращает установленное соединение или nil, если рукопожатие не завершено.
	Conn() net.Conn
}

// Priority задает приоритет канала, значения совпадают с приоритетами RTCPriorityType.
type Priority uint16

const (
	PriorityVeryLow Priority = 128
	PriorityLow     Priority = 256
	PriorityMedium  Priority = 512
	PriorityHigh    Priority = 1024
)

func (p Priority) String() string {
	switch {
	case p <= PriorityVeryLow:
		return "very-low"
	case p <= PriorityLow:
		return "low"
	case p <= PriorityMedium:
		return "medium"
	default:
		return "high"
	}
}

// PayloadKind определяет тип полезной нагрузки сообщения.
type PayloadKind int

const (
	PayloadText PayloadKind = iota
	PayloadBinary
	PayloadControl
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadText:
		return "text"
	case PayloadBinary:
		return "binary"
	case PayloadControl:
		return "control"
	default:
		return "unknown"
	}
}

// SendParams описывает намерения отправителя по надежности и порядку доставки.
// MaxRetransmits и MaxLifetime взаимоисключающие; если оба nil, доставка надежная.
type SendParams struct {
	Kind           PayloadKind
	Ordered        bool
	MaxRetransmits *uint32
	MaxLifetime    *time.Duration
}

// Reliable сообщает, требуется ли полностью надежная доставка.
func (p SendParams) Reliable() bool {
	return p.MaxRetransmits == nil && p.MaxLifetime == nil
}

// Options содержит параметры ассоциации, согласованные через SDP.
type Options struct {
	LocalPort      int
	RemotePort     int
	MaxMessageSize uint64
}

// DataSink получает события движка по каналам.
type DataSink interface {
	OnDataReceived(channelID int, kind PayloadKind, payload []byte)
	OnChannelClosed(channelID int)
	OnReadyToSend()
	OnBufferedAmountLow(channelID int)
	OnTransportClosed(err error)
}

// Engine выполняет протокол мультиплексированной ассоциации (SCTP).
// Вызовы методов сериализуются владельцем; колбэки могут приходить из любых горутин.
type Engine interface {
	SetSecureTransport(st SecureTransport)

	// SetOnConnected задает колбэк, который вызывается один раз при установлении ассоциации.
	SetOnConnected(fn func())

	SetDataSink(sink DataSink)

	// ApplyOptions применяет параметры; ошибка означает, что ассоциация непригодна.
	ApplyOptions(opts Options) error

	OpenStream(id int, priority Priority) error
	ResetStream(id int) error
	Send(id int, params SendParams, payload []byte) error

	ReadyToSend() bool
	BufferedAmount(id int) uint64
	BufferedAmountLowThreshold(id int) uint64
	SetBufferedAmountLowThreshold(id int, bytes uint64)

	MaxOutboundStreams() (uint16, bool)
	MaxInboundStreams() (uint16, bool)

	// Close освобождает движок и все его потоки.
	Close() error
}
