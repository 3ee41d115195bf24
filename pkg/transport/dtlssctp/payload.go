package dtlssctp

import (
	"time"

	"github.com/pion/sctp"

	"dcmux/pkg/transport"
)

// encodePayload выбирает PPI по RFC 8831. Пустые сообщения передаются одним нулевым
// байтом с отдельным PPI, так как SCTP не допускает пустых DATA.
func encodePayload(kind transport.PayloadKind, payload []byte) (sctp.PayloadProtocolIdentifier, []byte) {
	switch kind {
	case transport.PayloadControl:
		return sctp.PayloadTypeWebRTCDCEP, payload
	case transport.PayloadText:
		if len(payload) == 0 {
			return sctp.PayloadTypeWebRTCStringEmpty, []byte{0}
		}
		return sctp.PayloadTypeWebRTCString, payload
	default:
		if len(payload) == 0 {
			return sctp.PayloadTypeWebRTCBinaryEmpty, []byte{0}
		}
		return sctp.PayloadTypeWebRTCBinary, payload
	}
}

// decodePayload копирует данные из буфера чтения.
func decodePayload(ppi sctp.PayloadProtocolIdentifier, data []byte) (transport.PayloadKind, []byte) {
	switch ppi {
	case sctp.PayloadTypeWebRTCDCEP:
		return transport.PayloadControl, append([]byte(nil), data...)
	case sctp.PayloadTypeWebRTCString:
		return transport.PayloadText, append([]byte(nil), data...)
	case sctp.PayloadTypeWebRTCStringEmpty:
		return transport.PayloadText, []byte{}
	case sctp.PayloadTypeWebRTCBinaryEmpty:
		return transport.PayloadBinary, []byte{}
	default:
		return transport.PayloadBinary, append([]byte(nil), data...)
	}
}

func reliability(p transport.SendParams) (byte, uint32) {
	switch {
	case p.MaxRetransmits != nil:
		return sctp.ReliabilityTypeRexmit, *p.MaxRetransmits
	case p.MaxLifetime != nil:
		return sctp.ReliabilityTypeTimed, uint32(*p.MaxLifetime / time.Millisecond)
	default:
		return sctp.ReliabilityTypeReliable, 0
	}
}
