package dtlssctp

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/pion/dtls/v2"
	"github.com/pion/dtls/v2/pkg/crypto/fingerprint"
	"github.com/pion/dtls/v2/pkg/crypto/selfsign"
	"go.uber.org/zap"

	"dcmux/pkg/transport"
)

var (
	errNoPeerCertificate   = errors.New("peer did not present a certificate")
	errFingerprintMismatch = errors.New("peer certificate fingerprint mismatch")
	errAlreadyStarted      = errors.New("dtls handshake already started")
)

// Проверка соответствия интерфейсу
var _ transport.SecureTransport = (*DTLSTransport)(nil)

// Role определяет сторону рукопожатия DTLS и ассоциации SCTP.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// ParseRole разбирает значение из конфигурации.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "client", "":
		return RoleClient, nil
	case "server":
		return RoleServer, nil
	default:
		return RoleClient, fmt.Errorf("unknown role %q", s)
	}
}

// NewConfig создает конфигурацию DTLS с самоподписанным сертификатом и возвращает
// SHA-256 отпечаток локального сертификата. Если remoteFingerprint задан,
// сертификат пира сверяется с ним.
func NewConfig(remoteFingerprint string) (*dtls.Config, string, error) {
	cert, err := selfsign.GenerateSelfSigned()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate certificate: %w", err)
	}
	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse certificate: %w", err)
	}
	local, err := fingerprint.Fingerprint(parsed, crypto.SHA256)
	if err != nil {
		return nil, "", fmt.Errorf("failed to compute fingerprint: %w", err)
	}

	cfg := &dtls.Config{
		Certificates:         []tls.Certificate{cert},
		InsecureSkipVerify:   true,
		ClientAuth:           dtls.RequireAnyClientCert,
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if remoteFingerprint == "" {
				return nil
			}
			return verifyFingerprint(rawCerts, remoteFingerprint)
		},
	}
	return cfg, local, nil
}

func verifyFingerprint(rawCerts [][]byte, want string) error {
	if len(rawCerts) == 0 {
		return errNoPeerCertificate
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("failed to parse peer certificate: %w", err)
	}
	got, err := fingerprint.Fingerprint(cert, crypto.SHA256)
	if err != nil {
		return fmt.Errorf("failed to compute peer fingerprint: %w", err)
	}
	if !strings.EqualFold(got, want) {
		return errFingerprintMismatch
	}
	return nil
}

// DTLSTransport реализует защищенный канал на базе pion/dtls с потоком уведомлений о состоянии.
type DTLSTransport struct {
	role   Role
	config *dtls.Config
	log    *zap.Logger

	mu      sync.Mutex
	state   transport.SecureState
	raw     *dtls.Conn
	conn    net.Conn
	subs    map[int]func(transport.SecureTransport, transport.SecureState)
	nextSub int
}

func NewDTLSTransport(role Role, config *dtls.Config, log *zap.Logger) *DTLSTransport {
	if log == nil {
		log = zap.NewNop()
	}
	return &DTLSTransport{
		role:   role,
		config: config,
		log:    log.With(zap.Stringer("dtls_role", role)),
		state:  transport.SecureNew,
		subs:   make(map[int]func(transport.SecureTransport, transport.SecureState)),
	}
}

// Handshake выполняет рукопожатие DTLS поверх датаграммного соединения.
func (t *DTLSTransport) Handshake(ctx context.Context, conn net.Conn) error {
	t.mu.Lock()
	if t.state != transport.SecureNew {
		t.mu.Unlock()
		return errAlreadyStarted
	}
	t.mu.Unlock()
	t.setState(transport.SecureConnecting)

	var (
		c   *dtls.Conn
		err error
	)
	if t.role == RoleServer {
		c, err = dtls.ServerWithContext(ctx, conn, t.config)
	} else {
		c, err = dtls.ClientWithContext(ctx, conn, t.config)
	}
	if err != nil {
		t.setState(transport.SecureFailed)
		return fmt.Errorf("failed to complete DTLS handshake: %w", err)
	}

	t.mu.Lock()
	t.raw = c
	t.conn = &watchedConn{Conn: c, onError: t.onReadError}
	t.mu.Unlock()

	t.setState(transport.SecureConnected)
	return nil
}

func (t *DTLSTransport) Subscribe(fn func(transport.SecureTransport, transport.SecureState)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
}

func (t *DTLSTransport) State() transport.SecureState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *DTLSTransport) Conn() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// Close закрывает DTLS-соединение.
func (t *DTLSTransport) Close() error {
	t.mu.Lock()
	raw := t.raw
	t.mu.Unlock()

	var err error
	if raw != nil {
		err = raw.Close()
	}
	t.setState(transport.SecureClosed)
	return err
}

func (t *DTLSTransport) onReadError(err error) {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, dtls.ErrConnClosed) {
		t.setState(transport.SecureClosed)
		return
	}
	t.log.Warn("dtls read failed", zap.Error(err))
	t.setState(transport.SecureFailed)
}

// setState меняет состояние и уведомляет подписчиков вне блокировки.
// Из Closed и Failed переходов нет.
func (t *DTLSTransport) setState(state transport.SecureState) {
	t.mu.Lock()
	if t.state == state || t.state == transport.SecureClosed || t.state == transport.SecureFailed {
		t.mu.Unlock()
		return
	}
	t.state = state
	subs := make([]func(transport.SecureTransport, transport.SecureState), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()

	t.log.Debug("dtls state changed", zap.Stringer("state", state))
	for _, fn := range subs {
		fn(t, state)
	}
}

// watchedConn сообщает об ошибках чтения, чтобы отследить закрытие канала пиром.
type watchedConn struct {
	net.Conn
	onError func(error)
}

func (c *watchedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if err != nil {
		c.onError(err)
	}
	return n, err
}
