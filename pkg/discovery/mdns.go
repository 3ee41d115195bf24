package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"
)

var ErrNoPeer = errors.New("no peer discovered")

// Peer описывает обнаруженную точку подключения DTLS.
type Peer struct {
	Name        string
	Addr        string
	Fingerprint string
}

// ServiceDiscovery анонсирует локальную точку подключения через mDNS
type ServiceDiscovery struct {
	serviceName string
	port        int
	log         *zap.Logger
	server      *mdns.Server
}

func New(serviceName string, port int, log *zap.Logger) *ServiceDiscovery {
	if log == nil {
		log = zap.NewNop()
	}
	return &ServiceDiscovery{
		serviceName: serviceName,
		port:        port,
		log:         log,
	}
}

// Advertise запускает mDNS сервер. fingerprint публикуется в TXT-записи,
// чтобы клиент мог проверить сертификат DTLS.
func (sd *ServiceDiscovery) Advertise(instance, fingerprint string) error {
	localIP, err := getLocalIP()
	if err != nil {
		return fmt.Errorf("failed to get local IP: %w", err)
	}

	service, err := mdns.NewMDNSService(
		instance,
		sd.serviceName,
		"",
		"",
		sd.port,
		[]net.IP{net.ParseIP(localIP)},
		[]string{"txtv=1", "fp=" + fingerprint},
	)
	if err != nil {
		return fmt.Errorf("failed to create mdns service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to start mdns server: %w", err)
	}
	sd.server = server

	sd.log.Info("mdns service advertised",
		zap.String("service", sd.serviceName),
		zap.String("ip", localIP),
		zap.Int("port", sd.port))
	return nil
}

// Stop останавливает анонс
func (sd *ServiceDiscovery) Stop() error {
	if sd.server == nil {
		return nil
	}
	err := sd.server.Shutdown()
	sd.server = nil
	return err
}

// Lookup ищет первого пира с IPv4-адресом.
func Lookup(ctx context.Context, serviceName string, timeout time.Duration) (Peer, error) {
	entries := make(chan *mdns.ServiceEntry, 8)
	params := &mdns.QueryParam{
		Service:     serviceName,
		Domain:      "local",
		Timeout:     timeout,
		Entries:     entries,
		DisableIPv6: true,
	}

	queryErr := make(chan error, 1)
	go func() {
		queryErr <- mdns.Query(params)
		close(entries)
	}()

	for {
		select {
		case <-ctx.Done():
			return Peer{}, ctx.Err()
		case err := <-queryErr:
			if err != nil {
				return Peer{}, fmt.Errorf("mdns query failed: %w", err)
			}
			// Query завершился, дочитываем оставшиеся записи.
			for entry := range entries {
				if p, ok := peerFromEntry(entry); ok {
					return p, nil
				}
			}
			return Peer{}, ErrNoPeer
		case entry, ok := <-entries:
			if !ok {
				return Peer{}, ErrNoPeer
			}
			if p, ok := peerFromEntry(entry); ok {
				return p, nil
			}
		}
	}
}

func peerFromEntry(entry *mdns.ServiceEntry) (Peer, bool) {
	if entry == nil || entry.AddrV4 == nil {
		return Peer{}, false
	}
	txt := parseTXT(entry.InfoFields)
	return Peer{
		Name:        entry.Name,
		Addr:        net.JoinHostPort(entry.AddrV4.String(), fmt.Sprint(entry.Port)),
		Fingerprint: txt["fp"],
	}, true
}

func parseTXT(fields []string) map[string]string {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		k, v, _ := strings.Cut(f, "=")
		out[k] = v
	}
	return out
}

// getLocalIP возвращает локальный IP адрес
func getLocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}

	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				return ipnet.IP.String(), nil
			}
		}
	}

	return "", fmt.Errorf("no local IP found")
}
