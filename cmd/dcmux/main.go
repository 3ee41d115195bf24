package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/transport/v2/udp"
	"go.uber.org/zap"

	"dcmux/internal/config"
	"dcmux/internal/server"
	"dcmux/pkg/discovery"
	"dcmux/pkg/observability"
	"dcmux/pkg/sctptransport"
	"dcmux/pkg/storage"
	"dcmux/pkg/transport"
	"dcmux/pkg/transport/dtlssctp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	log, err := observability.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка инициализации логгера: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("dcmux stopped with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	log.Info("starting dcmux", zap.Stringer("role", cfg.Role))

	db, err := storage.New(cfg.DatabasePath, log)
	if err != nil {
		return err
	}
	defer db.Close()

	// Клиент без явного адреса ищет сервер через mDNS
	remoteAddr, remoteFP := cfg.RemoteAddr, cfg.RemoteFingerprint
	if cfg.Role == dtlssctp.RoleClient && remoteAddr == "" {
		if cfg.MDNSService == "" {
			return errors.New("DTLS_REMOTE_ADDR is required when mDNS is disabled")
		}
		lookupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		peer, err := discovery.Lookup(lookupCtx, cfg.MDNSService, 5*time.Second)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to discover peer: %w", err)
		}
		log.Info("peer discovered", zap.String("name", peer.Name), zap.String("addr", peer.Addr))
		remoteAddr = peer.Addr
		if remoteFP == "" {
			remoteFP = peer.Fingerprint
		}
	}

	dtlsConfig, localFP, err := dtlssctp.NewConfig(remoteFP)
	if err != nil {
		return err
	}
	log.Info("local certificate fingerprint", zap.String("sha-256", localFP))

	loop := sctptransport.NewLoop(log)
	defer loop.Stop()

	secure := dtlssctp.NewDTLSTransport(cfg.Role, dtlsConfig, log)
	defer secure.Close()

	engine := dtlssctp.NewEngine(dtlssctp.EngineConfig{
		Role:                 cfg.Role,
		MaxReceiveBufferSize: cfg.MaxReceiveBuffer,
		SendBufferLimit:      cfg.SendBufferLimit,
		LoggerFactory:        observability.NewPionLoggerFactory(log),
	}, log)

	controller, err := sctptransport.New(loop, engine, secure, log)
	if err != nil {
		return err
	}
	proxy := sctptransport.NewProxy(controller)
	defer func() {
		if err := proxy.Clear(); err != nil {
			log.Warn("failed to clear transport", zap.Error(err))
		}
	}()

	srv := server.New(proxy, db, log)
	if err := proxy.RegisterObserver(srv); err != nil {
		return err
	}
	if err := proxy.SetDataSink(srv); err != nil {
		return err
	}

	local, remote, maxSize := cfg.Options()
	if err := proxy.Start(transport.Options{LocalPort: local, RemotePort: remote, MaxMessageSize: maxSize}); err != nil {
		return err
	}

	go func() {
		if err := srv.Start(ctx, ":"+cfg.ServerPort); err != nil {
			log.Error("HTTP API failed", zap.Error(err))
		}
	}()

	conn, cleanup, err := dial(ctx, cfg, remoteAddr, localFP, log)
	if err != nil {
		if ctx.Err() != nil {
			log.Info("shutting down before peer connected")
			return nil
		}
		return err
	}
	defer cleanup()

	go func() {
		if err := secure.Handshake(ctx, conn); err != nil {
			log.Error("DTLS handshake failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// dial возвращает датаграммное соединение с пиром. Сервер принимает первого
// подключившегося клиента и, если включено, анонсирует себя через mDNS.
func dial(ctx context.Context, cfg *config.Config, remoteAddr, localFP string, log *zap.Logger) (net.Conn, func(), error) {
	if cfg.Role == dtlssctp.RoleClient {
		raddr, err := net.ResolveUDPAddr("udp", remoteAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid remote address: %w", err)
		}
		conn, err := net.DialUDP("udp", nil, raddr)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to dial %s: %w", remoteAddr, err)
		}
		log.Info("dialing peer", zap.String("addr", raddr.String()))
		return conn, func() { conn.Close() }, nil
	}

	laddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid listen address: %w", err)
	}
	lc := udp.ListenConfig{}
	listener, err := lc.Listen("udp", laddr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}
	log.Info("waiting for peer", zap.String("addr", listener.Addr().String()))

	var sd *discovery.ServiceDiscovery
	if cfg.MDNSService != "" {
		sd = discovery.New(cfg.MDNSService, laddr.Port, log)
		hostname, _ := os.Hostname()
		if err := sd.Advertise(hostname, localFP); err != nil {
			log.Warn("mdns advertise failed", zap.Error(err))
		}
	}

	cleanup := func() {
		if sd != nil {
			sd.Stop()
		}
		listener.Close()
	}

	// Accept не принимает контекст; закрытие слушателя прерывает ожидание.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	conn, err := listener.Accept()
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to accept peer: %w", err)
	}
	log.Info("peer connected", zap.String("addr", conn.RemoteAddr().String()))
	return conn, func() { conn.Close(); cleanup() }, nil
}
