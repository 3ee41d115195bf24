package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"dcmux/pkg/observability"
	"dcmux/pkg/transport/dtlssctp"
)

type Config struct {
	ServerPort   string
	DatabasePath string

	// DTLS
	Role              dtlssctp.Role
	ListenAddr        string
	RemoteAddr        string
	RemoteFingerprint string

	// SCTP
	SCTPPort         int
	MaxMessageSize   uint64
	MaxReceiveBuffer uint32
	SendBufferLimit  uint64

	// mDNS; пустое имя отключает обнаружение
	MDNSService string

	Log observability.LogConfig
}

func Load() (*Config, error) {
	// Загружаем .env файл, если он существует
	_ = godotenv.Load()

	role, err := dtlssctp.ParseRole(getEnv("SCTP_ROLE", "client"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ServerPort:        getEnv("SERVER_PORT", "8081"),
		DatabasePath:      getEnv("DATABASE_PATH", "./dcmux.db"),
		Role:              role,
		ListenAddr:        getEnv("DTLS_LISTEN_ADDR", ":5684"),
		RemoteAddr:        getEnv("DTLS_REMOTE_ADDR", ""),
		RemoteFingerprint: getEnv("DTLS_REMOTE_FINGERPRINT", ""),
		MDNSService:       getEnv("MDNS_SERVICE", "_dcmux._udp"),
		Log: observability.LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "console"),
			Outputs:    splitList(getEnv("LOG_OUTPUTS", "stdout")),
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}

	if cfg.SCTPPort, err = getInt("SCTP_PORT", 5000); err != nil {
		return nil, err
	}
	if cfg.SCTPPort < 1 || cfg.SCTPPort > 65535 {
		return nil, fmt.Errorf("SCTP_PORT out of range: %d", cfg.SCTPPort)
	}
	if cfg.MaxMessageSize, err = getUint("SCTP_MAX_MESSAGE_SIZE", 64*1024, 64); err != nil {
		return nil, err
	}
	maxRecv, err := getUint("SCTP_MAX_RECEIVE_BUFFER", 0, 32)
	if err != nil {
		return nil, err
	}
	cfg.MaxReceiveBuffer = uint32(maxRecv)
	if cfg.SendBufferLimit, err = getUint("SCTP_SEND_BUFFER_LIMIT", 0, 64); err != nil {
		return nil, err
	}
	if cfg.Log.Development, err = getBool("LOG_DEVELOPMENT", false); err != nil {
		return nil, err
	}
	if cfg.Log.Rotate, err = getBool("LOG_ROTATE", false); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Options возвращает параметры запуска транспорта.
func (c *Config) Options() (local, remote int, maxMessageSize uint64) {
	return c.SCTPPort, c.SCTPPort, c.MaxMessageSize
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getUint(key string, fallback uint64, bits int) (uint64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, bits)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getBool(key string, fallback bool) (bool, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
