package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"dcmux/pkg/sctptransport"
	"dcmux/pkg/transport"
)

// Storage хранит журнал переходов транспорта и реестр открытых каналов.
type Storage struct {
	db  *sql.DB
	log *zap.Logger
}

// Transition это запись журнала о смене состояния транспорта.
type Transition struct {
	ID             int64     `json:"id"`
	TransportID    string    `json:"transport_id"`
	State          string    `json:"state"`
	MaxMessageSize *uint64   `json:"max_message_size,omitempty"`
	MaxChannels    *uint16   `json:"max_channels,omitempty"`
	At             time.Time `json:"at"`
}

// Channel это запись реестра каналов.
type Channel struct {
	TransportID string     `json:"transport_id"`
	ChannelID   int        `json:"channel_id"`
	Label       string     `json:"label"`
	Priority    uint16     `json:"priority"`
	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

func New(dbPath string, log *zap.Logger) (*Storage, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	// sqlite: одно соединение, иначе :memory: у каждого соединения своя база
	db.SetMaxOpenConns(1)

	storage := &Storage{db: db, log: log}
	if err := storage.initDB(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	log.Debug("database initialized", zap.String("path", dbPath))
	return storage, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) initDB() error {
	query := `
	CREATE TABLE IF NOT EXISTS transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		transport_id TEXT NOT NULL,
		state TEXT NOT NULL,
		max_message_size INTEGER,
		max_channels INTEGER,
		at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS transitions_transport ON transitions (transport_id, id);

	CREATE TABLE IF NOT EXISTS channels (
		transport_id TEXT NOT NULL,
		channel_id INTEGER NOT NULL,
		label TEXT,
		priority INTEGER NOT NULL,
		opened_at DATETIME NOT NULL,
		closed_at DATETIME,
		PRIMARY KEY (transport_id, channel_id)
	);
	`
	_, err := s.db.Exec(query)
	return err
}

// RecordTransition добавляет снимок состояния в журнал.
func (s *Storage) RecordTransition(transportID string, info sctptransport.Info) error {
	var size, channels sql.NullInt64
	if v, ok := info.MaxMessageSize(); ok {
		size = sql.NullInt64{Int64: int64(v), Valid: true}
	}
	if v, ok := info.MaxChannels(); ok {
		channels = sql.NullInt64{Int64: int64(v), Valid: true}
	}

	query := "INSERT INTO transitions (transport_id, state, max_message_size, max_channels, at) VALUES (?, ?, ?, ?, ?)"
	_, err := s.db.Exec(query, transportID, info.State().String(), size, channels, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

// History возвращает журнал переходов транспорта в порядке записи.
func (s *Storage) History(transportID string) ([]Transition, error) {
	query := "SELECT id, transport_id, state, max_message_size, max_channels, at FROM transitions WHERE transport_id = ? ORDER BY id"
	rows, err := s.db.Query(query, transportID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		var size, channels sql.NullInt64
		if err := rows.Scan(&tr.ID, &tr.TransportID, &tr.State, &size, &channels, &tr.At); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		if size.Valid {
			v := uint64(size.Int64)
			tr.MaxMessageSize = &v
		}
		if channels.Valid {
			v := uint16(channels.Int64)
			tr.MaxChannels = &v
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// OpenChannel регистрирует канал. Повторное открытие того же id перезаписывает запись.
func (s *Storage) OpenChannel(transportID string, channelID int, label string, priority transport.Priority) error {
	query := `INSERT INTO channels (transport_id, channel_id, label, priority, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, NULL)
		ON CONFLICT (transport_id, channel_id) DO UPDATE SET
			label = excluded.label, priority = excluded.priority, opened_at = excluded.opened_at, closed_at = NULL`
	_, err := s.db.Exec(query, transportID, channelID, label, int(priority), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to register channel: %w", err)
	}
	return nil
}

// CloseChannel отмечает канал закрытым.
func (s *Storage) CloseChannel(transportID string, channelID int) error {
	query := "UPDATE channels SET closed_at = ? WHERE transport_id = ? AND channel_id = ? AND closed_at IS NULL"
	_, err := s.db.Exec(query, time.Now().UTC(), transportID, channelID)
	if err != nil {
		return fmt.Errorf("failed to close channel: %w", err)
	}
	return nil
}

// OpenChannels возвращает каналы, которые еще не закрыты.
func (s *Storage) OpenChannels(transportID string) ([]Channel, error) {
	query := "SELECT transport_id, channel_id, label, priority, opened_at FROM channels WHERE transport_id = ? AND closed_at IS NULL ORDER BY channel_id"
	rows, err := s.db.Query(query, transportID)
	if err != nil {
		return nil, fmt.Errorf("failed to query channels: %w", err)
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		var ch Channel
		var label sql.NullString
		if err := rows.Scan(&ch.TransportID, &ch.ChannelID, &label, &ch.Priority, &ch.OpenedAt); err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		ch.Label = label.String
		out = append(out, ch)
	}
	return out, rows.Err()
}

// CloseAllChannels отмечает закрытыми все каналы транспорта, например после Closed.
func (s *Storage) CloseAllChannels(transportID string) error {
	query := "UPDATE channels SET closed_at = ? WHERE transport_id = ? AND closed_at IS NULL"
	if _, err := s.db.Exec(query, time.Now().UTC(), transportID); err != nil {
		return fmt.Errorf("failed to close channels: %w", err)
	}
	return nil
}
