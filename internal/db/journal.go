package db

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/seerlink-project/seerlink/internal/events"
	"github.com/seerlink-project/seerlink/internal/protocol"
)

// Entry is one journaled packet.
type Entry struct {
	ID          int64     `json:"id"`
	Direction   string    `json:"direction"`
	Command     uint32    `json:"command"`
	CommandName string    `json:"command_name"`
	UserID      uint32    `json:"user_id"`
	Result      uint32    `json:"result"`
	Length      int       `json:"length"`
	PayloadHex  string    `json:"payload_hex"`
	CreatedAt   time.Time `json:"created_at"`
}

// CommandCount is a per-command traffic tally.
type CommandCount struct {
	Command     uint32 `json:"command"`
	CommandName string `json:"command_name"`
	Sent        int64  `json:"sent"`
	Received    int64  `json:"received"`
}

// Journal records decrypted traffic for later inspection.
type Journal struct {
	db     *Database
	logger zerolog.Logger
}

// OpenJournal opens the journal database and applies the schema.
func OpenJournal(path string) (*Journal, error) {
	database, err := NewDatabase(path)
	if err != nil {
		return nil, err
	}

	j := &Journal{
		db:     database,
		logger: log.With().Str("component", "journal").Logger(),
	}
	if err := j.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate journal database: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS packets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			direction TEXT NOT NULL,
			command INTEGER NOT NULL,
			command_name TEXT NOT NULL DEFAULT '',
			user_id INTEGER NOT NULL DEFAULT 0,
			result INTEGER NOT NULL DEFAULT 0,
			length INTEGER NOT NULL,
			payload_hex TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_packets_created_at ON packets(created_at);
		CREATE INDEX IF NOT EXISTS idx_packets_command ON packets(command);
	`
	if _, err := j.db.Exec(context.Background(), schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	j.logger.Debug().Msg("journal schema migrated")
	return nil
}

// Attach subscribes the journal to packet traffic on the bus.
func (j *Journal) Attach(bus *events.EventBus) {
	bus.SubscribeMany(events.PacketEvents, "journal", func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.PacketPayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T", e.Payload)
		}
		return j.Record(ctx, p)
	})
}

// Record inserts one packet.
func (j *Journal) Record(ctx context.Context, p events.PacketPayload) error {
	at := p.At
	if at.IsZero() {
		at = time.Now()
	}

	_, err := j.db.Exec(ctx,
		`INSERT INTO packets (direction, command, command_name, user_id, result, length, payload_hex, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(p.Direction), int64(p.Command), p.Name, int64(p.UserID), int64(p.Result),
		p.Length, protocol.FormatHex(p.Raw), at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record packet %d: %w", p.Command, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := j.db.Query(ctx,
		`SELECT id, direction, command, command_name, user_id, result, length, payload_hex, created_at
		 FROM packets ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                       Entry
			command, userID, result int64
			createdAt               int64
		)
		if err := rows.Scan(&e.ID, &e.Direction, &command, &e.CommandName, &userID, &result,
			&e.Length, &e.PayloadHex, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		e.Command = uint32(command)
		e.UserID = uint32(userID)
		e.Result = uint32(result)
		e.CreatedAt = time.UnixMilli(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountByCommand tallies sent and received packets per command, busiest first.
func (j *Journal) CountByCommand(ctx context.Context) ([]CommandCount, error) {
	rows, err := j.db.Query(ctx, `
		SELECT command, MAX(command_name),
		       SUM(CASE WHEN direction = 'out' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN direction = 'in' THEN 1 ELSE 0 END)
		FROM packets
		GROUP BY command
		ORDER BY COUNT(*) DESC, command ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to count journal: %w", err)
	}
	defer rows.Close()

	var counts []CommandCount
	for rows.Next() {
		var (
			c       CommandCount
			command int64
		)
		if err := rows.Scan(&command, &c.CommandName, &c.Sent, &c.Received); err != nil {
			return nil, fmt.Errorf("failed to scan journal count: %w", err)
		}
		c.Command = uint32(command)
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// Prune deletes entries older than olderThan and returns how many went.
func (j *Journal) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := j.db.Exec(ctx, "DELETE FROM packets WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		j.logger.Info().Int64("removed", n).Dur("older_than", olderThan).Msg("journal pruned")
	}
	return n, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
