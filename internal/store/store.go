// Package store provides the PostgreSQL-backed message store collaborator.
// It persists chat messages and answers the participant-authorization check;
// the engine never broadcasts a message that was not first recorded here.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/tripline/realtime/internal/protocol"
)

// ErrNotParticipant is returned when the sender is not an authorized
// participant of the channel.
var ErrNotParticipant = errors.New("store: sender is not a channel participant")

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store persists messages and channel membership in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL and verifies the connection.
func Open(url string) (*Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Store{db: db}, nil
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}
	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// CreateMessage verifies channel membership and inserts the message, returning
// the stored record. Returns ErrNotParticipant (wrapped) if the sender does
// not belong to the channel.
func (s *Store) CreateMessage(ctx context.Context, channelID, senderID, content string) (protocol.MessagePayload, error) {
	var isParticipant bool
	const checkQuery = `
		SELECT EXISTS (
			SELECT 1 FROM channel_participants
			WHERE channel_id = $1 AND user_id = $2
		)`
	if err := s.db.QueryRowContext(ctx, checkQuery, channelID, senderID).Scan(&isParticipant); err != nil {
		return protocol.MessagePayload{}, fmt.Errorf("store: participant check: %w", err)
	}
	if !isParticipant {
		return protocol.MessagePayload{}, fmt.Errorf("store: channel %s user %s: %w", channelID, senderID, ErrNotParticipant)
	}

	id := uuid.NewString()
	var createdAt time.Time
	const insertQuery = `
		INSERT INTO messages (id, channel_id, sender_id, content)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`
	if err := s.db.QueryRowContext(ctx, insertQuery, id, channelID, senderID, content).Scan(&createdAt); err != nil {
		return protocol.MessagePayload{}, fmt.Errorf("store: insert message: %w", err)
	}

	return protocol.MessagePayload{
		ID:        id,
		Content:   content,
		SenderID:  senderID,
		CreatedAt: createdAt.UTC(),
	}, nil
}

// Participants returns the user ids belonging to the channel.
func (s *Store) Participants(ctx context.Context, channelID string) ([]string, error) {
	const query = `
		SELECT user_id FROM channel_participants
		WHERE channel_id = $1
		ORDER BY user_id`
	rows, err := s.db.QueryContext(ctx, query, channelID)
	if err != nil {
		return nil, fmt.Errorf("store: participants: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("store: participants scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: participants rows: %w", err)
	}
	return users, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
