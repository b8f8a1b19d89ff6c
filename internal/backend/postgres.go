package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open dials the backing Postgres store and verifies connectivity.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// PostgresStore implements Store against the remote relational store.
// It is read-through only: the client never owns this data.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) FetchPage(ctx context.Context, scope string, limit int) ([]Message, error) {
	_, conversationID := SplitScope(scope)
	if limit <= 0 {
		limit = 100
	}
	const query = `
		SELECT id, conversation_id, author_id, content, attachments, created_at, edited_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch page rows: %w", err)
	}
	return messages, nil
}

func (s *PostgresStore) CreateMessage(ctx context.Context, msg Message) (Message, error) {
	attachments, err := marshalAttachments(msg.Attachments)
	if err != nil {
		return Message{}, err
	}
	const query = `
		INSERT INTO messages (id, conversation_id, author_id, content, attachments)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`
	if err := s.db.QueryRowContext(ctx, query, msg.ID, msg.ConversationID, msg.AuthorID, msg.Content, attachments).Scan(&msg.CreatedAt); err != nil {
		return Message{}, fmt.Errorf("create message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) LookupDisplayFields(ctx context.Context, entityID string) (DisplayFields, error) {
	const query = `SELECT display_name, COALESCE(avatar_url, '') FROM users WHERE id = $1`
	var fields DisplayFields
	err := s.db.QueryRowContext(ctx, query, entityID).Scan(&fields.DisplayName, &fields.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return DisplayFields{}, ErrNotFound
	}
	if err != nil {
		return DisplayFields{}, fmt.Errorf("lookup display fields: %w", err)
	}
	return fields, nil
}

func scanMessage(rows *sql.Rows) (Message, error) {
	var (
		msg         Message
		attachments sql.NullString
		editedAt    sql.NullTime
	)
	if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.AuthorID, &msg.Content, &attachments, &msg.CreatedAt, &editedAt); err != nil {
		return Message{}, err
	}
	if attachments.Valid && attachments.String != "" {
		if err := json.Unmarshal([]byte(attachments.String), &msg.Attachments); err != nil {
			return Message{}, fmt.Errorf("decode attachments: %w", err)
		}
	}
	if editedAt.Valid {
		edited := editedAt.Time
		msg.EditedAt = &edited
	}
	return msg, nil
}

func marshalAttachments(attachments []string) (any, error) {
	if len(attachments) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(attachments)
	if err != nil {
		return nil, fmt.Errorf("encode attachments: %w", err)
	}
	return string(encoded), nil
}
