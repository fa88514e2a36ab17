package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/garage/internal/model"
)

// PostgresMessageRepo はPostgreSQLを使用したメッセージリポジトリ。
// channel_headsの行ロックがチャンネルごとの追記順序を直列化する。
type PostgresMessageRepo struct {
	db *sql.DB
}

// NewPostgresMessageRepo はPostgresMessageRepoを生成する。
func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

// Append はメッセージを追記する。
// Seqはchannel_heads.last_seq+1、ServerTimestampはmax(候補時刻, 直前の時刻)。
func (r *PostgresMessageRepo) Append(ctx context.Context, msg *model.Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`INSERT INTO channel_heads (channel_id, last_seq, last_ts) VALUES ($1, 1, $2)
		 ON CONFLICT (channel_id) DO UPDATE
		   SET last_seq = channel_heads.last_seq + 1,
		       last_ts  = GREATEST(channel_heads.last_ts, EXCLUDED.last_ts)
		 RETURNING last_seq, last_ts`,
		msg.ChannelID, msg.ServerTimestamp,
	).Scan(&msg.Seq, &msg.ServerTimestamp)
	if err != nil {
		return fmt.Errorf("failed to advance channel head: %w", err)
	}

	var bandID sql.NullString
	if msg.AuthorBandID != "" {
		bandID = sql.NullString{String: msg.AuthorBandID, Valid: true}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, channel_id, seq, author_name, author_is_band, author_band_id, body, server_ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, msg.ChannelID, msg.Seq, msg.AuthorDisplayName, msg.AuthorIsBand, bandID, msg.Text, msg.ServerTimestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListRecent はチャンネルの直近limit件を古い順に返す。
func (r *PostgresMessageRepo) ListRecent(ctx context.Context, channelID string, limit int) ([]model.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, channel_id, seq, author_name, author_is_band, author_band_id, body, server_ts
		 FROM (
		   SELECT * FROM messages WHERE channel_id = $1 ORDER BY seq DESC LIMIT $2
		 ) recent
		 ORDER BY seq ASC`,
		channelID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent messages: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		var bandID sql.NullString
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.Seq, &m.AuthorDisplayName, &m.AuthorIsBand, &bandID, &m.Text, &m.ServerTimestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.AuthorBandID = bandID.String
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}

// compile-time interface check
var _ MessageRepository = (*PostgresMessageRepo)(nil)
