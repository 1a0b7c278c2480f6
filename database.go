package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/mattn/go-sqlite3"
)

// ============================================================================
// Database
// ============================================================================

const (
	MsgDatabaseTableError  = "Failed to create table: %w"
	MsgDatabasePragmaError = "Failed to set pragma %s: %w"
	MsgDBScanHistoryFail   = "failed to scan play history row: %w"
)

var DB *sql.DB

func InitDatabase(ctx context.Context, dataSourceName string) error {
	_ = sqlite3.SQLiteDriver{}

	var err error
	DB, err = sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return err
	}

	DB.SetMaxOpenConns(5)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA cache_size=-2000;",
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, p := range pragmas {
		if _, err := DB.ExecContext(initCtx, p); err != nil {
			return fmt.Errorf(MsgDatabasePragmaError, p, err)
		}
	}

	tx, err := DB.BeginTx(initCtx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tableQueries := []string{
		`CREATE TABLE IF NOT EXISTS bot_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS play_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			guild_id TEXT NOT NULL,
			title TEXT NOT NULL,
			url TEXT,
			requester TEXT,
			played_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_play_history_guild_id ON play_history(guild_id)`,
	}

	for _, q := range tableQueries {
		if _, err := tx.ExecContext(initCtx, q); err != nil {
			return fmt.Errorf(MsgDatabaseTableError, err)
		}
	}

	return tx.Commit()
}

func CloseDatabase() {
	if DB != nil {
		DB.Close()
	}
}

// ===========================
// Bot Config
// ===========================

func GetBotConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := DB.QueryRowContext(ctx, "SELECT value FROM bot_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func SetBotConfig(ctx context.Context, key, value string) error {
	_, err := DB.ExecContext(ctx,
		`INSERT INTO bot_config (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value)
	return err
}

// ===========================
// Play History
// ===========================

type PlayRecord struct {
	Title     string
	URL       string
	Requester string
	PlayedAt  time.Time
}

func AddPlayRecord(ctx context.Context, guildID snowflake.ID, title, url, requester string) error {
	_, err := DB.ExecContext(ctx,
		"INSERT INTO play_history (guild_id, title, url, requester) VALUES (?, ?, ?, ?)",
		guildID.String(), title, url, requester)
	return err
}

func GetPlayCount(ctx context.Context, guildID snowflake.ID) (int, error) {
	var count int
	err := DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM play_history WHERE guild_id = ?", guildID.String()).Scan(&count)
	return count, err
}

func GetRecentPlays(ctx context.Context, guildID snowflake.ID, limit int) ([]*PlayRecord, error) {
	rows, err := DB.QueryContext(ctx,
		"SELECT title, url, requester, played_at FROM play_history WHERE guild_id = ? ORDER BY played_at DESC LIMIT ?",
		guildID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*PlayRecord
	for rows.Next() {
		r := &PlayRecord{}
		var url, requester sql.NullString
		if err := rows.Scan(&r.Title, &url, &requester, &r.PlayedAt); err != nil {
			return nil, fmt.Errorf(MsgDBScanHistoryFail, err)
		}
		r.URL = url.String
		r.Requester = requester.String
		records = append(records, r)
	}
	return records, rows.Err()
}
