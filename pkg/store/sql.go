// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/aiku/bridgelink/pkg/store/upgrades"
)

const (
	upsertBridgeStateQuery = `
		INSERT INTO bridge_state (user_id, platform, state, error, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, platform) DO UPDATE SET
			state=excluded.state,
			error=excluded.error,
			updated_at=excluded.updated_at
	`
	getBridgeStateQuery = `
		SELECT user_id, platform, state, error, updated_at FROM bridge_state
		WHERE user_id=$1 AND platform=$2
	`
	upsertAccountQuery = `
		INSERT INTO account (user_id, platform, status, credentials, connected_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, platform) DO UPDATE SET
			status=excluded.status,
			credentials=excluded.credentials,
			connected_at=excluded.connected_at
	`
	getAccountQuery = `
		SELECT user_id, platform, status, credentials, connected_at FROM account
		WHERE user_id=$1 AND platform=$2
	`
	listAccountsQuery = `
		SELECT user_id, platform, status, credentials, connected_at FROM account
		WHERE user_id=$1 ORDER BY platform
	`
)

// SQL is a Store backed by a dbutil database (SQLite or Postgres).
type SQL struct {
	db *dbutil.Database
}

var _ Store = (*SQL)(nil)

// OpenSQL opens the database and applies schema upgrades. dialect is
// "sqlite3" or "postgres"; the matching driver must be imported by the
// caller.
func OpenSQL(ctx context.Context, dialect, uri string, log zerolog.Logger) (*SQL, error) {
	db, err := dbutil.NewWithDialect(uri, dialect)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.Log = dbutil.ZeroLogger(log.With().Str("component", "database").Logger())
	db.UpgradeTable = upgrades.Table
	if db.Dialect == dbutil.SQLite {
		// Memory and file databases alike behave best with one writer.
		db.RawDB.SetMaxOpenConns(1)
	}
	if err = db.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to upgrade database: %w", err)
	}
	return &SQL{db: db}, nil
}

// Close closes the underlying database.
func (s *SQL) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func (s *SQL) UpsertBridgeState(ctx context.Context, rec *BridgeStateRecord) error {
	if err := validateKey(rec.UserID, rec.Platform); err != nil {
		return err
	}
	var errMsg sql.NullString
	if rec.Error != nil {
		errMsg = sql.NullString{String: *rec.Error, Valid: true}
	}
	_, err := s.db.Exec(ctx, upsertBridgeStateQuery,
		rec.UserID, rec.Platform, rec.State, errMsg, formatTime(rec.UpdatedAt))
	return err
}

func (s *SQL) GetBridgeState(ctx context.Context, userID, platform string) (*BridgeStateRecord, error) {
	var rec BridgeStateRecord
	var errMsg sql.NullString
	var updatedAt string
	err := s.db.QueryRow(ctx, getBridgeStateQuery, userID, platform).
		Scan(&rec.UserID, &rec.Platform, &rec.State, &errMsg, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if errMsg.Valid {
		rec.Error = &errMsg.String
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("invalid updated_at %q: %w", updatedAt, err)
	}
	return &rec, nil
}

func (s *SQL) UpsertAccount(ctx context.Context, rec *AccountRecord) error {
	if err := validateKey(rec.UserID, rec.Platform); err != nil {
		return err
	}
	creds := rec.Credentials
	if creds == nil {
		creds = map[string]string{}
	}
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	_, err = s.db.Exec(ctx, upsertAccountQuery,
		rec.UserID, rec.Platform, rec.Status, string(data), formatTime(rec.ConnectedAt))
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*AccountRecord, error) {
	var rec AccountRecord
	var creds, connectedAt string
	if err := row.Scan(&rec.UserID, &rec.Platform, &rec.Status, &creds, &connectedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(creds), &rec.Credentials); err != nil {
		return nil, fmt.Errorf("invalid credentials for %s/%s: %w", rec.UserID, rec.Platform, err)
	}
	var err error
	if rec.ConnectedAt, err = parseTime(connectedAt); err != nil {
		return nil, fmt.Errorf("invalid connected_at %q: %w", connectedAt, err)
	}
	return &rec, nil
}

func (s *SQL) GetAccount(ctx context.Context, userID, platform string) (*AccountRecord, error) {
	rec, err := scanAccount(s.db.QueryRow(ctx, getAccountQuery, userID, platform))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *SQL) ListAccounts(ctx context.Context, userID string) ([]*AccountRecord, error) {
	rows, err := s.db.Query(ctx, listAccountsQuery, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*AccountRecord
	for rows.Next() {
		rec, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
