package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/ledgerlink-go/internal/domain"
)

var (
	stmtMigrate = statement{"migrate", "CREATE", `CREATE TABLE IF NOT EXISTS connections (
	name       TEXT PRIMARY KEY,
	document   JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`}
	stmtExists = statement{"exists", "SELECT", `SELECT EXISTS (SELECT 1 FROM connections WHERE name = $1)`}
	stmtGet    = statement{"get", "SELECT", `SELECT document FROM connections WHERE name = $1`}
	stmtList   = statement{"list", "SELECT", `SELECT document FROM connections ORDER BY name`}
	stmtUpsert = statement{"upsert", "INSERT", `INSERT INTO connections (name, document) VALUES ($1, $2::jsonb)
ON CONFLICT (name) DO UPDATE SET document = EXCLUDED.document, updated_at = now()`}
	stmtMerge  = statement{"merge", "UPDATE", `UPDATE connections SET document = document || $2::jsonb, updated_at = now() WHERE name = $1`}
	stmtDelete = statement{"delete", "DELETE", `DELETE FROM connections WHERE name = $1`}
)

var statements = []statement{stmtMigrate, stmtExists, stmtGet, stmtList, stmtUpsert, stmtMerge, stmtDelete}

// ConnectionStore implements port.ConnectionStore on a JSONB table. Partial
// updates merge top-level keys into the stored document.
type ConnectionStore struct {
	db *DB
}

// NewConnectionStore creates a store on top of db.
func NewConnectionStore(db *DB) *ConnectionStore {
	return &ConnectionStore{db: db}
}

// Migrate creates the connections table if needed.
func (s *ConnectionStore) Migrate(ctx context.Context) error {
	if _, err := s.db.exec(ctx, stmtMigrate, ""); err != nil {
		return fmt.Errorf("failed to create connections table: %w", err)
	}
	return nil
}

// Exists reports whether a connection with name is stored.
func (s *ConnectionStore) Exists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.db.queryRow(ctx, stmtExists, name, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check connection: %w", err)
	}
	return exists, nil
}

// Get loads one connection.
func (s *ConnectionStore) Get(ctx context.Context, name string) (*domain.Connection, error) {
	var doc []byte
	err := s.db.queryRow(ctx, stmtGet, name, name).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "connection", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connection %s: %w", name, err)
	}

	var conn domain.Connection
	if err := json.Unmarshal(doc, &conn); err != nil {
		return nil, fmt.Errorf("failed to decode connection %s: %w", name, err)
	}
	return &conn, nil
}

// List loads every connection ordered by name.
func (s *ConnectionStore) List(ctx context.Context) ([]domain.Connection, error) {
	rows, err := s.db.query(ctx, stmtList)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	conns := []domain.Connection{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		var conn domain.Connection
		if err := json.Unmarshal(doc, &conn); err != nil {
			return nil, fmt.Errorf("failed to decode connection: %w", err)
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

// Upsert writes the whole connection, creating it if needed.
func (s *ConnectionStore) Upsert(ctx context.Context, conn *domain.Connection) error {
	doc, err := json.Marshal(conn)
	if err != nil {
		return fmt.Errorf("failed to encode connection: %w", err)
	}
	_, err = s.db.exec(ctx, stmtUpsert, conn.Name, conn.Name, doc)
	if err != nil {
		return fmt.Errorf("failed to upsert connection %s: %w", conn.Name, err)
	}
	return nil
}

// UpdateTokens replaces the access token and, when given, the refresh token.
func (s *ConnectionStore) UpdateTokens(ctx context.Context, name string, access domain.Token, refresh *domain.Token) error {
	return s.merge(ctx, name, tokensPatch(access, refresh))
}

// UpdateSources replaces the account and card snapshot.
func (s *ConnectionStore) UpdateSources(ctx context.Context, name string, accounts []domain.Account, cards []domain.Card) error {
	if accounts == nil {
		accounts = []domain.Account{}
	}
	if cards == nil {
		cards = []domain.Card{}
	}
	return s.merge(ctx, name, map[string]any{"accounts": accounts, "cards": cards})
}

// UpdateLastSynced advances the sync watermark.
func (s *ConnectionStore) UpdateLastSynced(ctx context.Context, name string, at time.Time) error {
	return s.merge(ctx, name, map[string]any{"last_synced": at.UTC()})
}

func tokensPatch(access domain.Token, refresh *domain.Token) map[string]any {
	patch := map[string]any{"access_token": access}
	if refresh != nil {
		patch["refresh_token"] = *refresh
	}
	return patch
}

func (s *ConnectionStore) merge(ctx context.Context, name string, patch map[string]any) error {
	doc, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to encode patch: %w", err)
	}
	res, err := s.db.exec(ctx, stmtMerge, name, name, doc)
	if err != nil {
		return fmt.Errorf("failed to update connection %s: %w", name, err)
	}
	return requireRow(res, name)
}

// Delete removes a connection.
func (s *ConnectionStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.exec(ctx, stmtDelete, name, name)
	if err != nil {
		return fmt.Errorf("failed to delete connection %s: %w", name, err)
	}
	return requireRow(res, name)
}

// Ping checks the database is reachable.
func (s *ConnectionStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func requireRow(res sql.Result, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return &domain.ErrNotFound{Resource: "connection", ID: name}
	}
	return nil
}
