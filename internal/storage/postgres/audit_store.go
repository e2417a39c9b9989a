// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/audit"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool shared by the stores.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// NewPool opens a pgx pool from cfg. Callers own the returned pool and share
// it across the stores in this package.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// AuditStore persists completed audit records in Postgres.
type AuditStore struct {
	pool  dbPool
	table string
}

// NewAuditStore constructs a store from an existing pool.
func NewAuditStore(pool dbPool, table string) (*AuditStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "audits"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &AuditStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *AuditStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// SaveAudit inserts one completed audit row.
func (s *AuditStore) SaveAudit(ctx context.Context, rec audit.Record) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("audit store is not configured")
	}
	if rec.ID == "" {
		return fmt.Errorf("audit id is required")
	}
	findingsJSON, err := json.Marshal(rec.Result.Findings)
	if err != nil {
		return fmt.Errorf("marshal findings: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	user_id,
	url,
	report_type,
	score,
	pages_scanned,
	external_links_checked,
	findings,
	created_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)`, s.table)

	args := []any{
		rec.ID,
		rec.UserID,
		rec.URL,
		string(rec.ReportType),
		rec.Result.Score,
		rec.Result.PagesScanned,
		rec.Result.ExternalLinksChecked,
		findingsJSON,
		rec.CreatedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// GetAudit fetches one audit row by id.
func (s *AuditStore) GetAudit(ctx context.Context, auditID string) (audit.Record, error) {
	if s == nil || s.pool == nil {
		return audit.Record{}, fmt.Errorf("audit store is not configured")
	}
	query := fmt.Sprintf(`
SELECT id, user_id, url, report_type, score, pages_scanned, external_links_checked, findings, created_at
FROM %s WHERE id = $1`, s.table)

	var (
		rec          audit.Record
		reportType   string
		findingsJSON []byte
	)
	row := s.pool.QueryRow(ctx, query, auditID)
	err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.URL,
		&reportType,
		&rec.Result.Score,
		&rec.Result.PagesScanned,
		&rec.Result.ExternalLinksChecked,
		&findingsJSON,
		&rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return audit.Record{}, audit.ErrNotFound
	}
	if err != nil {
		return audit.Record{}, fmt.Errorf("select audit: %w", err)
	}
	rec.ReportType = audit.ReportType(reportType)
	if len(findingsJSON) > 0 {
		if err := json.Unmarshal(findingsJSON, &rec.Result.Findings); err != nil {
			return audit.Record{}, fmt.Errorf("unmarshal findings: %w", err)
		}
	}
	return rec, nil
}

// ListUserAudits returns a user's audits, newest first.
func (s *AuditStore) ListUserAudits(ctx context.Context, userID string, limit, offset int) ([]audit.Record, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("audit store is not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := fmt.Sprintf(`
SELECT id, user_id, url, report_type, score, pages_scanned, external_links_checked, findings, created_at
FROM %s WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3`, s.table)

	rows, err := s.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list audits: %w", err)
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var (
			rec          audit.Record
			reportType   string
			findingsJSON []byte
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.UserID,
			&rec.URL,
			&reportType,
			&rec.Result.Score,
			&rec.Result.PagesScanned,
			&rec.Result.ExternalLinksChecked,
			&findingsJSON,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		rec.ReportType = audit.ReportType(reportType)
		if len(findingsJSON) > 0 {
			if err := json.Unmarshal(findingsJSON, &rec.Result.Findings); err != nil {
				return nil, fmt.Errorf("unmarshal findings: %w", err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audits: %w", err)
	}
	return out, nil
}
