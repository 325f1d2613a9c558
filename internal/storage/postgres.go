package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/org/keyhaven/pkg/models"
)

// PostgresBackend is a Backend backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

// isUniqueViolation reports whether err is a unique-constraint failure.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Users ---

func (p *PostgresBackend) CreateUser(ctx context.Context, user *models.User) error {
	err := p.pool.QueryRow(ctx,
		`INSERT INTO users (username, created_at) VALUES ($1, NOW()) RETURNING id, created_at`,
		user.Username,
	).Scan(&user.ID, &user.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (p *PostgresBackend) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, username, created_at FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (p *PostgresBackend) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, username, created_at FROM users WHERE username = $1`, username)
	return scanUser(row)
}

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Username, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// --- Roles ---

func (p *PostgresBackend) AssignRole(ctx context.Context, role *models.Role) error {
	return p.pool.QueryRow(ctx,
		`INSERT INTO roles (user_id, name, path_pattern, permissions, created_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 RETURNING id, created_at`,
		role.UserID, role.Name, role.PathPattern, role.Permissions,
	).Scan(&role.ID, &role.CreatedAt)
}

func (p *PostgresBackend) RemoveRole(ctx context.Context, roleID int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM roles WHERE id = $1`, roleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) RolesForUser(ctx context.Context, userID int64) ([]models.Role, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, user_id, name, path_pattern, permissions, created_at
		 FROM roles WHERE user_id = $1 ORDER BY id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []models.Role
	for rows.Next() {
		var r models.Role
		if err := rows.Scan(&r.ID, &r.UserID, &r.Name, &r.PathPattern, &r.Permissions, &r.CreatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// --- Secrets ---

const secretColumns = `id, key, version, ciphertext, metadata, secret_type, owner_id, created_at, deleted_at`

func (p *PostgresBackend) InsertSecretVersion(ctx context.Context, s *models.Secret) error {
	metaJSON, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	err = p.pool.QueryRow(ctx,
		`INSERT INTO secrets (key, version, ciphertext, metadata, secret_type, owner_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		s.Key, s.Version, s.Ciphertext, metaJSON, s.Type, s.OwnerID, s.CreatedAt,
	).Scan(&s.ID)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (p *PostgresBackend) GetSecretVersion(ctx context.Context, key string, version int) (*models.Secret, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+secretColumns+` FROM secrets
		 WHERE key = $1 AND version = $2 AND deleted_at IS NULL`,
		key, version,
	)
	return scanSecret(row)
}

func (p *PostgresBackend) GetLatestSecret(ctx context.Context, key string) (*models.Secret, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+secretColumns+` FROM secrets
		 WHERE key = $1 AND deleted_at IS NULL
		 ORDER BY version DESC LIMIT 1`,
		key,
	)
	return scanSecret(row)
}

func scanSecret(row pgx.Row) (*models.Secret, error) {
	var s models.Secret
	var metaJSON []byte
	err := row.Scan(&s.ID, &s.Key, &s.Version, &s.Ciphertext, &metaJSON,
		&s.Type, &s.OwnerID, &s.CreatedAt, &s.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(metaJSON) > 0 {
		json.Unmarshal(metaJSON, &s.Metadata) //nolint:errcheck
	}
	return &s, nil
}

func (p *PostgresBackend) ListSecretVersions(ctx context.Context, key string) ([]models.Secret, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+secretColumns+` FROM secrets
		 WHERE key = $1 AND deleted_at IS NULL
		 ORDER BY version DESC`,
		key,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSecrets(rows)
}

// ListLatestSecrets returns the newest active version of every key,
// most recently written first.
func (p *PostgresBackend) ListLatestSecrets(ctx context.Context) ([]models.Secret, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+qualify(secretColumns, "s")+` FROM secrets s
		 JOIN (SELECT key, MAX(version) AS version FROM secrets
		       WHERE deleted_at IS NULL GROUP BY key) latest
		   ON s.key = latest.key AND s.version = latest.version
		 ORDER BY s.created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSecrets(rows)
}

func qualify(columns, alias string) string {
	parts := strings.Split(columns, ", ")
	for i, c := range parts {
		parts[i] = alias + "." + c
	}
	return strings.Join(parts, ", ")
}

func collectSecrets(rows pgx.Rows) ([]models.Secret, error) {
	var secrets []models.Secret
	for rows.Next() {
		s, err := scanSecret(rows)
		if err != nil {
			return nil, err
		}
		secrets = append(secrets, *s)
	}
	return secrets, rows.Err()
}

// SoftDeleteSecret stamps deleted_at on every active version of key and
// writes the audit entry in the same transaction. If no active versions
// exist the transaction is abandoned and ErrNotFound returned; if the
// audit insert fails everything rolls back, including the delete.
func (p *PostgresBackend) SoftDeleteSecret(ctx context.Context, key string, entry *models.AuditEntry) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE secrets SET deleted_at = NOW() WHERE key = $1 AND deleted_at IS NULL`,
		key,
	)
	if err != nil {
		return fmt.Errorf("soft-deleting versions: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := insertAuditEntry(ctx, tx, entry); err != nil {
		return fmt.Errorf("writing delete audit entry: %w", err)
	}
	return tx.Commit(ctx)
}

// --- Shares ---

const shareColumns = `id, secret_key, owner_id, shared_with_id, permission_level, shared_at, expires_at, active`

func (p *PostgresBackend) UpsertShare(ctx context.Context, share *models.SecretShare) error {
	return p.pool.QueryRow(ctx,
		`INSERT INTO secret_shares (secret_key, owner_id, shared_with_id, permission_level, shared_at, expires_at, active)
		 VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		 ON CONFLICT (secret_key, shared_with_id) DO UPDATE
		 SET permission_level = EXCLUDED.permission_level,
		     shared_at = EXCLUDED.shared_at,
		     expires_at = EXCLUDED.expires_at,
		     active = TRUE
		 RETURNING id`,
		share.SecretKey, share.OwnerID, share.SharedWithID,
		share.PermissionLevel, share.SharedAt, share.ExpiresAt,
	).Scan(&share.ID)
}

func (p *PostgresBackend) GetShare(ctx context.Context, key string, sharedWithID int64) (*models.SecretShare, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+shareColumns+` FROM secret_shares
		 WHERE secret_key = $1 AND shared_with_id = $2 AND active = TRUE`,
		key, sharedWithID,
	)
	return scanShare(row)
}

func (p *PostgresBackend) DeactivateShare(ctx context.Context, key string, sharedWithID int64) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE secret_shares SET active = FALSE
		 WHERE secret_key = $1 AND shared_with_id = $2 AND active = TRUE`,
		key, sharedWithID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) SharesForRecipient(ctx context.Context, userID int64) ([]models.SecretShare, error) {
	return p.queryShares(ctx,
		`SELECT `+shareColumns+` FROM secret_shares
		 WHERE shared_with_id = $1 AND active = TRUE ORDER BY shared_at DESC`,
		userID,
	)
}

func (p *PostgresBackend) SharesByOwner(ctx context.Context, ownerID int64) ([]models.SecretShare, error) {
	return p.queryShares(ctx,
		`SELECT `+shareColumns+` FROM secret_shares
		 WHERE owner_id = $1 AND active = TRUE ORDER BY shared_at DESC`,
		ownerID,
	)
}

func (p *PostgresBackend) queryShares(ctx context.Context, query string, args ...any) ([]models.SecretShare, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shares []models.SecretShare
	for rows.Next() {
		sh, err := scanShare(rows)
		if err != nil {
			return nil, err
		}
		shares = append(shares, *sh)
	}
	return shares, rows.Err()
}

func scanShare(row pgx.Row) (*models.SecretShare, error) {
	var s models.SecretShare
	err := row.Scan(&s.ID, &s.SecretKey, &s.OwnerID, &s.SharedWithID,
		&s.PermissionLevel, &s.SharedAt, &s.ExpiresAt, &s.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// --- Audit ---

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertAuditEntry(ctx context.Context, db execer, entry *models.AuditEntry) error {
	metaJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		metaJSON = []byte("{}")
	}
	_, err = db.Exec(ctx,
		`INSERT INTO audit_logs (user_id, action, secret_key, timestamp, metadata)
		 VALUES ($1, $2, $3, $4, $5)`,
		entry.UserID, entry.Action, entry.SecretKey, entry.Timestamp, metaJSON,
	)
	return err
}

func (p *PostgresBackend) InsertAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	return insertAuditEntry(ctx, p.pool, entry)
}

func (p *PostgresBackend) QueryAudit(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, user_id, action, secret_key, timestamp, metadata FROM audit_logs WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.UserID != nil {
		fmt.Fprintf(&query, ` AND user_id = $%d`, n)
		args = append(args, *filter.UserID)
		n++
	}
	if filter.SecretKey != "" {
		fmt.Fprintf(&query, ` AND secret_key = $%d`, n)
		args = append(args, filter.SecretKey)
		n++
	}
	if filter.KeyContains != "" {
		fmt.Fprintf(&query, ` AND secret_key LIKE $%d`, n)
		args = append(args, "%"+filter.KeyContains+"%")
		n++
	}
	if filter.Action != "" {
		fmt.Fprintf(&query, ` AND action = $%d`, n)
		args = append(args, filter.Action)
		n++
	}
	if filter.Since != nil {
		fmt.Fprintf(&query, ` AND timestamp >= $%d`, n)
		args = append(args, filter.Since)
		n++
	}
	if filter.Until != nil {
		fmt.Fprintf(&query, ` AND timestamp <= $%d`, n)
		args = append(args, filter.Until)
		n++
	}
	query.WriteString(` ORDER BY timestamp DESC`)
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&query, ` OFFSET $%d`, n)
		args = append(args, filter.Offset)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.SecretKey, &e.Timestamp, &metaJSON); err != nil {
			return nil, err
		}
		if len(metaJSON) > 0 {
			json.Unmarshal(metaJSON, &e.Metadata) //nolint:errcheck
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (p *PostgresBackend) AuditStatistics(ctx context.Context, since, until *time.Time, topN int) (*models.AuditStats, error) {
	where := strings.Builder{}
	where.WriteString(` WHERE 1=1`)
	args := []any{}
	n := 1
	if since != nil {
		fmt.Fprintf(&where, ` AND timestamp >= $%d`, n)
		args = append(args, since)
		n++
	}
	if until != nil {
		fmt.Fprintf(&where, ` AND timestamp <= $%d`, n)
		args = append(args, until)
		n++
	}

	stats := &models.AuditStats{ByAction: map[string]int64{}}

	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT user_id) FROM audit_logs`+where.String(), args...,
	).Scan(&stats.Total, &stats.DistinctUsers)
	if err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx,
		`SELECT action, COUNT(*) FROM audit_logs`+where.String()+` GROUP BY action`, args...,
	)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var action string
		var count int64
		if err := rows.Scan(&action, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByAction[action] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	topArgs := append(append([]any{}, args...), topN)
	rows, err = p.pool.Query(ctx,
		`SELECT secret_key, COUNT(*) AS cnt FROM audit_logs`+where.String()+
			fmt.Sprintf(` AND secret_key <> '' GROUP BY secret_key ORDER BY cnt DESC LIMIT $%d`, n),
		topArgs...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var sc models.SecretAccessCount
		if err := rows.Scan(&sc.SecretKey, &sc.Count); err != nil {
			return nil, err
		}
		stats.TopSecrets = append(stats.TopSecrets, sc)
	}
	return stats, rows.Err()
}

func (p *PostgresBackend) PurgeAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM audit_logs WHERE timestamp < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Metrics helpers ---

func (p *PostgresBackend) CountActiveSecrets(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT key) FROM secrets WHERE deleted_at IS NULL`,
	).Scan(&count)
	return count, err
}

func (p *PostgresBackend) CountActiveShares(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM secret_shares WHERE active = TRUE`,
	).Scan(&count)
	return count, err
}
