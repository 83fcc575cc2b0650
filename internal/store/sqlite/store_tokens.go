package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/koltyakov/tunnel/internal/domain"
)

// CreateToken stores a new token hash and returns its record.
func (s *Store) CreateToken(ctx context.Context, tokenHash string) (domain.Token, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `INSERT INTO tokens(token_hash, subdomain, created_at, last_used_at) VALUES(?, NULL, ?, NULL)`, tokenHash, now)
	if err != nil {
		return domain.Token{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Token{}, err
	}
	return domain.Token{ID: id, CreatedAt: now}, nil
}

// ValidateTokenHash looks up a token by hash and marks it used. The bool is
// false when no token matches.
func (s *Store) ValidateTokenHash(ctx context.Context, tokenHash string) (domain.Principal, bool, error) {
	var p domain.Principal
	var sub sql.NullString
	err := s.validateStmt.QueryRowContext(ctx, tokenHash).Scan(&p.ID, &sub)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Principal{}, false, nil
	}
	if err != nil {
		return domain.Principal{}, false, err
	}
	p.Subdomain = sub.String
	if _, err := s.db.ExecContext(ctx, `UPDATE tokens SET last_used_at = ? WHERE id = ?`, time.Now().UTC(), p.ID); err != nil {
		return domain.Principal{}, false, err
	}
	return p, true, nil
}

// ListTokens returns every token, newest first.
func (s *Store) ListTokens(ctx context.Context) ([]domain.Token, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, subdomain, created_at, last_used_at
FROM tokens
ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Token
	for rows.Next() {
		var t domain.Token
		var sub sql.NullString
		var lastUsed sql.NullTime
		if err := rows.Scan(&t.ID, &sub, &t.CreatedAt, &lastUsed); err != nil {
			return nil, err
		}
		t.Subdomain = sub.String
		if lastUsed.Valid {
			ts := lastUsed.Time
			t.LastUsedAt = &ts
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteToken removes a token. It returns [sql.ErrNoRows] if id is unknown.
func (s *Store) DeleteToken(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetTokenSubdomain assigns a persistent subdomain, or clears it when
// subdomain is empty. A subdomain held by another token yields
// [domain.ErrSubdomainInUse]; an unknown id yields [sql.ErrNoRows].
func (s *Store) SetTokenSubdomain(ctx context.Context, id int64, subdomain string) error {
	var arg any
	if subdomain != "" {
		arg = subdomain
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tokens SET subdomain = ? WHERE id = ?`, arg, id)
	if isUniqueViolation(err) {
		return domain.ErrSubdomainInUse
	}
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// IsSubdomainReserved reports whether any token persists subdomain.
func (s *Store) IsSubdomainReserved(ctx context.Context, subdomain string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tokens WHERE subdomain = ? LIMIT 1`, subdomain).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
