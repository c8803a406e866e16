package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/oklog/ulid/v2"

	vcrypto "github.com/rakunlabs/vgate/internal/crypto"
	"github.com/rakunlabs/vgate/internal/domain"
)

const providerColumns = "id, name, kind, models, enabled, created_at, updated_at"

func scanProvider(scanner interface{ Scan(...any) error }) (*domain.Provider, error) {
	var p domain.Provider
	if err := scanner.Scan(&p.ID, &p.Name, &p.Kind, &p.Models, &p.Enabled, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLite) ListProviders(ctx context.Context) ([]*domain.Provider, error) {
	query, _, err := s.goqu.From(s.tableProviders).
		Select(goqu.L(providerColumns)).
		Order(goqu.I("name").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list providers query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	var result []*domain.Provider
	for rows.Next() {
		rec, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider row: %w", err)
		}
		result = append(result, rec)
	}

	return result, rows.Err()
}

func (s *SQLite) GetProvider(ctx context.Context, id string) (*domain.Provider, error) {
	query, _, err := s.goqu.From(s.tableProviders).
		Select(goqu.L(providerColumns)).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get provider query: %w", err)
	}

	rec, err := scanProvider(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get provider %q: %w", id, err)
	}

	return rec, nil
}

func (s *SQLite) CreateProvider(ctx context.Context, rec *domain.Provider) error {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	now := time.Now().UTC()
	rec.CreatedAt, rec.UpdatedAt = now, now

	query, _, err := s.goqu.Insert(s.tableProviders).Rows(goqu.Record{
		"id": rec.ID, "name": rec.Name, "kind": rec.Kind, "models": rec.Models,
		"enabled": rec.Enabled, "created_at": now, "updated_at": now,
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert provider query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create provider %q: %w", rec.Name, err)
	}

	return nil
}

func (s *SQLite) UpdateProvider(ctx context.Context, rec *domain.Provider) error {
	rec.UpdatedAt = time.Now().UTC()

	query, _, err := s.goqu.Update(s.tableProviders).Set(goqu.Record{
		"name": rec.Name, "kind": rec.Kind, "models": rec.Models,
		"enabled": rec.Enabled, "updated_at": rec.UpdatedAt,
	}).Where(goqu.I("id").Eq(rec.ID)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update provider query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("update provider %q: %w", rec.ID, err)
	}

	return nil
}

func (s *SQLite) DeleteProvider(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableProviders).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete provider query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete provider %q: %w", id, err)
	}

	return nil
}

const subProviderColumns = "id, provider_id, name, base_url, encrypted_api_key, weight, max_concurrency, rpm_limit, rph_limit, tpm_limit, discount_percent, enabled, insecure_skip_verify, proxy, created_at, updated_at"

func scanSubProvider(scanner interface{ Scan(...any) error }) (*domain.SubProvider, error) {
	var sp domain.SubProvider
	if err := scanner.Scan(
		&sp.ID, &sp.ProviderID, &sp.Name, &sp.BaseURL, &sp.EncryptedAPIKey, &sp.Weight,
		&sp.MaxConcurrency, &sp.RPMLimit, &sp.RPHLimit, &sp.TPMLimit, &sp.DiscountPercent,
		&sp.Enabled, &sp.InsecureSkipVerify, &sp.Proxy, &sp.CreatedAt, &sp.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &sp, nil
}

func (s *SQLite) ListSubProviders(ctx context.Context, providerID string) ([]*domain.SubProvider, error) {
	query, _, err := s.goqu.From(s.tableSubProviders).
		Select(goqu.L(subProviderColumns)).
		Where(goqu.I("provider_id").Eq(providerID)).
		Order(goqu.I("name").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list sub-providers query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sub-providers for %q: %w", providerID, err)
	}
	defer rows.Close()

	var result []*domain.SubProvider
	for rows.Next() {
		rec, err := scanSubProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sub-provider row: %w", err)
		}
		result = append(result, rec)
	}

	return result, rows.Err()
}

func (s *SQLite) GetSubProvider(ctx context.Context, id string) (*domain.SubProvider, error) {
	query, _, err := s.goqu.From(s.tableSubProviders).
		Select(goqu.L(subProviderColumns)).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get sub-provider query: %w", err)
	}

	rec, err := scanSubProvider(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sub-provider %q: %w", id, err)
	}

	return rec, nil
}

func (s *SQLite) CreateSubProvider(ctx context.Context, sp *domain.SubProvider) error {
	if sp.ID == "" {
		sp.ID = ulid.Make().String()
	}
	now := time.Now().UTC()
	sp.CreatedAt, sp.UpdatedAt = now, now

	s.encKeyMu.RLock()
	encKey := s.encKey
	s.encKeyMu.RUnlock()

	encrypted, err := vcrypto.EncryptSubProviderKey(sp.EncryptedAPIKey, encKey)
	if err != nil {
		return fmt.Errorf("encrypt sub-provider key: %w", err)
	}

	query, _, err := s.goqu.Insert(s.tableSubProviders).Rows(goqu.Record{
		"id": sp.ID, "provider_id": sp.ProviderID, "name": sp.Name, "base_url": sp.BaseURL,
		"encrypted_api_key": encrypted, "weight": sp.Weight, "max_concurrency": sp.MaxConcurrency,
		"rpm_limit": sp.RPMLimit, "rph_limit": sp.RPHLimit, "tpm_limit": sp.TPMLimit,
		"discount_percent": sp.DiscountPercent, "enabled": sp.Enabled,
		"insecure_skip_verify": sp.InsecureSkipVerify, "proxy": sp.Proxy,
		"created_at": now, "updated_at": now,
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert sub-provider query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create sub-provider %q: %w", sp.Name, err)
	}

	return nil
}

func (s *SQLite) UpdateSubProvider(ctx context.Context, sp *domain.SubProvider) error {
	sp.UpdatedAt = time.Now().UTC()

	s.encKeyMu.RLock()
	encKey := s.encKey
	s.encKeyMu.RUnlock()

	encrypted, err := vcrypto.EncryptSubProviderKey(sp.EncryptedAPIKey, encKey)
	if err != nil {
		return fmt.Errorf("encrypt sub-provider key: %w", err)
	}

	query, _, err := s.goqu.Update(s.tableSubProviders).Set(goqu.Record{
		"name": sp.Name, "base_url": sp.BaseURL, "encrypted_api_key": encrypted,
		"weight": sp.Weight, "max_concurrency": sp.MaxConcurrency, "rpm_limit": sp.RPMLimit,
		"rph_limit": sp.RPHLimit, "tpm_limit": sp.TPMLimit, "discount_percent": sp.DiscountPercent,
		"enabled": sp.Enabled, "insecure_skip_verify": sp.InsecureSkipVerify, "proxy": sp.Proxy,
		"updated_at": sp.UpdatedAt,
	}).Where(goqu.I("id").Eq(sp.ID)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update sub-provider query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("update sub-provider %q: %w", sp.ID, err)
	}

	return nil
}

func (s *SQLite) DeleteSubProvider(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableSubProviders).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete sub-provider query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete sub-provider %q: %w", id, err)
	}

	return nil
}

// RotateEncryptionKey decrypts every SubProvider.EncryptedAPIKey with the
// current key, re-encrypts with newKey, and writes the rows back inside a
// single transaction. SQLite serializes writers at the connection-pool level
// (MaxOpenConns=1), so no separate row lock is needed to keep the rotation
// consistent with concurrent CRUD calls.
func (s *SQLite) RotateEncryptionKey(ctx context.Context, oldKey, newKey []byte) error {
	s.encKeyMu.Lock()
	defer s.encKeyMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	selectQuery, _, err := s.goqu.From(s.tableSubProviders).
		Select("id", "encrypted_api_key").
		ToSQL()
	if err != nil {
		return fmt.Errorf("build select query: %w", err)
	}

	rows, err := tx.QueryContext(ctx, selectQuery)
	if err != nil {
		return fmt.Errorf("list sub-providers for rotation: %w", err)
	}

	type rowData struct {
		id        string
		encrypted string
	}

	var allRows []rowData
	for rows.Next() {
		var r rowData
		if err := rows.Scan(&r.id, &r.encrypted); err != nil {
			rows.Close()
			return fmt.Errorf("scan sub-provider row: %w", err)
		}
		allRows = append(allRows, r)
	}
	rows.Close()

	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate sub-provider rows: %w", err)
	}

	for _, r := range allRows {
		plain, err := vcrypto.DecryptSubProviderKey(&domain.SubProvider{ID: r.id, EncryptedAPIKey: r.encrypted}, oldKey)
		if err != nil {
			return fmt.Errorf("decrypt sub-provider %q: %w", r.id, err)
		}

		reEncrypted, err := vcrypto.EncryptSubProviderKey(plain, newKey)
		if err != nil {
			return fmt.Errorf("re-encrypt sub-provider %q: %w", r.id, err)
		}

		updateQuery, _, err := s.goqu.Update(s.tableSubProviders).
			Set(goqu.Record{"encrypted_api_key": reEncrypted}).
			Where(goqu.I("id").Eq(r.id)).
			ToSQL()
		if err != nil {
			return fmt.Errorf("build update query for %q: %w", r.id, err)
		}

		if _, err := tx.ExecContext(ctx, updateQuery); err != nil {
			return fmt.Errorf("update sub-provider %q: %w", r.id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.encKey = newKey

	return nil
}
