package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/rakunlabs/vgate/internal/domain"
)

func scanApiKey(scanner interface {
	Scan(...any) error
}) (*domain.ApiKey, error) {
	var k domain.ApiKey
	if err := scanner.Scan(
		&k.ID, &k.UserID, &k.Name, &k.Encrypted, &k.SearchHash,
		&k.AllowedProviders, &k.AllowedModels, &k.ExpiresAt, &k.Revoked,
		&k.CreatedAt, &k.LastUsedAt,
	); err != nil {
		return nil, err
	}
	return &k, nil
}

const apiKeyColumns = "id, user_id, name, encrypted, search_hash, allowed_providers, allowed_models, expires_at, revoked, created_at, last_used_at"

func (p *Postgres) FindApiKeyByHash(ctx context.Context, searchHash string) (*domain.ApiKey, error) {
	query, _, err := p.goqu.From(p.tableApiKeys).
		Select(goqu.L(apiKeyColumns)).
		Where(goqu.I("search_hash").Eq(searchHash)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build find api key query: %w", err)
	}

	k, err := scanApiKey(p.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find api key by hash: %w", err)
	}

	return k, nil
}

func (p *Postgres) CreateApiKey(ctx context.Context, k *domain.ApiKey) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}

	query, _, err := p.goqu.Insert(p.tableApiKeys).Rows(goqu.Record{
		"id":                k.ID,
		"user_id":           k.UserID,
		"name":              k.Name,
		"encrypted":         k.Encrypted,
		"search_hash":       k.SearchHash,
		"allowed_providers": k.AllowedProviders,
		"allowed_models":    k.AllowedModels,
		"expires_at":        k.ExpiresAt,
		"revoked":           k.Revoked,
		"created_at":        k.CreatedAt,
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert api key query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create api key %q: %w", k.ID, err)
	}

	return nil
}

func (p *Postgres) RevokeApiKey(ctx context.Context, id string) error {
	query, _, err := p.goqu.Update(p.tableApiKeys).
		Set(goqu.Record{"revoked": true}).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build revoke api key query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("revoke api key %q: %w", id, err)
	}

	return nil
}

func (p *Postgres) TouchLastUsed(ctx context.Context, apiKeyID string, at time.Time) error {
	query, _, err := p.goqu.Update(p.tableApiKeys).
		Set(goqu.Record{"last_used_at": at}).
		Where(goqu.I("id").Eq(apiKeyID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build touch last-used query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("touch last-used for api key %q: %w", apiKeyID, err)
	}

	return nil
}

func (p *Postgres) ListApiKeysForUser(ctx context.Context, userID string) ([]*domain.ApiKey, error) {
	query, _, err := p.goqu.From(p.tableApiKeys).
		Select(goqu.L(apiKeyColumns)).
		Where(goqu.I("user_id").Eq(userID)).
		Order(goqu.I("created_at").Desc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list api keys query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list api keys for user %q: %w", userID, err)
	}
	defer rows.Close()

	var result []*domain.ApiKey
	for rows.Next() {
		k, err := scanApiKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key row: %w", err)
		}
		result = append(result, k)
	}

	return result, rows.Err()
}

// OAuthToken CRUD.

func (p *Postgres) FindOAuthTokenByAccessToken(ctx context.Context, accessToken string) (*domain.OAuthToken, error) {
	query, _, err := p.goqu.From(p.tableOAuthTokens).
		Select("id", "user_id", "provider", "access_token", "refresh_token", "expires_at", "created_at").
		Where(goqu.I("access_token").Eq(accessToken)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build find oauth token query: %w", err)
	}

	var t domain.OAuthToken
	err = p.db.QueryRowContext(ctx, query).Scan(
		&t.ID, &t.UserID, &t.Provider, &t.AccessToken, &t.RefreshToken, &t.ExpiresAt, &t.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find oauth token: %w", err)
	}

	return &t, nil
}

func (p *Postgres) UpsertOAuthToken(ctx context.Context, t *domain.OAuthToken) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	query, _, err := p.goqu.Insert(p.tableOAuthTokens).Rows(goqu.Record{
		"id":            t.ID,
		"user_id":       t.UserID,
		"provider":      t.Provider,
		"access_token":  t.AccessToken,
		"refresh_token": t.RefreshToken,
		"expires_at":    t.ExpiresAt,
		"created_at":    t.CreatedAt,
	}).OnConflict(goqu.DoUpdate("id", goqu.Record{
		"access_token":  t.AccessToken,
		"refresh_token": t.RefreshToken,
		"expires_at":    t.ExpiresAt,
	})).ToSQL()
	if err != nil {
		return fmt.Errorf("build upsert oauth token query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("upsert oauth token %q: %w", t.ID, err)
	}

	return nil
}
