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

const apiRequestColumns = "id, user_id, api_key_id, provider_id, sub_provider_id, model, endpoint, status, prompt_tokens, completion_tokens, total_tokens, credits_charged, error_message, created_at, started_at, finished_at"

func scanApiRequest(scanner interface{ Scan(...any) error }) (*domain.ApiRequest, error) {
	var r domain.ApiRequest
	if err := scanner.Scan(
		&r.ID, &r.UserID, &r.ApiKeyID, &r.ProviderID, &r.SubProviderID, &r.Model, &r.Endpoint,
		&r.Status, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.CreditsCharged,
		&r.ErrorMessage, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	); err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *Postgres) Create(ctx context.Context, r *domain.ApiRequest) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	query, _, err := p.goqu.Insert(p.tableApiRequests).Rows(goqu.Record{
		"id": r.ID, "user_id": r.UserID, "api_key_id": r.ApiKeyID, "provider_id": r.ProviderID,
		"sub_provider_id": r.SubProviderID, "model": r.Model, "endpoint": r.Endpoint,
		"status": r.Status, "prompt_tokens": r.PromptTokens, "completion_tokens": r.CompletionTokens,
		"total_tokens": r.TotalTokens, "credits_charged": r.CreditsCharged,
		"error_message": r.ErrorMessage, "created_at": r.CreatedAt,
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert api_request query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create api_request %q: %w", r.ID, err)
	}

	return nil
}

func (p *Postgres) MarkProcessing(ctx context.Context, id, providerID, subProviderID string, at time.Time) error {
	query, _, err := p.goqu.Update(p.tableApiRequests).Set(goqu.Record{
		"status":          domain.RequestProcessing,
		"provider_id":     providerID,
		"sub_provider_id": subProviderID,
		"started_at":      at,
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build mark-processing query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("mark api_request %q processing: %w", id, err)
	}

	return nil
}

func (p *Postgres) Finish(ctx context.Context, id string, r *domain.ApiRequest) error {
	query, _, err := p.goqu.Update(p.tableApiRequests).Set(goqu.Record{
		"status": r.Status, "prompt_tokens": r.PromptTokens, "completion_tokens": r.CompletionTokens,
		"total_tokens": r.TotalTokens, "credits_charged": r.CreditsCharged,
		"error_message": r.ErrorMessage, "finished_at": r.FinishedAt,
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build finish api_request query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("finish api_request %q: %w", id, err)
	}

	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (*domain.ApiRequest, error) {
	query, _, err := p.goqu.From(p.tableApiRequests).
		Select(goqu.L(apiRequestColumns)).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get api_request query: %w", err)
	}

	r, err := scanApiRequest(p.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get api_request %q: %w", id, err)
	}

	return r, nil
}

func (p *Postgres) ListForUser(ctx context.Context, userID string, limit int) ([]*domain.ApiRequest, error) {
	if limit <= 0 {
		limit = 100
	}

	query, _, err := p.goqu.From(p.tableApiRequests).
		Select(goqu.L(apiRequestColumns)).
		Where(goqu.I("user_id").Eq(userID)).
		Order(goqu.I("created_at").Desc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list api_requests query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list api_requests for user %q: %w", userID, err)
	}
	defer rows.Close()

	var result []*domain.ApiRequest
	for rows.Next() {
		r, err := scanApiRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api_request row: %w", err)
		}
		result = append(result, r)
	}

	return result, rows.Err()
}
