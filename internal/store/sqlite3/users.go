package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/rakunlabs/vgate/internal/domain"
)

const userColumns = "id, email, credits, plan_id, is_admin, created_at, last_reset_at, " +
	"enabled, ip_whitelist, max_concurrent_requests, plan_expires_at, " +
	"total_requests, total_tokens_used, total_credits_used, rp_verified, rp_bonus_tokens_expires"

func scanUser(scanner interface{ Scan(...any) error }) (*domain.User, error) {
	var u domain.User
	if err := scanner.Scan(
		&u.ID, &u.Email, &u.Credits, &u.PlanID, &u.IsAdmin, &u.CreatedAt, &u.LastResetAt,
		&u.Enabled, &u.IPWhitelist, &u.MaxConcurrentRequests, &u.PlanExpiresAt,
		&u.TotalRequests, &u.TotalTokensUsed, &u.TotalCreditsUsed, &u.RPVerified, &u.RPBonusTokensExpires,
	); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLite) GetUser(ctx context.Context, id string) (*domain.User, error) {
	query, _, err := s.goqu.From(s.tableUsers).
		Select(goqu.L(userColumns)).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get user query: %w", err)
	}

	u, err := scanUser(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %q: %w", id, err)
	}

	return u, nil
}

func (s *SQLite) ListUsers(ctx context.Context, limit int) ([]*domain.User, error) {
	if limit <= 0 {
		limit = 100
	}

	query, _, err := s.goqu.From(s.tableUsers).
		Select(goqu.L(userColumns)).
		Order(goqu.I("created_at").Desc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list users query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var result []*domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		result = append(result, u)
	}

	return result, rows.Err()
}

func (s *SQLite) CreateUser(ctx context.Context, u *domain.User) error {
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.LastResetAt.IsZero() {
		u.LastResetAt = now
	}

	query, _, err := s.goqu.Insert(s.tableUsers).Rows(goqu.Record{
		"id":                      u.ID,
		"email":                   u.Email,
		"credits":                 u.Credits,
		"plan_id":                 u.PlanID,
		"is_admin":                u.IsAdmin,
		"created_at":              u.CreatedAt,
		"last_reset_at":           u.LastResetAt,
		"enabled":                 u.Enabled,
		"ip_whitelist":            u.IPWhitelist,
		"max_concurrent_requests": u.MaxConcurrentRequests,
		"plan_expires_at":         u.PlanExpiresAt,
		"total_requests":          u.TotalRequests,
		"total_tokens_used":       u.TotalTokensUsed,
		"total_credits_used":      u.TotalCreditsUsed,
		"rp_verified":             u.RPVerified,
		"rp_bonus_tokens_expires": u.RPBonusTokensExpires,
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert user query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create user %q: %w", u.ID, err)
	}

	return nil
}

// TryDebit performs the balance check and subtraction as a single
// conditional UPDATE so concurrent debits never race past zero.
func (s *SQLite) TryDebit(ctx context.Context, userID string, amountMicro int64) (bool, error) {
	query, _, err := s.goqu.Update(s.tableUsers).
		Set(goqu.Record{
			"credits":            goqu.L("credits - ?", amountMicro),
			"total_requests":     goqu.L("total_requests + 1"),
			"total_credits_used": goqu.L("total_credits_used + ?", amountMicro),
		}).
		Where(goqu.And(
			goqu.I("id").Eq(userID),
			goqu.I("credits").Gte(amountMicro),
		)).
		ToSQL()
	if err != nil {
		return false, fmt.Errorf("build try-debit query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return false, fmt.Errorf("try debit user %q: %w", userID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}

	return affected > 0, nil
}

func (s *SQLite) Credit(ctx context.Context, userID string, amountMicro int64) error {
	query, _, err := s.goqu.Update(s.tableUsers).
		Set(goqu.Record{"credits": goqu.L("credits + ?", amountMicro)}).
		Where(goqu.I("id").Eq(userID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build credit query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("credit user %q: %w", userID, err)
	}

	return nil
}

func (s *SQLite) Balance(ctx context.Context, userID string) (int64, error) {
	query, _, err := s.goqu.From(s.tableUsers).
		Select("credits").
		Where(goqu.I("id").Eq(userID)).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build balance query: %w", err)
	}

	var credits int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&credits); err != nil {
		return 0, fmt.Errorf("balance for user %q: %w", userID, err)
	}

	return credits, nil
}

func (s *SQLite) DueForReset(ctx context.Context, now time.Time, resetEvery time.Duration) ([]string, error) {
	cutoff := now.Add(-resetEvery)

	query, _, err := s.goqu.From(s.tableUsers).
		Select("id").
		Where(goqu.I("last_reset_at").Lte(cutoff)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build due-for-reset query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list due-for-reset users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func (s *SQLite) ResetToAllowance(ctx context.Context, userID string, now time.Time) error {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("reset allowance: user %q not found", userID)
	}

	query, _, err := s.goqu.Update(s.tableUsers).
		Set(goqu.Record{
			"credits":       domain.ResetAllowanceMicro(user, now),
			"last_reset_at": now,
		}).
		Where(goqu.I("id").Eq(userID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build reset-allowance query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("reset allowance for user %q: %w", userID, err)
	}

	return nil
}
