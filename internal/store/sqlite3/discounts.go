package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/vgate/internal/domain"
)

const discountColumns = "id, user_id, model, multiplier, active, starts_at, ends_at, rotated_at"

func scanDiscount(scanner interface{ Scan(...any) error }) (*domain.UserDiscount, error) {
	var d domain.UserDiscount
	if err := scanner.Scan(&d.ID, &d.UserID, &d.Model, &d.Multiplier, &d.Active, &d.StartsAt, &d.EndsAt, &d.RotatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *SQLite) ActiveDiscount(ctx context.Context, userID, model string) (*domain.UserDiscount, error) {
	query, _, err := s.goqu.From(s.tableDiscounts).
		Select(goqu.L(discountColumns)).
		Where(goqu.And(
			goqu.I("user_id").Eq(userID),
			goqu.I("model").Eq(model),
			goqu.I("active").IsTrue(),
		)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build active discount query: %w", err)
	}

	d, err := scanDiscount(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active discount for %q/%q: %w", userID, model, err)
	}

	return d, nil
}

// Upsert replaces any currently active discount for the same (user, model)
// pair inside one transaction, so at most one stays active — a rotation
// never accumulates stacked discounts.
func (s *SQLite) Upsert(ctx context.Context, d *domain.UserDiscount) error {
	if d.ID == "" {
		d.ID = ulid.Make().String()
	}
	if d.StartsAt.IsZero() {
		d.StartsAt = time.Now().UTC()
	}
	if d.RotatedAt.IsZero() {
		d.RotatedAt = d.StartsAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	deactivateQuery, _, err := s.goqu.Update(s.tableDiscounts).
		Set(goqu.Record{"active": false}).
		Where(goqu.And(
			goqu.I("user_id").Eq(d.UserID),
			goqu.I("model").Eq(d.Model),
			goqu.I("active").IsTrue(),
		)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build deactivate query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, deactivateQuery); err != nil {
		return fmt.Errorf("deactivate existing discount: %w", err)
	}

	insertQuery, _, err := s.goqu.Insert(s.tableDiscounts).Rows(goqu.Record{
		"id": d.ID, "user_id": d.UserID, "model": d.Model, "multiplier": d.Multiplier,
		"active": true, "starts_at": d.StartsAt, "ends_at": d.EndsAt, "rotated_at": d.RotatedAt,
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert discount query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insertQuery); err != nil {
		return fmt.Errorf("insert discount %q: %w", d.ID, err)
	}

	return tx.Commit()
}

func (s *SQLite) ExpiredActive(ctx context.Context, now time.Time) ([]*domain.UserDiscount, error) {
	query, _, err := s.goqu.From(s.tableDiscounts).
		Select(goqu.L(discountColumns)).
		Where(goqu.And(
			goqu.I("active").IsTrue(),
			goqu.I("ends_at").IsNotNull(),
			goqu.I("ends_at").Lte(now),
		)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build expired-active discounts query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list expired-active discounts: %w", err)
	}
	defer rows.Close()

	var result []*domain.UserDiscount
	for rows.Next() {
		d, err := scanDiscount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan discount row: %w", err)
		}
		result = append(result, d)
	}

	return result, rows.Err()
}

func (s *SQLite) Deactivate(ctx context.Context, id string, now time.Time) error {
	query, _, err := s.goqu.Update(s.tableDiscounts).
		Set(goqu.Record{"active": false}).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build deactivate discount query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("deactivate discount %q: %w", id, err)
	}

	return nil
}
