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

const videoJobColumns = "id, user_id, api_request_id, status, prompt, result_url, error_message, created_at, updated_at"

func scanVideoJob(scanner interface{ Scan(...any) error }) (*domain.VideoJob, error) {
	var j domain.VideoJob
	if err := scanner.Scan(
		&j.ID, &j.UserID, &j.ApiRequestID, &j.Status, &j.Prompt, &j.ResultURL,
		&j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *SQLite) CreateVideoJob(ctx context.Context, j *domain.VideoJob) error {
	if j.ID == "" {
		j.ID = ulid.Make().String()
	}
	now := time.Now().UTC()
	j.CreatedAt, j.UpdatedAt = now, now

	query, _, err := s.goqu.Insert(s.tableVideoJobs).Rows(goqu.Record{
		"id": j.ID, "user_id": j.UserID, "api_request_id": j.ApiRequestID, "status": j.Status,
		"prompt": j.Prompt, "result_url": j.ResultURL, "error_message": j.ErrorMessage,
		"created_at": now, "updated_at": now,
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert video_job query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create video_job %q: %w", j.ID, err)
	}

	return nil
}

func (s *SQLite) GetVideoJob(ctx context.Context, id string) (*domain.VideoJob, error) {
	query, _, err := s.goqu.From(s.tableVideoJobs).
		Select(goqu.L(videoJobColumns)).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get video_job query: %w", err)
	}

	j, err := scanVideoJob(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get video_job %q: %w", id, err)
	}

	return j, nil
}

func (s *SQLite) UpdateVideoJob(ctx context.Context, j *domain.VideoJob) error {
	j.UpdatedAt = time.Now().UTC()

	query, _, err := s.goqu.Update(s.tableVideoJobs).Set(goqu.Record{
		"status": j.Status, "result_url": j.ResultURL, "error_message": j.ErrorMessage,
		"updated_at": j.UpdatedAt,
	}).Where(goqu.I("id").Eq(j.ID)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update video_job query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("update video_job %q: %w", j.ID, err)
	}

	return nil
}

func (s *SQLite) ListVideoJobsForUser(ctx context.Context, userID string) ([]*domain.VideoJob, error) {
	query, _, err := s.goqu.From(s.tableVideoJobs).
		Select(goqu.L(videoJobColumns)).
		Where(goqu.I("user_id").Eq(userID)).
		Order(goqu.I("created_at").Desc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list video_jobs query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list video_jobs for user %q: %w", userID, err)
	}
	defer rows.Close()

	var result []*domain.VideoJob
	for rows.Next() {
		j, err := scanVideoJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan video_job row: %w", err)
		}
		result = append(result, j)
	}

	return result, rows.Err()
}
