package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/drawlytics/conveyor/internal/core/domain"
	"github.com/drawlytics/conveyor/internal/infra/storage"
)

// JobRepo implements storage.JobRepository using PostgreSQL.
type JobRepo struct {
	db *DB
}

// NewJobRepo creates a new PostgreSQL job repository.
func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

// jobRow mirrors the jobs table. List- and map-shaped fields are JSONB.
type jobRow struct {
	ID            string          `db:"id"`
	TenantKey     string          `db:"tenant_key"`
	Status        string          `db:"status"`
	CurrentStage  sql.NullString  `db:"current_stage"`
	Stages        json.RawMessage `db:"stages_completed"`
	Checkpoints   json.RawMessage `db:"checkpoints"`
	StageInputs   json.RawMessage `db:"stage_inputs"`
	Metadata      json.RawMessage `db:"metadata"`
	ErrorDetail   json.RawMessage `db:"error_details"`
	CorrelationID sql.NullString  `db:"correlation_id"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
	ExpiresAt     sql.NullTime    `db:"expires_at"`
}

func toRow(j *domain.Job) (*jobRow, error) {
	stages, err := json.Marshal(j.StagesCompleted)
	if err != nil {
		return nil, fmt.Errorf("marshal stages: %w", err)
	}
	checkpoints, err := json.Marshal(j.Checkpoints)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoints: %w", err)
	}
	metadata, err := json.Marshal(j.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	var stageInputs json.RawMessage
	if j.StageInputs != nil {
		stageInputs, err = json.Marshal(j.StageInputs)
		if err != nil {
			return nil, fmt.Errorf("marshal stage inputs: %w", err)
		}
	}
	var errorDetail json.RawMessage
	if j.ErrorDetail != nil {
		errorDetail, err = json.Marshal(j.ErrorDetail)
		if err != nil {
			return nil, fmt.Errorf("marshal error details: %w", err)
		}
	}

	row := &jobRow{
		ID:          j.ID,
		TenantKey:   j.TenantKey,
		Status:      string(j.Status),
		Stages:      stages,
		Checkpoints: checkpoints,
		StageInputs: stageInputs,
		Metadata:    metadata,
		ErrorDetail: errorDetail,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
	if j.CurrentStage != "" {
		row.CurrentStage = sql.NullString{String: j.CurrentStage, Valid: true}
	}
	if j.CorrelationID != "" {
		row.CorrelationID = sql.NullString{String: j.CorrelationID, Valid: true}
	}
	if j.ExpiresAt != nil {
		row.ExpiresAt = sql.NullTime{Time: *j.ExpiresAt, Valid: true}
	}
	return row, nil
}

func fromRow(row *jobRow) (*domain.Job, error) {
	j := &domain.Job{
		ID:            row.ID,
		TenantKey:     row.TenantKey,
		Status:        domain.Status(row.Status),
		CurrentStage:  row.CurrentStage.String,
		CorrelationID: row.CorrelationID.String,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
	if err := json.Unmarshal(row.Stages, &j.StagesCompleted); err != nil {
		return nil, fmt.Errorf("unmarshal stages: %w", err)
	}
	if len(row.Checkpoints) > 0 {
		if err := json.Unmarshal(row.Checkpoints, &j.Checkpoints); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoints: %w", err)
		}
	}
	if len(row.StageInputs) > 0 {
		if err := json.Unmarshal(row.StageInputs, &j.StageInputs); err != nil {
			return nil, fmt.Errorf("unmarshal stage inputs: %w", err)
		}
	}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &j.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if len(row.ErrorDetail) > 0 {
		if err := json.Unmarshal(row.ErrorDetail, &j.ErrorDetail); err != nil {
			return nil, fmt.Errorf("unmarshal error details: %w", err)
		}
	}
	if row.ExpiresAt.Valid {
		t := row.ExpiresAt.Time
		j.ExpiresAt = &t
	}
	return j, nil
}

// Get retrieves a job by id.
func (r *JobRepo) Get(ctx context.Context, id string) (*domain.Job, error) {
	var row jobRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, tenant_key, status, current_stage, stages_completed,
		       checkpoints, stage_inputs, metadata, error_details, correlation_id,
		       created_at, updated_at, expires_at
		FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return fromRow(&row)
}

// Save upserts the full record. Last write wins.
func (r *JobRepo) Save(ctx context.Context, job *domain.Job) error {
	job.UpdatedAt = time.Now().UTC()
	row, err := toRow(job)
	if err != nil {
		return err
	}
	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO jobs (id, tenant_key, status, current_stage, stages_completed,
		                  checkpoints, stage_inputs, metadata, error_details, correlation_id,
		                  created_at, updated_at, expires_at)
		VALUES (:id, :tenant_key, :status, :current_stage, :stages_completed,
		        :checkpoints, :stage_inputs, :metadata, :error_details, :correlation_id,
		        :created_at, :updated_at, :expires_at)
		ON CONFLICT (id) DO UPDATE SET
			tenant_key = EXCLUDED.tenant_key,
			status = EXCLUDED.status,
			current_stage = EXCLUDED.current_stage,
			stages_completed = EXCLUDED.stages_completed,
			checkpoints = EXCLUDED.checkpoints,
			stage_inputs = EXCLUDED.stage_inputs,
			metadata = EXCLUDED.metadata,
			error_details = EXCLUDED.error_details,
			correlation_id = EXCLUDED.correlation_id,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at`, row)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// ListStuck returns Processing jobs not touched since the cutoff.
func (r *JobRepo) ListStuck(ctx context.Context, cutoff time.Time) ([]*domain.Job, error) {
	var rows []jobRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, tenant_key, status, current_stage, stages_completed,
		       checkpoints, stage_inputs, metadata, error_details, correlation_id,
		       created_at, updated_at, expires_at
		FROM jobs WHERE status = $1 AND updated_at < $2`,
		string(domain.StatusProcessing), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck jobs: %w", err)
	}
	jobs := make([]*domain.Job, 0, len(rows))
	for i := range rows {
		j, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// DeleteExpired removes records whose TTL passed.
func (r *JobRepo) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
