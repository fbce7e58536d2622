package analyses

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

const analysisColumns = `id, user_id, domain, source, artifacts, requested_providers, providers_used, master_provider,
       status, current_stage, final_score, error_message, created_at, started_at, completed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// Create inserts a new analysis.
func (r *PGRepo) Create(ctx context.Context, analysis Analysis) error {
	const query = `
INSERT INTO analyses (
	id, user_id, domain, source, artifacts, requested_providers, providers_used, master_provider,
	status, current_stage, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`
	source, err := marshalJSONB(analysis.Source)
	if err != nil {
		return err
	}
	artifacts, err := marshalJSONList(analysis.Artifacts)
	if err != nil {
		return err
	}
	requested, err := marshalJSONList(analysis.RequestedProviders)
	if err != nil {
		return err
	}
	used, err := marshalJSONList(analysis.ProvidersUsed)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, query,
		analysis.ID,
		analysis.UserID,
		analysis.Domain,
		source,
		artifacts,
		requested,
		used,
		analysis.MasterProvider,
		analysis.Status,
		nullableString(analysis.CurrentStage),
		analysis.CreatedAt,
	)
	return err
}

// GetByID returns an analysis by ID.
func (r *PGRepo) GetByID(ctx context.Context, analysisID string) (Analysis, error) {
	query := `SELECT ` + analysisColumns + ` FROM analyses WHERE id = $1 LIMIT 1`
	a, err := scanAnalysis(r.DB.QueryRowContext(ctx, query, analysisID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Analysis{}, ErrNotFound
		}
		return Analysis{}, err
	}
	return a, nil
}

// ListByUser lists analyses for a user ordered newest-first.
func (r *PGRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]Analysis, error) {
	limit, offset = clampPage(limit, offset)
	query := `SELECT ` + analysisColumns + `
FROM analyses
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3`

	rows, err := r.DB.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Analysis{}
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *PGRepo) MarkProcessing(ctx context.Context, analysisID, stage string, at time.Time) error {
	const query = `
UPDATE analyses
SET status = $2,
    current_stage = $3,
    started_at = COALESCE(started_at, $4),
    completed_at = NULL,
    error_message = NULL,
    updated_at = now()
WHERE id = $1`
	return execOne(ctx, r.DB, query, analysisID, StatusProcessing, stage, at)
}

func (r *PGRepo) Finalize(ctx context.Context, analysisID, status string, finalScore *int, errorMessage *string, completedAt time.Time) error {
	const query = `
UPDATE analyses
SET status = $2,
    current_stage = NULL,
    final_score = $3,
    error_message = $4,
    completed_at = $5,
    updated_at = now()
WHERE id = $1`
	var score any
	if finalScore != nil {
		score = *finalScore
	}
	var msg any
	if errorMessage != nil {
		msg = *errorMessage
	}
	return execOne(ctx, r.DB, query, analysisID, status, score, msg, completedAt)
}

// ReplaceProviderSlot locks the row so concurrent retries cannot interleave slot updates.
func (r *PGRepo) ReplaceProviderSlot(ctx context.Context, analysisID, original, substitute string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRowContext(ctx, `SELECT providers_used FROM analyses WHERE id = $1 FOR UPDATE`, analysisID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	var used []string
	if err := json.Unmarshal(raw, &used); err != nil {
		return fmt.Errorf("decode providers_used: %w", err)
	}
	next, err := replaceSlot(used, original, substitute)
	if err != nil {
		return err
	}
	payload, err := marshalJSONList(next)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE analyses SET providers_used = $2, updated_at = now() WHERE id = $1`, analysisID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *PGRepo) SetMasterProvider(ctx context.Context, analysisID, provider string) error {
	return execOne(ctx, r.DB, `UPDATE analyses SET master_provider = $2, updated_at = now() WHERE id = $1`, analysisID, provider)
}

func (r *PGRepo) InsertResponse(ctx context.Context, resp ProviderResponse) error {
	const query = `
INSERT INTO provider_responses (
	id, analysis_id, provider, step, result, score, tokens_used, latency_ms, success, error_message, created_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	var result any
	if len(resp.Result) > 0 {
		result = []byte(resp.Result)
	}
	var score any
	if resp.Score != nil {
		score = *resp.Score
	}
	_, err := r.DB.ExecContext(ctx, query,
		resp.ID,
		resp.AnalysisID,
		resp.Provider,
		resp.Stage,
		result,
		score,
		resp.TokensUsed,
		resp.LatencyMs,
		resp.Success,
		nullableString(resp.ErrorMessage),
		resp.CreatedAt,
	)
	return err
}

// ListResponses returns responses oldest-first.
func (r *PGRepo) ListResponses(ctx context.Context, analysisID string) ([]ProviderResponse, error) {
	const query = `
SELECT id, analysis_id, provider, step, result, score, tokens_used, latency_ms, success, error_message, created_at
FROM provider_responses
WHERE analysis_id = $1
ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, analysisID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ProviderResponse{}
	for rows.Next() {
		var resp ProviderResponse
		var result []byte
		var score sql.NullInt64
		var errorMessage sql.NullString
		if err := rows.Scan(
			&resp.ID,
			&resp.AnalysisID,
			&resp.Provider,
			&resp.Stage,
			&result,
			&score,
			&resp.TokensUsed,
			&resp.LatencyMs,
			&resp.Success,
			&errorMessage,
			&resp.CreatedAt,
		); err != nil {
			return nil, err
		}
		if len(result) > 0 {
			resp.Result = json.RawMessage(result)
		}
		if score.Valid {
			v := int(score.Int64)
			resp.Score = &v
		}
		if errorMessage.Valid {
			resp.ErrorMessage = errorMessage.String
		}
		out = append(out, resp)
	}
	return out, rows.Err()
}

func (r *PGRepo) DeleteResponses(ctx context.Context, analysisID, stage string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM provider_responses WHERE analysis_id = $1 AND step = $2`, analysisID, stage)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PGRepo) TokensUsedSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	const query = `
SELECT COALESCE(SUM(pr.tokens_used), 0)
FROM provider_responses pr
JOIN analyses a ON a.id = pr.analysis_id
WHERE a.user_id = $1 AND pr.created_at >= $2`
	var total int64
	if err := r.DB.QueryRowContext(ctx, query, userID, since).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func scanAnalysis(row rowScanner) (Analysis, error) {
	var a Analysis
	var source, artifacts, requested, used []byte
	var currentStage sql.NullString
	var finalScore sql.NullInt64
	var errorMessage sql.NullString
	var startedAt sql.NullTime
	var completedAt sql.NullTime
	if err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.Domain,
		&source,
		&artifacts,
		&requested,
		&used,
		&a.MasterProvider,
		&a.Status,
		&currentStage,
		&finalScore,
		&errorMessage,
		&a.CreatedAt,
		&startedAt,
		&completedAt,
		&a.UpdatedAt,
	); err != nil {
		return Analysis{}, err
	}
	if err := unmarshalJSONB(source, &a.Source); err != nil {
		return Analysis{}, fmt.Errorf("decode source: %w", err)
	}
	if err := unmarshalJSONB(artifacts, &a.Artifacts); err != nil {
		return Analysis{}, fmt.Errorf("decode artifacts: %w", err)
	}
	if err := unmarshalJSONB(requested, &a.RequestedProviders); err != nil {
		return Analysis{}, fmt.Errorf("decode requested_providers: %w", err)
	}
	if err := unmarshalJSONB(used, &a.ProvidersUsed); err != nil {
		return Analysis{}, fmt.Errorf("decode providers_used: %w", err)
	}
	if currentStage.Valid {
		a.CurrentStage = currentStage.String
	}
	if finalScore.Valid {
		v := int(finalScore.Int64)
		a.FinalScore = &v
	}
	if errorMessage.Valid {
		msg := errorMessage.String
		a.ErrorMessage = &msg
	}
	if startedAt.Valid {
		a.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		a.CompletedAt = &completedAt.Time
	}
	return a, nil
}

func execOne(ctx context.Context, db *sql.DB, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalJSONB(value any) ([]byte, error) {
	if value == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(value)
}

func marshalJSONList[T any](values []T) ([]byte, error) {
	if values == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(values)
}

func unmarshalJSONB(raw []byte, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
