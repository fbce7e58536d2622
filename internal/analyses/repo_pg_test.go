package analyses

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockRepo(t *testing.T) (*PGRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &PGRepo{DB: db}, mock
}

func TestPGRepoCreateEncodesJSONColumns(t *testing.T) {
	repo, mock := newMockRepo(t)
	analysis := Analysis{
		ID:                 "analysis-1",
		UserID:             "user-1",
		Domain:             DomainContract,
		Source:             Source{Content: "contract X {}"},
		RequestedProviders: []string{"openai", "anthropic"},
		ProvidersUsed:      []string{"openai"},
		MasterProvider:     "openai",
		Status:             StatusPending,
		CreatedAt:          time.Now().UTC(),
	}

	mock.ExpectExec("INSERT INTO analyses").
		WithArgs(
			analysis.ID,
			analysis.UserID,
			analysis.Domain,
			[]byte(`{"content":"contract X {}"}`),
			[]byte(`[]`),
			[]byte(`["openai","anthropic"]`),
			[]byte(`["openai"]`),
			analysis.MasterProvider,
			analysis.Status,
			nil,
			analysis.CreatedAt,
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := repo.Create(context.Background(), analysis); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoGetByIDDecodesRow(t *testing.T) {
	repo, mock := newMockRepo(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "domain", "source", "artifacts", "requested_providers", "providers_used", "master_provider",
		"status", "current_stage", "final_score", "error_message", "created_at", "started_at", "completed_at", "updated_at",
	}).AddRow(
		"analysis-1", "user-1", DomainUIUX, []byte(`{"content":"x"}`), []byte(`[{"key":"k","name":"home.png"}]`),
		[]byte(`["a","b"]`), []byte(`["a","d"]`), "a",
		StatusPartial, nil, int64(82), "1 of 2 providers succeeded", created, created, created, created,
	)
	mock.ExpectQuery("SELECT .* FROM analyses WHERE id = \\$1").WithArgs("analysis-1").WillReturnRows(rows)

	a, err := repo.GetByID(context.Background(), "analysis-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if a.FinalScore == nil || *a.FinalScore != 82 {
		t.Fatalf("expected final score 82, got %v", a.FinalScore)
	}
	if len(a.ProvidersUsed) != 2 || a.ProvidersUsed[1] != "d" {
		t.Fatalf("unexpected providers used %v", a.ProvidersUsed)
	}
	if len(a.Artifacts) != 1 || a.Artifacts[0].Name != "home.png" {
		t.Fatalf("unexpected artifacts %+v", a.Artifacts)
	}
	if a.ErrorMessage == nil || a.CompletedAt == nil || a.CurrentStage != "" {
		t.Fatalf("unexpected nullable columns %+v", a)
	}
}

func TestPGRepoGetByIDNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT .* FROM analyses").WithArgs("missing").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := repo.GetByID(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGRepoFinalizeMissingRow(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now().UTC()
	mock.ExpectExec("UPDATE analyses").
		WithArgs("gone", StatusFailed, nil, "0 of 1 providers succeeded", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	msg := "0 of 1 providers succeeded"
	if err := repo.Finalize(context.Background(), "gone", StatusFailed, nil, &msg, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGRepoReplaceProviderSlotLocksRow(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT providers_used FROM analyses WHERE id = $1 FOR UPDATE")).
		WithArgs("analysis-1").
		WillReturnRows(sqlmock.NewRows([]string{"providers_used"}).AddRow([]byte(`["a","b","c"]`)))
	mock.ExpectExec("UPDATE analyses SET providers_used").
		WithArgs("analysis-1", []byte(`["a","d","c"]`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := repo.ReplaceProviderSlot(context.Background(), "analysis-1", "b", "d"); err != nil {
		t.Fatalf("ReplaceProviderSlot: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoReplaceProviderSlotRejectsOccupiedSubstitute(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT providers_used").
		WithArgs("analysis-1").
		WillReturnRows(sqlmock.NewRows([]string{"providers_used"}).AddRow([]byte(`["a","b"]`)))
	mock.ExpectRollback()

	err := repo.ReplaceProviderSlot(context.Background(), "analysis-1", "a", "b")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoInsertResponseNullsOptionalColumns(t *testing.T) {
	repo, mock := newMockRepo(t)
	resp := ProviderResponse{
		ID:           "01HZ",
		AnalysisID:   "analysis-1",
		Provider:     "gemini",
		Stage:        StageInitial,
		ErrorMessage: "UPSTREAM_ERROR: boom",
		LatencyMs:    30,
		CreatedAt:    time.Now().UTC(),
	}
	mock.ExpectExec("INSERT INTO provider_responses").
		WithArgs(resp.ID, resp.AnalysisID, resp.Provider, resp.Stage, nil, nil, int64(0), int64(30), false, resp.ErrorMessage, resp.CreatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := repo.InsertResponse(context.Background(), resp); err != nil {
		t.Fatalf("InsertResponse: %v", err)
	}
}

func TestPGRepoTokensUsedSince(t *testing.T) {
	repo, mock := newMockRepo(t)
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(pr.tokens_used\\), 0\\)").
		WithArgs("user-1", since).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(4200)))

	total, err := repo.TokensUsedSince(context.Background(), "user-1", since)
	if err != nil {
		t.Fatalf("TokensUsedSince: %v", err)
	}
	if total != 4200 {
		t.Fatalf("expected 4200, got %d", total)
	}
}

func TestPGRepoDeleteResponsesByStage(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec("DELETE FROM provider_responses").
		WithArgs("analysis-1", StageSynthesis).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.DeleteResponses(context.Background(), "analysis-1", StageSynthesis)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 deleted, got %d (%v)", n, err)
	}
}
