package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"

	"analysis-backend/internal/analyses"
	"analysis-backend/internal/artifacts"
	"analysis-backend/internal/credentials"
	"analysis-backend/internal/events"
	"analysis-backend/internal/llm"
	"analysis-backend/internal/llm/anthropic"
	"analysis-backend/internal/llm/gemini"
	"analysis-backend/internal/llm/openai"
	"analysis-backend/internal/shared/config"
	"analysis-backend/internal/shared/server"
	"analysis-backend/internal/shared/storage/db"
	"analysis-backend/internal/shared/storage/object"
	localstore "analysis-backend/internal/shared/storage/object/local"
	s3store "analysis-backend/internal/shared/storage/object/s3"
	"analysis-backend/internal/shared/telemetry"
	"analysis-backend/internal/usage"
	"analysis-backend/internal/users"
)

// App holds shared dependencies.
type App struct {
	Config          config.Config
	Router          *gin.Engine
	DB              *sql.DB
	Store           object.ObjectStore
	Events          events.Publisher
	Providers       *llm.Registry
	AnalysesRepo    analyses.Repo
	UsersRepo       users.Repo
	UsersService    *users.Service
	UsageService    *usage.Service
	AnalysesService *analyses.Service
}

// Build prepares every dependency and the HTTP router.
func Build(cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	ctx := context.Background()

	sqlDB, err := buildDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	publisher, err := buildEvents(cfg)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:    cfg,
		DB:        sqlDB,
		Store:     store,
		Events:    publisher,
		Providers: BuildRegistry(cfg),
	}
	buildServices(app)

	app.Router = server.NewRouter(server.RouterDeps{
		Env: cfg.Env,
		Handlers: []server.RouteRegistrar{
			analyses.NewHandler(app.AnalysesService),
			artifacts.NewHandler(app.Store),
			usage.NewHandler(app.UsageService),
			users.NewHandler(app.UsersService),
		},
	})
	return app, nil
}

// Close releases the database pool and the event connection.
func (a *App) Close() error {
	var errs []error
	if a.Events != nil {
		errs = append(errs, a.Events.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

// BuildRegistry registers every supported provider. Clients are opened per
// run with the resolved credential.
func BuildRegistry(cfg config.Config) *llm.Registry {
	timeout := cfg.ProviderTimeout
	reg := llm.NewRegistry()
	reg.Register("openai", func(apiKey string) (llm.Provider, error) {
		return openai.NewClient(apiKey, openai.Options{Model: cfg.OpenAIModel, Timeout: timeout})
	})
	reg.Register("openrouter", func(apiKey string) (llm.Provider, error) {
		return openai.NewClient(apiKey, openai.Options{
			Name: "openrouter", BaseURL: openai.OpenRouterBaseURL, Model: cfg.OpenRouterModel, Timeout: timeout,
		})
	})
	reg.Register("deepseek", func(apiKey string) (llm.Provider, error) {
		return openai.NewClient(apiKey, openai.Options{
			Name: "deepseek", BaseURL: openai.DeepSeekBaseURL, Model: cfg.DeepSeekModel, Timeout: timeout,
		})
	})
	reg.Register("anthropic", func(apiKey string) (llm.Provider, error) {
		return anthropic.NewClient(apiKey, anthropic.Options{Model: cfg.AnthropicModel, Timeout: timeout})
	})
	reg.Register("gemini", func(apiKey string) (llm.Provider, error) {
		return gemini.NewClient(context.Background(), apiKey, cfg.GeminiModel, timeout)
	})
	return reg
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if isDevLike(cfg.Env) {
			telemetry.Warn("bootstrap.memory_repositories", map[string]any{"reason": "DATABASE_URL empty"})
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, db.OptionsFromEnv(db.DefaultServerOptions()))
	if err != nil {
		if isDevLike(cfg.Env) {
			telemetry.Warn("bootstrap.memory_repositories", map[string]any{"reason": "database connect failed", "error": err.Error()})
			return nil, nil
		}
		return nil, err
	}
	if err := db.RunMigrations(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return sqlDB, nil
}

func buildStore(ctx context.Context, cfg config.Config) (object.ObjectStore, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		if strings.TrimSpace(cfg.S3Bucket) == "" {
			return nil, fmt.Errorf("OBJECT_STORE=s3 requires S3_BUCKET")
		}
		return s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix)
	default:
		return localstore.New(cfg.LocalStoreDir), nil
	}
}

func buildEvents(cfg config.Config) (events.Publisher, error) {
	if cfg.EventsBackend != "nats" {
		return events.NopPublisher{}, nil
	}
	pub, err := events.NewNATSPublisher(cfg.NATSURL, cfg.EventsSubject)
	if err != nil {
		if isDevLike(cfg.Env) {
			telemetry.Warn("bootstrap.events_disabled", map[string]any{"error": err.Error()})
			return events.NopPublisher{}, nil
		}
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return pub, nil
}

func buildServices(app *App) {
	if app.DB != nil {
		app.AnalysesRepo = &analyses.PGRepo{DB: app.DB}
		app.UsersRepo = &users.PGRepo{DB: app.DB}
	} else {
		app.AnalysesRepo = analyses.NewMemoryRepo()
		app.UsersRepo = users.NewMemoryRepo()
	}

	cfg := app.Config
	app.UsersService = users.NewService(app.UsersRepo)
	app.UsageService = usage.NewService(app.UsersService, app.AnalysesRepo, usage.TierLimits{
		Free:       cfg.TierFreeTokens,
		Pro:        cfg.TierProTokens,
		Enterprise: cfg.TierEnterpriseTokens,
	})
	app.AnalysesService = &analyses.Service{
		Repo:         app.AnalysesRepo,
		Usage:        app.UsageService,
		Providers:    app.Providers,
		Keys:         app.UsersService,
		PlatformKeys: credentials.Normalize(cfg.PlatformKeys()),
		Artifacts:    artifacts.NewResolver(app.Store, artifacts.DefaultMaxBytes),
		Events:       app.Events,
		Options: analyses.Options{
			CallTimeout:          cfg.ProviderTimeout,
			RetryMaxElapsed:      cfg.ProviderRetryMaxElapsed,
			SynthesisSourceLimit: cfg.SynthesisSourceLimit,
		},
	}
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local":
		return true
	default:
		return false
	}
}
