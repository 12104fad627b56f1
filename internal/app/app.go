// Package app wires configuration, stores, the rate limiter registry and the
// categorization service into one application object shared by the CLI
// commands.
package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"filesort/internal/config"
	"filesort/internal/ratelimit"
	"filesort/internal/services"
	"filesort/internal/store"
	"filesort/internal/store/primary"
	"filesort/pkg/categorizer"
)

// App holds the initialized dependencies of one process.
type App struct {
	Config *config.Config

	TaxonomyStore       store.TaxonomyStore
	CategorizationStore store.CategorizationStore

	Registry *ratelimit.Registry

	CategorizationService *services.CategorizationService

	primaryStore *primary.StoreImpl
}

// NewApp initializes stores and services from cfg. On a partial failure the
// already-opened resources are released.
func NewApp(cfg *config.Config) (*App, error) {
	app := &App{Config: cfg}

	if err := app.initPrimaryStore(); err != nil {
		return nil, err
	}
	if err := app.initRateLimiterRegistry(); err != nil {
		app.cleanupPartialInit()
		return nil, err
	}
	app.initCategorizationService()

	log.Debug("Application initialization complete.")
	return app, nil
}

func (a *App) initPrimaryStore() error {
	path := a.Config.Database.Path
	if dir := filepath.Dir(path); dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}
	ps, err := primary.NewPrimaryStore(path)
	if err != nil {
		return fmt.Errorf("init primary store: %w", err)
	}
	a.primaryStore = ps
	a.TaxonomyStore = ps
	a.CategorizationStore = ps
	return nil
}

func (a *App) initRateLimiterRegistry() error {
	a.Registry = ratelimit.NewRegistry(a.Config.RateLimit.StatePath)
	return nil
}

func (a *App) initCategorizationService() {
	a.CategorizationService = services.NewCategorizationService(
		a.TaxonomyStore, a.CategorizationStore, a.ServiceOptions())
}

// ServiceOptions translates the configuration into per-run categorization
// options. Commands may tweak the copy before building a service of their
// own.
func (a *App) ServiceOptions() services.Options {
	cfg := a.Config
	return services.Options{
		Provider:             Provider(cfg),
		APIKey:               cfg.APIKey(),
		UseSubcategories:     cfg.Categorization.UseSubcategories,
		UseConsistencyHints:  cfg.Categorization.UseConsistencyHints,
		UseWhitelist:         cfg.Categorization.UseWhitelist,
		AllowedCategories:    cfg.Categorization.AllowedCategories,
		AllowedSubcategories: cfg.Categorization.AllowedSubcategories,
		CategoryLanguage:     cfg.Categorization.Language,
		UserContext:          cfg.Categorization.UserContext,
	}
}

// CategorizerFactory returns the model-client constructor used per run. The
// client is built lazily so a categorize command that is fully served from
// cache never touches the network.
func (a *App) CategorizerFactory() func() (categorizer.FileCategorizer, error) {
	cfg := a.Config
	return func() (categorizer.FileCategorizer, error) {
		return categorizer.New(categorizer.Config{
			Provider:      Provider(cfg),
			Model:         cfg.Categorization.Model,
			APIKey:        cfg.APIKey(),
			BaseURL:       cfg.Categorization.BaseURL,
			PromptLogging: cfg.Categorization.PromptLogging,
		}, a.Registry)
	}
}

// Provider maps the config string onto the categorizer's provider type.
func Provider(cfg *config.Config) categorizer.Provider {
	return categorizer.Provider(strings.ToLower(cfg.Categorization.Provider))
}

// Close flushes the rate limiter state and closes the database.
func (a *App) Close() {
	if a.Registry != nil {
		if err := a.Registry.Close(); err != nil {
			log.Warnf("Failed to flush rate limiter state: %v", err)
		}
	}
	if a.primaryStore != nil {
		if err := a.primaryStore.Close(); err != nil {
			log.Warnf("Failed to close database: %v", err)
		}
	}
}

func (a *App) cleanupPartialInit() {
	if a.primaryStore != nil {
		a.primaryStore.Close()
	}
}
