package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/nhle/mailtriage/internal/app"
	"github.com/nhle/mailtriage/internal/credential"
	"github.com/nhle/mailtriage/internal/enrich"
	"github.com/nhle/mailtriage/internal/fault"
	"github.com/nhle/mailtriage/internal/ingest"
	"github.com/nhle/mailtriage/internal/llm"
	"github.com/nhle/mailtriage/internal/logging"
	"github.com/nhle/mailtriage/internal/mailbox"
	"github.com/nhle/mailtriage/internal/model"
	"github.com/nhle/mailtriage/internal/store"
	"github.com/nhle/mailtriage/internal/unsubscribe"
)

// runtime holds everything a command needs, wired from the config file.
type runtime struct {
	cfg      *model.AppConfig
	v        *viper.Viper
	logger   *zap.SugaredLogger
	level    zap.AtomicLevel
	store    *store.SQLiteStore
	vault    *credential.Vault
	oauth    *oauth2.Config
	pipeline *ingest.Pipeline
	app      *app.App
}

func setup() (*runtime, error) {
	cfg, v, err := model.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger, level, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	vault, err := credential.Open(model.ConfigDir())
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	// Gmail is optional; without a client secret only IMAP accounts work.
	oauthCfg, err := mailbox.LoadOAuthConfig(cfg.Gmail.ClientSecretPath)
	if err != nil {
		logger.Debugw("gmail disabled", "error", err)
		oauthCfg = nil
	}

	m := newModel(cfg.LLM, vault, logger)
	opener := mailbox.NewDialer(vault, oauthCfg, logger)
	pipeline := ingest.New(s, opener,
		enrich.NewClassifier(s, m, logger),
		enrich.NewSummarizer(s, m, logger),
		cfg.Poll.PageSize, logger)

	settle := time.Duration(cfg.Unsubscribe.SettleMs) * time.Millisecond
	if settle == 0 {
		settle = -1
	}
	engine := unsubscribe.NewEngine(s,
		unsubscribe.NewChrome(unsubscribe.ChromeOptions{
			ExecPath: cfg.Unsubscribe.ChromePath,
			Headless: cfg.Unsubscribe.Headless,
		}, logger),
		m,
		unsubscribe.Options{
			NavigationTimeout: time.Duration(cfg.Unsubscribe.NavigationTimeoutSec) * time.Second,
			Settle:            settle,
			MaxSteps:          cfg.Unsubscribe.MaxSteps,
		},
		logger)

	return &runtime{
		cfg:      cfg,
		v:        v,
		logger:   logger,
		level:    level,
		store:    s,
		vault:    vault,
		oauth:    oauthCfg,
		pipeline: pipeline,
		app:      app.New(s, pipeline, engine, opener, vault, logger),
	}, nil
}

func (rt *runtime) Close() {
	_ = rt.logger.Sync()
	if err := rt.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "closing store: %v\n", err)
	}
}

// newModel builds the configured provider. The API key comes from the
// environment or the keyring; without one every call fails with a clear
// error instead of blocking commands that never reach the model.
func newModel(cfg model.LLMConfig, vault *credential.Vault, logger *zap.SugaredLogger) llm.Model {
	key := os.Getenv("MAILTRIAGE_LLM_API_KEY")
	if key == "" {
		var err error
		key, err = vault.Get(cfg.APIKeyCredential)
		if err != nil && !errors.Is(err, credential.ErrNotFound) {
			logger.Warnw("reading LLM API key", "error", err)
		}
	}

	m, err := llm.New(llm.Config{
		Provider:          cfg.Provider,
		Model:             cfg.Model,
		APIKey:            key,
		RequestsPerMinute: cfg.RequestsPerMinute,
	})
	if err != nil {
		return unavailableModel{err: err}
	}
	return m
}

type unavailableModel struct{ err error }

func (u unavailableModel) Complete(context.Context, llm.Request) (string, error) {
	return "", fault.New(fault.KindTransientExternal, "llm",
		fmt.Errorf("%w (set one with `mailtriage llm-key`)", u.err))
}
