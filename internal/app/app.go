// Package app wires configuration into the services shared by the Lambda
// and HTTP server entrypoints.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"mortgage-assistant/handler"
	"mortgage-assistant/internal/auth"
	"mortgage-assistant/internal/config"
	"mortgage-assistant/internal/integrations/anthropic"
	"mortgage-assistant/internal/integrations/assemblyai"
	"mortgage-assistant/internal/integrations/openai"
	"mortgage-assistant/internal/integrations/paramstore"
	"mortgage-assistant/internal/repository"
	"mortgage-assistant/internal/usecase"
)

// App holds the wired services and anything that must be released on exit.
type App struct {
	Services handler.Services
	closers  []func() error
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// Build resolves secrets into cfg and constructs every service it enables.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg != nil {
			return *awsCfg, nil
		}
		c, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return aws.Config{}, fmt.Errorf("app: load AWS config: %w", err)
		}
		awsCfg = &c
		return c, nil
	}

	if cfg.ParamPrefix != "" {
		ac, err := loadAWS()
		if err != nil {
			return nil, err
		}
		client, err := paramstore.New(awsssm.NewFromConfig(ac))
		if err != nil {
			return nil, err
		}
		secrets, err := paramstore.NewSecrets(client, cfg.ParamPrefix)
		if err != nil {
			return nil, err
		}
		if err := cfg.ResolveSecrets(ctx, secrets); err != nil {
			return nil, err
		}
	}

	a := &App{}
	backend, err := openBackend(ctx, cfg, loadAWS, a)
	if err != nil {
		return nil, err
	}
	var storeOpts []repository.Option
	if cfg.SerializeWrites {
		storeOpts = append(storeOpts, repository.WithSerializedWrites())
	}
	store, err := repository.NewStore(backend, storeOpts...)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	llm, err := NewCompletionProvider(*cfg)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	persona, err := usecase.NewPersona(cfg.Company, cfg.PersonaTemplate)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	chat, err := usecase.NewChatService(store, llm, usecase.ChatConfig{
		Persona:           persona,
		WindowSize:        cfg.WindowSize,
		MaxMessageLen:     cfg.MaxMessageLength,
		CompletionTimeout: cfg.CompletionTimeout,
		Logger:            logger,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	faqs, err := usecase.NewFAQService(store, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	admin, err := usecase.NewAdminService(store)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	var transcriber usecase.Transcriber
	if cfg.AssemblyAIAPIKey != "" {
		t, err := assemblyai.New(cfg.AssemblyAIAPIKey, []assemblyai.Option{
			assemblyai.WithPollInterval(cfg.TranscribePollInterval),
			assemblyai.WithMaxAttempts(cfg.TranscribeMaxAttempts),
		})
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		transcriber = t
	} else {
		logger.Warn("ASSEMBLYAI_API_KEY not set; voice input disabled")
	}

	transcribe := usecase.NewTranscribeService(transcriber, logger)
	a.Services = handler.Services{
		Chat:       chat,
		FAQs:       faqs,
		Transcribe: transcribe,
		Admin:      admin,
	}

	if cfg.AdminEnabled() {
		gate, err := auth.NewGate(cfg.AdminPasswordHash, cfg.JWTSecret, auth.WithTTL(cfg.AdminTokenTTL))
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Services.Gate = gate
	} else {
		logger.Warn("admin credentials not set; admin console disabled")
	}

	logger.Info("services ready",
		"store", cfg.StoreBackend,
		"serializedWrites", store.Serialized(),
		"provider", cfg.LLMProvider,
		"transcription", transcribe.Enabled(),
		"admin", a.Services.Gate != nil,
	)
	return a, nil
}

func openBackend(ctx context.Context, cfg *config.Config, loadAWS func() (aws.Config, error), a *App) (repository.Backend, error) {
	switch cfg.StoreBackend {
	case config.StoreDynamoDB:
		ac, err := loadAWS()
		if err != nil {
			return nil, err
		}
		return repository.NewDynamoBackend(awsdynamodb.NewFromConfig(ac), cfg.StateTable)
	case config.StoreSQLite:
		b, err := repository.OpenSQLiteBackend(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, b.Close)
		return b, nil
	default:
		return repository.NewFileBackend(cfg.DataDir)
	}
}

// NewCompletionProvider builds the client for cfg.LLMProvider.
func NewCompletionProvider(cfg config.Config) (usecase.CompletionProvider, error) {
	key, err := cfg.ProviderAPIKey()
	if err != nil {
		return nil, err
	}
	switch cfg.LLMProvider {
	case config.ProviderAnthropicText:
		opts := []anthropic.Option{anthropic.WithMaxTokens(cfg.MaxTokens)}
		if cfg.LLMModel != "" {
			opts = append(opts, anthropic.WithModel(cfg.LLMModel))
		}
		if cfg.AnthropicBaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.AnthropicBaseURL))
		}
		return anthropic.NewTextClient(key, opts...)
	case config.ProviderOpenAI:
		opts := []openai.Option{openai.WithMaxTokens(cfg.MaxTokens)}
		if cfg.LLMModel != "" {
			opts = append(opts, openai.WithModel(cfg.LLMModel))
		}
		if cfg.OpenAIBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.OpenAIBaseURL))
		}
		return openai.NewClient(key, opts...)
	default:
		return anthropic.NewMessagesClient(key, cfg.LLMModel, cfg.MaxTokens)
	}
}
