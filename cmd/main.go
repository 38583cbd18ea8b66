package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"nexus-agent/handler"
	"nexus-agent/internal/app"
	appconfig "nexus-agent/internal/config"
	"nexus-agent/internal/integrations/openai"
	"nexus-agent/internal/integrations/paramstore"
	"nexus-agent/internal/repository"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := appconfig.Load(appconfig.ModeLambda)
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
	if err != nil {
		slog.Error("failed to create state client", "err", err)
		os.Exit(1)
	}
	openaiClient, err := openai.NewClient(ssmClient, cfg.ParamPrefix, openai.WithAPIKey(cfg.OpenAI.APIKey))
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	// Metrics stay disabled here: nothing scrapes a Lambda process.
	opts := []handler.Option{handler.WithTwilioAuthToken(cfg.Voice.TwilioAuthToken)}
	if cfg.Voice.TwilioAuthToken == "" && cfg.Voice.TwilioTokenParam != "" {
		tokenParam := cfg.Voice.TwilioTokenParam
		opts = append(opts, handler.WithTwilioTokenSource(func(ctx context.Context) (string, error) {
			return ssmClient.Token(ctx, tokenParam)
		}))
	}
	h, err := app.Build(ctx, app.Deps{
		Config: cfg,
		Store:  stateClient,
		LLM:    openaiClient,
		Log:    logger,
	}, opts...)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
