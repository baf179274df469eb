package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"assistant-pipeline/handler"
	"assistant-pipeline/internal/integrations/openai"
	"assistant-pipeline/internal/integrations/paramstore"
	"assistant-pipeline/internal/pipeline"
	"assistant-pipeline/internal/queue"
	"assistant-pipeline/internal/repository"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	queueURL := mustEnv("QUEUE_URL")
	paramPrefix := mustEnv("PARAM_PREFIX")
	backoffBase := envSeconds("BACKOFF_BASE_SECONDS", 10*time.Second)
	backoffCap := envSeconds("BACKOFF_CAP_SECONDS", 15*time.Minute)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable)
	if err != nil {
		slog.Error("failed to create state client", "err", err)
		os.Exit(1)
	}
	queueClient, err := queue.New(awssqs.NewFromConfig(cfg), queueURL)
	if err != nil {
		slog.Error("failed to create queue client", "err", err)
		os.Exit(1)
	}
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	openaiClient, err := openai.NewClient(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	runCreate, err := pipeline.NewRunCreateService(
		stateClient,
		stateClient,
		queueClient,
		openaiClient,
		pipeline.ExponentialBackoff{Base: backoffBase, Cap: backoffCap},
		slog.Default(),
	)
	if err != nil {
		slog.Error("failed to create run create service", "err", err)
		os.Exit(1)
	}
	h, err := handler.NewWorkerHandler(runCreate, slog.Default())
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}
