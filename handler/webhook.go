package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"assistant-pipeline/internal/pipeline"
)

const correlationHeader = "X-Correlation-Id"

// Ingestor is the gateway core the webhook handler drives.
type Ingestor interface {
	Process(ctx context.Context, token string, payload []byte) (pipeline.IngestOutcome, error)
}

// WebhookHandler adapts API Gateway proxy events to the ingest service.
// It always acknowledges with 200 and an empty JSON object: Telegram has
// no useful retry semantics, so no internal outcome is surfaced.
type WebhookHandler struct {
	ingest Ingestor
	log    *slog.Logger
}

func NewWebhookHandler(ingest Ingestor, log *slog.Logger) (*WebhookHandler, error) {
	if ingest == nil {
		return nil, errors.New("handler: ingestor must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{ingest: ingest, log: log}, nil
}

func (h *WebhookHandler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := resolveCorrelationID(req.Headers)
	token := req.PathParameters["proxy"]

	out, err := h.ingest.Process(ctx, token, []byte(req.Body))
	if err != nil {
		h.log.Error("ingest failed", "correlation_id", correlationID, "err", err)
	}
	h.log.Info("update processed",
		"correlation_id", correlationID,
		"action", string(out.Action),
		"reason", out.Reason,
		"thread_id", out.ThreadID)

	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: "{}",
	}, nil
}

func resolveCorrelationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
