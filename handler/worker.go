package handler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"assistant-pipeline/internal/domain"
	"assistant-pipeline/internal/pipeline"
)

// DeliveryProcessor is the stage core the worker handler dispatches to.
type DeliveryProcessor interface {
	ProcessDelivery(ctx context.Context, d pipeline.Delivery) (pipeline.Outcome, error)
}

// WorkerHandler adapts SQS events to the run-creation service. Retry
// outcomes are reported through the partial batch failure response, so
// only the failing item is redelivered and the rest of the batch is
// acknowledged.
type WorkerHandler struct {
	runCreate DeliveryProcessor
	log       *slog.Logger
}

func NewWorkerHandler(runCreate DeliveryProcessor, log *slog.Logger) (*WorkerHandler, error) {
	if runCreate == nil {
		return nil, errors.New("handler: delivery processor must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &WorkerHandler{runCreate: runCreate, log: log}, nil
}

func (h *WorkerHandler) Handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse

	for _, rec := range event.Records {
		switch attr(rec, domain.AttrIntent) {
		case domain.IntentRunCreate:
			out, err := h.runCreate.ProcessDelivery(ctx, pipeline.Delivery{
				MessageID:     rec.MessageId,
				ReceiptHandle: rec.ReceiptHandle,
				Body:          rec.Body,
				Origin:        attr(rec, domain.AttrFrom),
			})
			if err != nil {
				h.log.Error("run create delivery failed", "message_id", rec.MessageId, "err", err)
			}
			if out.Status == pipeline.OutcomeRetry {
				resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
					ItemIdentifier: rec.MessageId,
				})
			}
		default:
			// Unknown intents are terminal: acknowledged and dropped.
			h.log.Error("unrecognized intent", "message_id", rec.MessageId, "intent", attr(rec, domain.AttrIntent))
		}
	}

	return resp, nil
}

func attr(rec events.SQSMessage, name string) string {
	a, ok := rec.MessageAttributes[name]
	if !ok || a.StringValue == nil {
		return ""
	}
	return *a.StringValue
}
