package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"assistant-pipeline/internal/domain"
	"assistant-pipeline/internal/integrations/openai"
	"assistant-pipeline/internal/queue"
)

// attemptTTL bounds how long an attempt counter can outlive its work
// item. Matches the ingestion staleness window.
const attemptTTL = 24 * time.Hour

// AttemptStore tracks per-message delivery counts.
type AttemptStore interface {
	Increment(ctx context.Context, key string, ttl time.Duration) (int, error)
	Delete(ctx context.Context, key string) error
}

// RunStore records in-flight run metadata for the retrieval stage.
type RunStore interface {
	SetUntil(ctx context.Context, key, value string, expiresAt time.Time) error
}

// WorkQueue is the queue contract the worker depends on: forwarding the
// next-stage item and extending the lease of the current one.
type WorkQueue interface {
	Send(ctx context.Context, msg queue.Message) error
	ExtendVisibility(ctx context.Context, receiptHandle string, delay time.Duration) error
}

// RunClient starts assistant runs.
type RunClient interface {
	CreateRun(ctx context.Context, threadID string, req openai.RunRequest) (openai.Run, error)
}

// Delivery is one queue delivery as seen by the worker, decoupled from
// the Lambda event shape.
type Delivery struct {
	MessageID     string
	ReceiptHandle string
	Body          string
	Origin        string
}

// OutcomeStatus enumerates the terminal states of one delivery.
type OutcomeStatus string

const (
	// OutcomeSucceeded: run created, stage-2 item enqueued, delivery done.
	OutcomeSucceeded OutcomeStatus = "succeeded"
	// OutcomeDropped: non-retryable input, delivery acknowledged with no
	// side effects.
	OutcomeDropped OutcomeStatus = "dropped"
	// OutcomeRetry: delivery must not be acknowledged; the lease has been
	// extended (Delay > 0) or left to lapse on its own (Delay == 0).
	OutcomeRetry OutcomeStatus = "retry"
)

// Outcome reports how one delivery resolved.
type Outcome struct {
	Status  OutcomeStatus
	Attempt int
	Delay   time.Duration
	RunID   string
	Reason  string
}

// RunCreateService implements the run-creation stage worker. It is safe
// to invoke more than once for the same logical item; the queue's
// at-least-once delivery is the operating assumption. There is no
// in-process attempt ceiling: bounding retries is delegated to the
// queue's redrive policy.
type RunCreateService struct {
	attempts AttemptStore
	runs     RunStore
	queue    WorkQueue
	client   RunClient
	backoff  Backoff
	log      *slog.Logger
}

// NewRunCreateService validates and wires the worker's dependencies.
func NewRunCreateService(attempts AttemptStore, runs RunStore, q WorkQueue, client RunClient, backoff Backoff, log *slog.Logger) (*RunCreateService, error) {
	if attempts == nil {
		return nil, errors.New("pipeline: attempt store must not be nil")
	}
	if runs == nil {
		return nil, errors.New("pipeline: run store must not be nil")
	}
	if q == nil {
		return nil, errors.New("pipeline: queue must not be nil")
	}
	if client == nil {
		return nil, errors.New("pipeline: run client must not be nil")
	}
	if backoff == nil {
		backoff = NewExponentialBackoff()
	}
	if log == nil {
		log = slog.Default()
	}
	return &RunCreateService{
		attempts: attempts,
		runs:     runs,
		queue:    q,
		client:   client,
		backoff:  backoff,
		log:      log,
	}, nil
}

// ProcessDelivery handles one stage-1 delivery end to end.
func (s *RunCreateService) ProcessDelivery(ctx context.Context, d Delivery) (Outcome, error) {
	// Every delivery, including the first, counts. The counter is only
	// removed on terminal success so redeliveries continue the sequence.
	attempt, err := s.attempts.Increment(ctx, d.MessageID, attemptTTL)
	if err != nil {
		// Without an attempt number there is no backoff to compute; leave
		// the lease untouched and let it lapse into redelivery.
		return Outcome{Status: OutcomeRetry, Reason: "attempt_count_failed"},
			newError(ErrorInternal, "attempt_increment", err)
	}
	s.log.Info("run create delivery", "message_id", d.MessageID, "attempt", attempt)

	if d.Origin != domain.OriginTelegram {
		s.log.Error("unrecognized work item origin", "message_id", d.MessageID, "origin", d.Origin)
		return Outcome{Status: OutcomeDropped, Attempt: attempt, Reason: "unknown_origin"}, nil
	}

	var item domain.RunCreateItem
	if err := json.Unmarshal([]byte(d.Body), &item); err != nil {
		s.log.Error("malformed work item", "message_id", d.MessageID, "err", err)
		return Outcome{Status: OutcomeDropped, Attempt: attempt, Reason: "malformed_item"}, nil
	}

	run, err := s.client.CreateRun(ctx, item.ThreadID, openai.RunRequest{
		AssistantID:            item.AssistantID,
		Model:                  runModel,
		AdditionalInstructions: telegramInstructions,
		Tools:                  telegramTools(),
	})
	if err != nil {
		return s.retry(ctx, d, attempt, newError(ErrorUpstream, "run_create", err))
	}

	// Best-effort side writes: neither blocks the success path.
	if err := s.runs.SetUntil(ctx, domain.RunKey(run.ID), run.ID, time.Unix(run.ExpiresAt, 0)); err != nil {
		s.log.Error("run record write failed", "run_id", run.ID, "err", err)
	}
	if err := s.attempts.Delete(ctx, d.MessageID); err != nil {
		s.log.Error("attempt counter delete failed", "message_id", d.MessageID, "err", err)
	}

	next, err := json.Marshal(domain.RunRetrieveItem{
		ThreadID:    item.ThreadID,
		RunID:       run.ID,
		AssistantID: item.AssistantID,
		Token:       item.Token,
		ChatID:      item.ChatID,
		Message:     item.Message,
		Intent:      domain.IntentRunRetrieve,
	})
	if err != nil {
		return s.retry(ctx, d, attempt, newError(ErrorInternal, "marshal_next_item", err))
	}

	// Same ordering group as stage 1 so retrieval for this conversation
	// cannot race a later stage-1 item of the same thread. Deduplication
	// is content-based here.
	if err := s.queue.Send(ctx, queue.Message{
		Body:    string(next),
		GroupID: domain.GroupKey(item.AssistantID, item.ThreadID),
		Attributes: map[string]string{
			domain.AttrIntent: domain.IntentRunRetrieve,
		},
	}); err != nil {
		return s.retry(ctx, d, attempt, newError(ErrorUpstream, "enqueue_retrieve", err))
	}

	s.log.Info("run created", "run_id", run.ID, "thread_id", item.ThreadID)
	return Outcome{Status: OutcomeSucceeded, Attempt: attempt, RunID: run.ID}, nil
}

// retry extends the current delivery's lease by the backoff delay for
// this attempt and reports a retry outcome. The work item is not deleted
// and the attempt counter is deliberately retained.
func (s *RunCreateService) retry(ctx context.Context, d Delivery, attempt int, cause error) (Outcome, error) {
	delay := s.backoff.Delay(attempt - 1)
	if err := s.queue.ExtendVisibility(ctx, d.ReceiptHandle, delay); err != nil {
		// Lease untouched; the default visibility timeout drives the
		// redelivery instead.
		s.log.Error("visibility extension failed", "message_id", d.MessageID, "err", err)
	}
	s.log.Warn("run create failed, awaiting redelivery",
		"message_id", d.MessageID, "attempt", attempt, "delay", delay, "err", cause)
	return Outcome{Status: OutcomeRetry, Attempt: attempt, Delay: delay, Reason: "upstream_failure"}, cause
}
