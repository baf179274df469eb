package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"assistant-pipeline/internal/domain"
	"assistant-pipeline/internal/queue"
)

const (
	// Updates older than this relative to processing time are dropped.
	stalenessWindow = 24 * time.Hour

	// resetCommand rotates the conversation's thread.
	resetCommand = "/start"
)

// StateStore is the conversation-state contract the gateway depends on.
type StateStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Enqueuer submits work items to the FIFO queue.
type Enqueuer interface {
	Send(ctx context.Context, msg queue.Message) error
}

// ThreadClient is the subset of the assistant API the gateway uses.
type ThreadClient interface {
	CreateThread(ctx context.Context) (string, error)
	DeleteThread(ctx context.Context, threadID string) error
	AddMessage(ctx context.Context, threadID, content string) error
}

type IngestAction string

const (
	ActionDropped IngestAction = "dropped"
	ActionQueued  IngestAction = "queued"
)

// IngestOutcome reports what the gateway did with one inbound update.
// The HTTP response is always 200 regardless; the outcome exists for
// logging and tests.
type IngestOutcome struct {
	Action   IngestAction
	Reason   string
	ThreadID string
}

// IngestService implements the webhook gateway core: filter, token
// authorization, thread resolution/rotation, and the dual write of the
// user content plus the stage-1 work item.
type IngestService struct {
	state     StateStore
	queue     Enqueuer
	assistant ThreadClient
	log       *slog.Logger

	now func() time.Time
}

// NewIngestService validates and wires the gateway's dependencies.
func NewIngestService(state StateStore, q Enqueuer, assistant ThreadClient, log *slog.Logger) (*IngestService, error) {
	if state == nil {
		return nil, errors.New("pipeline: state store must not be nil")
	}
	if q == nil {
		return nil, errors.New("pipeline: queue must not be nil")
	}
	if assistant == nil {
		return nil, errors.New("pipeline: assistant client must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &IngestService{
		state:     state,
		queue:     q,
		assistant: assistant,
		log:       log,
		now:       time.Now,
	}, nil
}

// Process handles one inbound webhook payload addressed by token. It
// never returns an error to be surfaced to Telegram; the returned error
// is for the caller's logging only and the outcome says what happened.
func (s *IngestService) Process(ctx context.Context, token string, payload []byte) (IngestOutcome, error) {
	var update domain.Update
	if err := json.Unmarshal(payload, &update); err != nil {
		return dropped("malformed_payload"), nil
	}
	if update.Message == nil {
		return dropped("missing_message"), nil
	}

	// Groups, bots and updates older than the staleness window are never
	// processed.
	msg := update.Message
	if msg.Chat.ID < 0 {
		return dropped("group_chat"), nil
	}
	if msg.From.IsBot {
		return dropped("bot_sender"), nil
	}
	if msg.Date < s.now().Add(-stalenessWindow).Unix() {
		return dropped("stale_update"), nil
	}

	assistantID, err := s.state.Get(ctx, domain.AssistantKey(token))
	if err != nil {
		return dropped("state_read_failed"), newError(ErrorInternal, "assistant_lookup", err)
	}
	if assistantID == "" {
		return dropped("unregistered_token"), nil
	}

	threadID, err := s.resolveThread(ctx, assistantID, msg)
	if err != nil {
		return dropped("thread_create_failed"), err
	}

	item, err := json.Marshal(domain.RunCreateItem{
		ThreadID:    threadID,
		AssistantID: assistantID,
		UpdateID:    update.UpdateID,
		Token:       token,
		ChatID:      msg.Chat.ID,
	})
	if err != nil {
		return dropped("marshal_failed"), newError(ErrorInternal, "marshal_work_item", err)
	}

	// Dual write: the user content goes to the thread and the work item
	// to the queue, concurrently. Neither failure reaches the caller;
	// losing the enqueue here is the accepted best-effort gap at this
	// boundary since Telegram has no useful retry of its own.
	var g errgroup.Group
	var msgErr, sendErr error
	g.Go(func() error {
		msgErr = s.assistant.AddMessage(ctx, threadID, string(payload))
		return nil
	})
	g.Go(func() error {
		sendErr = s.queue.Send(ctx, queue.Message{
			Body:    string(item),
			GroupID: domain.GroupKey(assistantID, threadID),
			DedupID: domain.DedupKey(assistantID, threadID, update.UpdateID),
			Attributes: map[string]string{
				domain.AttrIntent: domain.IntentRunCreate,
				domain.AttrFrom:   domain.OriginTelegram,
			},
		})
		return nil
	})
	_ = g.Wait()

	if msgErr != nil {
		s.log.Error("thread message write failed", "thread_id", threadID, "err", msgErr)
	}
	if sendErr != nil {
		s.log.Error("work item enqueue failed", "thread_id", threadID, "err", sendErr)
		return IngestOutcome{Action: ActionDropped, Reason: "enqueue_failed", ThreadID: threadID},
			newError(ErrorInternal, "enqueue", sendErr)
	}

	return IngestOutcome{Action: ActionQueued, ThreadID: threadID}, nil
}

// resolveThread returns the conversation's current thread, creating one
// when none exists or when the update is an explicit reset command. On
// reset the superseded thread is deleted best-effort before the new one
// is persisted.
func (s *IngestService) resolveThread(ctx context.Context, assistantID string, msg *domain.Message) (string, error) {
	key := domain.ThreadKey(assistantID, msg.Chat.ID)
	threadID, err := s.state.Get(ctx, key)
	if err != nil {
		return "", newError(ErrorInternal, "thread_lookup", err)
	}

	reset := strings.TrimSpace(msg.Text) == resetCommand
	if threadID != "" && !reset {
		return threadID, nil
	}

	if threadID != "" {
		if delErr := s.assistant.DeleteThread(ctx, threadID); delErr != nil {
			// Old thread leaks on the provider side but is superseded here.
			s.log.Warn("superseded thread delete failed", "thread_id", threadID, "err", delErr)
		}
	}

	newID, err := s.assistant.CreateThread(ctx)
	if err != nil {
		return "", newError(ErrorSessionCreate, "thread_create", err)
	}
	if err := s.state.Set(ctx, key, newID, 0); err != nil {
		return "", newError(ErrorInternal, "thread_persist", err)
	}
	return newID, nil
}

func dropped(reason string) IngestOutcome {
	return IngestOutcome{Action: ActionDropped, Reason: reason}
}
