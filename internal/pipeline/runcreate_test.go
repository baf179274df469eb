package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"assistant-pipeline/internal/domain"
	"assistant-pipeline/internal/integrations/openai"
	"assistant-pipeline/internal/queue"
)

type mockAttempts struct {
	count   int
	incrErr error
	delErr  error
	deleted []string
}

func (m *mockAttempts) Increment(_ context.Context, _ string, _ time.Duration) (int, error) {
	if m.incrErr != nil {
		return 0, m.incrErr
	}
	m.count++
	return m.count, nil
}

func (m *mockAttempts) Delete(_ context.Context, key string) error {
	if m.delErr != nil {
		return m.delErr
	}
	m.deleted = append(m.deleted, key)
	return nil
}

type mockRuns struct {
	setErr  error
	key     string
	value   string
	expires time.Time
}

func (m *mockRuns) SetUntil(_ context.Context, key, value string, expiresAt time.Time) error {
	if m.setErr != nil {
		return m.setErr
	}
	m.key = key
	m.value = value
	m.expires = expiresAt
	return nil
}

type mockWorkQueue struct {
	sendErr    error
	visErr     error
	sent       []queue.Message
	extensions []time.Duration
	receipts   []string
}

func (m *mockWorkQueue) Send(_ context.Context, msg queue.Message) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockWorkQueue) ExtendVisibility(_ context.Context, receiptHandle string, delay time.Duration) error {
	m.receipts = append(m.receipts, receiptHandle)
	m.extensions = append(m.extensions, delay)
	return m.visErr
}

type runResult struct {
	run openai.Run
	err error
}

type mockRunClient struct {
	results []runResult
	calls   int
	lastReq openai.RunRequest
}

func (m *mockRunClient) CreateRun(_ context.Context, _ string, req openai.RunRequest) (openai.Run, error) {
	m.lastReq = req
	idx := m.calls
	if idx >= len(m.results) {
		idx = len(m.results) - 1
	}
	m.calls++
	return m.results[idx].run, m.results[idx].err
}

func succeedWith(run openai.Run) *mockRunClient {
	return &mockRunClient{results: []runResult{{run: run}}}
}

func stage1Body(t *testing.T) string {
	t.Helper()
	raw, err := json.Marshal(domain.RunCreateItem{
		ThreadID:    "thread-S",
		AssistantID: "asst-A",
		UpdateID:    1,
		Token:       "tok-T",
		ChatID:      42,
	})
	require.NoError(t, err)
	return string(raw)
}

func telegramDelivery(t *testing.T) Delivery {
	t.Helper()
	return Delivery{
		MessageID:     "msg-1",
		ReceiptHandle: "receipt-1",
		Body:          stage1Body(t),
		Origin:        domain.OriginTelegram,
	}
}

func newWorker(t *testing.T, attempts *mockAttempts, runs *mockRuns, q *mockWorkQueue, client *mockRunClient) *RunCreateService {
	t.Helper()
	svc, err := NewRunCreateService(attempts, runs, q, client,
		ExponentialBackoff{Base: 10 * time.Second, Cap: 15 * time.Minute}, slog.Default())
	require.NoError(t, err)
	return svc
}

func TestNewRunCreateService_ValidatesDependencies(t *testing.T) {
	_, err := NewRunCreateService(nil, &mockRuns{}, &mockWorkQueue{}, &mockRunClient{}, nil, nil)
	require.Error(t, err)
	_, err = NewRunCreateService(&mockAttempts{}, nil, &mockWorkQueue{}, &mockRunClient{}, nil, nil)
	require.Error(t, err)
	_, err = NewRunCreateService(&mockAttempts{}, &mockRuns{}, nil, &mockRunClient{}, nil, nil)
	require.Error(t, err)
	_, err = NewRunCreateService(&mockAttempts{}, &mockRuns{}, &mockWorkQueue{}, nil, nil, nil)
	require.Error(t, err)
}

func TestProcessDelivery_Success(t *testing.T) {
	attempts := &mockAttempts{}
	runs := &mockRuns{}
	q := &mockWorkQueue{}
	client := succeedWith(openai.Run{ID: "run-1", ExpiresAt: 1_700_000_600})
	svc := newWorker(t, attempts, runs, q, client)

	out, err := svc.ProcessDelivery(context.Background(), telegramDelivery(t))
	require.NoError(t, err)
	require.Equal(t, OutcomeSucceeded, out.Status)
	require.Equal(t, 1, out.Attempt)
	require.Equal(t, "run-1", out.RunID)

	// Run record persisted until the run's expiry.
	require.Equal(t, "RUN#run-1", runs.key)
	require.Equal(t, "run-1", runs.value)
	require.Equal(t, time.Unix(1_700_000_600, 0), runs.expires)

	// Counter removed on terminal success.
	require.Equal(t, []string{"msg-1"}, attempts.deleted)

	// Exactly one stage-2 item, same ordering group, run id populated.
	require.Len(t, q.sent, 1)
	msg := q.sent[0]
	require.Equal(t, "asst-A-thread-S", msg.GroupID)
	require.Empty(t, msg.DedupID)
	require.Equal(t, "threads.runs.retrieve", msg.Attributes["intent"])

	var next domain.RunRetrieveItem
	require.NoError(t, json.Unmarshal([]byte(msg.Body), &next))
	require.Equal(t, domain.RunRetrieveItem{
		ThreadID:    "thread-S",
		RunID:       "run-1",
		AssistantID: "asst-A",
		Token:       "tok-T",
		ChatID:      42,
		Intent:      "threads.runs.retrieve",
	}, next)

	// No lease extension on success.
	require.Empty(t, q.extensions)
}

func TestProcessDelivery_UsesTelegramRunConfiguration(t *testing.T) {
	client := succeedWith(openai.Run{ID: "run-1"})
	svc := newWorker(t, &mockAttempts{}, &mockRuns{}, &mockWorkQueue{}, client)

	_, err := svc.ProcessDelivery(context.Background(), telegramDelivery(t))
	require.NoError(t, err)
	require.Equal(t, "asst-A", client.lastReq.AssistantID)
	require.Equal(t, "gpt-3.5-turbo-0125", client.lastReq.Model)
	require.Contains(t, client.lastReq.AdditionalInstructions, "telegram bot")
	require.Len(t, client.lastReq.Tools, 1)
	require.Equal(t, "function", client.lastReq.Tools[0].Type)
	require.Contains(t, string(client.lastReq.Tools[0].Function), "sendMessage")
}

func TestProcessDelivery_Failure_ExtendsLeaseAndKeepsCounter(t *testing.T) {
	attempts := &mockAttempts{}
	q := &mockWorkQueue{}
	client := &mockRunClient{results: []runResult{{err: &openai.HTTPStatusError{StatusCode: 429}}}}
	svc := newWorker(t, attempts, &mockRuns{}, q, client)

	out, err := svc.ProcessDelivery(context.Background(), telegramDelivery(t))
	require.Error(t, err)
	require.Equal(t, OutcomeRetry, out.Status)
	require.Equal(t, 1, out.Attempt)
	// First failure backs off by Delay(0).
	require.Equal(t, 10*time.Second, out.Delay)
	require.Equal(t, []time.Duration{10 * time.Second}, q.extensions)
	require.Equal(t, []string{"receipt-1"}, q.receipts)
	// Counter deliberately retained so the next delivery continues the
	// sequence; no stage-2 item.
	require.Empty(t, attempts.deleted)
	require.Empty(t, q.sent)

	var pErr *Error
	require.ErrorAs(t, err, &pErr)
	require.Equal(t, ErrorUpstream, pErr.Code)
}

func TestProcessDelivery_FailFailSucceed(t *testing.T) {
	attempts := &mockAttempts{}
	runs := &mockRuns{}
	q := &mockWorkQueue{}
	client := &mockRunClient{results: []runResult{
		{err: errors.New("unavailable")},
		{err: errors.New("unavailable")},
		{run: openai.Run{ID: "run-1", ExpiresAt: 1_700_000_600}},
	}}
	svc := newWorker(t, attempts, runs, q, client)
	d := telegramDelivery(t)

	out1, err := svc.ProcessDelivery(context.Background(), d)
	require.Error(t, err)
	require.Equal(t, 1, out1.Attempt)
	require.Equal(t, 10*time.Second, out1.Delay)

	out2, err := svc.ProcessDelivery(context.Background(), d)
	require.Error(t, err)
	require.Equal(t, 2, out2.Attempt)
	require.Equal(t, 20*time.Second, out2.Delay)

	out3, err := svc.ProcessDelivery(context.Background(), d)
	require.NoError(t, err)
	require.Equal(t, OutcomeSucceeded, out3.Status)
	require.Equal(t, 3, out3.Attempt)
	require.Equal(t, []string{"msg-1"}, attempts.deleted)
	require.Len(t, q.sent, 1)
}

func TestProcessDelivery_UnknownOrigin_TerminalDrop(t *testing.T) {
	attempts := &mockAttempts{}
	q := &mockWorkQueue{}
	client := succeedWith(openai.Run{ID: "run-1"})
	svc := newWorker(t, attempts, &mockRuns{}, q, client)

	d := telegramDelivery(t)
	d.Origin = "discord"
	out, err := svc.ProcessDelivery(context.Background(), d)
	require.NoError(t, err)
	require.Equal(t, OutcomeDropped, out.Status)
	require.Equal(t, "unknown_origin", out.Reason)
	require.Zero(t, client.calls)
	require.Empty(t, q.sent)
	require.Empty(t, q.extensions)
}

func TestProcessDelivery_MalformedBody_TerminalDrop(t *testing.T) {
	q := &mockWorkQueue{}
	client := succeedWith(openai.Run{ID: "run-1"})
	svc := newWorker(t, &mockAttempts{}, &mockRuns{}, q, client)

	d := telegramDelivery(t)
	d.Body = "not-json"
	out, err := svc.ProcessDelivery(context.Background(), d)
	require.NoError(t, err)
	require.Equal(t, OutcomeDropped, out.Status)
	require.Equal(t, "malformed_item", out.Reason)
	require.Zero(t, client.calls)
}

func TestProcessDelivery_IncrementFailure_RetriesWithoutExtension(t *testing.T) {
	attempts := &mockAttempts{incrErr: errors.New("dynamodb down")}
	q := &mockWorkQueue{}
	svc := newWorker(t, attempts, &mockRuns{}, q, succeedWith(openai.Run{ID: "run-1"}))

	out, err := svc.ProcessDelivery(context.Background(), telegramDelivery(t))
	require.Error(t, err)
	require.Equal(t, OutcomeRetry, out.Status)
	require.Zero(t, out.Delay)
	require.Empty(t, q.extensions)
}

func TestProcessDelivery_RunRecordFailure_IsNonFatal(t *testing.T) {
	attempts := &mockAttempts{}
	runs := &mockRuns{setErr: errors.New("write failed")}
	q := &mockWorkQueue{}
	svc := newWorker(t, attempts, runs, q, succeedWith(openai.Run{ID: "run-1"}))

	out, err := svc.ProcessDelivery(context.Background(), telegramDelivery(t))
	require.NoError(t, err)
	require.Equal(t, OutcomeSucceeded, out.Status)
	require.Len(t, q.sent, 1)
}

func TestProcessDelivery_CounterDeleteFailure_IsNonFatal(t *testing.T) {
	attempts := &mockAttempts{delErr: errors.New("delete failed")}
	q := &mockWorkQueue{}
	svc := newWorker(t, attempts, &mockRuns{}, q, succeedWith(openai.Run{ID: "run-1"}))

	out, err := svc.ProcessDelivery(context.Background(), telegramDelivery(t))
	require.NoError(t, err)
	require.Equal(t, OutcomeSucceeded, out.Status)
	require.Len(t, q.sent, 1)
}

func TestProcessDelivery_Stage2EnqueueFailure_Retries(t *testing.T) {
	q := &mockWorkQueue{sendErr: errors.New("queue down")}
	svc := newWorker(t, &mockAttempts{}, &mockRuns{}, q, succeedWith(openai.Run{ID: "run-1"}))

	out, err := svc.ProcessDelivery(context.Background(), telegramDelivery(t))
	require.Error(t, err)
	require.Equal(t, OutcomeRetry, out.Status)
	require.Equal(t, []time.Duration{10 * time.Second}, q.extensions)
}

func TestProcessDelivery_VisibilityExtensionFailure_StillRetries(t *testing.T) {
	q := &mockWorkQueue{visErr: errors.New("boom")}
	client := &mockRunClient{results: []runResult{{err: errors.New("unavailable")}}}
	svc := newWorker(t, &mockAttempts{}, &mockRuns{}, q, client)

	out, err := svc.ProcessDelivery(context.Background(), telegramDelivery(t))
	require.Error(t, err)
	require.Equal(t, OutcomeRetry, out.Status)
}
