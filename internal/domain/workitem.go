package domain

import "fmt"

// Queue message attribute names and values.
const (
	AttrIntent = "intent"
	AttrFrom   = "from"

	IntentRunCreate   = "threads.runs.create"
	IntentRunRetrieve = "threads.runs.retrieve"

	OriginTelegram = "telegram"
)

// RunCreateItem is the stage-1 work item enqueued by the webhook gateway
// and consumed by the run-creation worker.
type RunCreateItem struct {
	ThreadID    string `json:"thread_id"`
	AssistantID string `json:"assistant_id"`
	UpdateID    int64  `json:"update_id"`
	Token       string `json:"token"`
	ChatID      int64  `json:"chat_id"`
	Message     string `json:"message,omitempty"`
}

// RunRetrieveItem is the stage-2 work item produced on successful run
// creation and consumed by the retrieval worker.
type RunRetrieveItem struct {
	ThreadID    string `json:"thread_id"`
	RunID       string `json:"run_id"`
	AssistantID string `json:"assistant_id"`
	Token       string `json:"token"`
	ChatID      int64  `json:"chat_id"`
	Message     string `json:"message"`
	Intent      string `json:"intent"`
}

// GroupKey returns the FIFO ordering group for a conversation. Messages
// sharing a group are delivered serially and in order, which is what keeps
// two work items for the same thread from racing.
func GroupKey(assistantID, threadID string) string {
	return fmt.Sprintf("%s-%s", assistantID, threadID)
}

// DedupKey returns the stage-1 deduplication id. Telegram may redeliver
// the same update; an unchanged key makes the queue reject the duplicate.
func DedupKey(assistantID, threadID string, updateID int64) string {
	return fmt.Sprintf("%s-%s-%d", assistantID, threadID, updateID)
}

// Cache key builders. The namespace is shared with the retrieval stage.

func AssistantKey(token string) string {
	return "ASST_ID#" + token
}

func ThreadKey(assistantID string, chatID int64) string {
	return fmt.Sprintf("%s:telegram:%d:thread_id", assistantID, chatID)
}

func RunKey(runID string) string {
	return "RUN#" + runID
}
