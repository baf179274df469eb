package pipeline

import (
	"encoding/json"

	"assistant-pipeline/internal/integrations/openai"
)

// runModel is the model pinned for webhook-originated runs.
const runModel = "gpt-3.5-turbo-0125"

// telegramInstructions frames the run for the channel it will answer on.
const telegramInstructions = "You are a telegram bot now. You will receive a update from telegram API. " +
	"Then, you should send message to target chat."

// telegramTools returns the fixed tool configuration for Telegram runs:
// a single sendMessage function the assistant calls to reply into the
// originating chat.
func telegramTools() []openai.Tool {
	return []openai.Tool{
		{
			Type: "function",
			Function: json.RawMessage(`{
				"name": "sendMessage",
				"description": "Send a text message to the target telegram chat.",
				"parameters": {
					"type": "object",
					"properties": {
						"chat_id": {
							"type": "integer",
							"description": "Unique identifier for the target chat"
						},
						"text": {
							"type": "string",
							"description": "Text of the message to be sent"
						}
					},
					"required": ["chat_id", "text"]
				}
			}`),
		},
	}
}
