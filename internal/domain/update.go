package domain

// Update is the subset of a Telegram webhook update consulted by the
// pipeline. Unknown fields are ignored on decode so Telegram can evolve
// its payload without breaking ingestion.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// Message carries the fields used for filtering and routing.
type Message struct {
	Chat Chat   `json:"chat"`
	From Sender `json:"from"`
	Date int64  `json:"date"`
	Text string `json:"text"`
}

// Chat identifies the Telegram conversation. Negative IDs are groups and
// channels, which the pipeline never processes.
type Chat struct {
	ID int64 `json:"id"`
}

// Sender is the originating Telegram account.
type Sender struct {
	IsBot bool `json:"is_bot"`
}
