package v1

// BroadcastRecipient addresses a message to every agent except the sender.
const BroadcastRecipient = "*"

// Message is one inter-agent message. Messages are immutable and are
// persisted to the journal in send order.
type Message struct {
	From      string  `json:"from"`
	To        string  `json:"to"`
	Content   string  `json:"content"`
	Timestamp float64 `json:"timestamp"`
	Seq       int64   `json:"seq,omitempty"`
}

// Broadcast reports whether the message is addressed to all agents.
func (m *Message) Broadcast() bool {
	return m.To == BroadcastRecipient
}
