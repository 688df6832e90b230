package domain

import "time"

// InboundUpdate is the decoded webhook body for one end-user message.
type InboundUpdate struct {
	ThreadRef       string `json:"thread_ref"`
	AgentRef        string `json:"agent_ref"`
	EndUserKey      string `json:"end_user_key"`
	MessageText     string `json:"message_text"`
	ConversationRef string `json:"conversation_ref,omitempty"`
}

// TurnRecord is one coalesced unit of user input to be answered by the
// agent. Created once by the accept path and never mutated afterwards.
type TurnRecord struct {
	TurnID          string
	EndUserKey      string
	ThreadRef       string
	AgentRef        string
	MessageText     string
	ConversationRef string
	ReceivedAt      time.Time
}
