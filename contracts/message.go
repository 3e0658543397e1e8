package contracts

// Message is a single broker delivery. ReceiveCount tracks how many times the
// broker has handed this message to a consumer; it starts at 1 and grows on
// every reclaim, which is what lets workers detect poison messages.
type Message struct {
	ID           string
	Payload      string
	ReceiveCount int64
}

func NewMessage(id, payload string, receiveCount int64) Message {
	return Message{
		ID:           id,
		Payload:      payload,
		ReceiveCount: receiveCount,
	}
}
