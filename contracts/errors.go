package contracts

type QueueError string

const ErrNoNewMessage QueueError = "no new message"
const ErrMessageNotFound QueueError = "message not found"

func (e QueueError) Error() string { return string(e) }
