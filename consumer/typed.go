package consumer

import (
	"github.com/budiholan-github/enhance-kafka-client/message"
	"github.com/budiholan-github/enhance-kafka-client/serde"
)

// TypedMessage pairs a decoded value with the raw message it came from.
// BatchIndex is the message's index in the original batch, for use with
// HandlerContext.AckIndex.
type TypedMessage[T any] struct {
	Value      T
	Message    message.Message
	BatchIndex int
}

// TypedHandler consumes decoded batches. Messages whose values fail to
// deserialize are left out of the batch and flagged as acked, whatever
// status the handler returns.
type TypedHandler[T any] func(messages []TypedMessage[T], hctx *HandlerContext) ConsumeStatus

// NewTypedHandler adapts a TypedHandler into a Handler using the given
// deserialiser for message values. Undecodable messages are treated as
// consumed: replaying them can never succeed.
func NewTypedHandler[T any](de serde.Deserialiser[T], h TypedHandler[T]) Handler {
	return HandlerFunc(func(messages []message.Message, hctx *HandlerContext) ConsumeStatus {
		typed := make([]TypedMessage[T], 0, len(messages))
		for idx, msg := range messages {
			value, err := de.Deserialise(msg.Topic, msg.Value)
			if err != nil {
				hctx.AckIndex(idx)
				continue
			}
			typed = append(typed, TypedMessage[T]{Value: value, Message: msg, BatchIndex: idx})
		}

		if len(typed) == 0 {
			return ConsumeSuccess
		}
		return h(typed, hctx)
	})
}
