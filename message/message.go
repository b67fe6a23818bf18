package message

import (
	"strconv"
	"time"

	"github.com/budiholan-github/enhance-kafka-client/kafka"
)

// Reserved header keys carrying the retry pipeline's message properties.
// They ride alongside user headers on republished records.
const (
	HeaderRetryCount       = "x-retry-count"
	HeaderDelayLevel       = "x-delay-level"
	HeaderRealTopic        = "x-real-topic"
	HeaderRealPartition    = "x-real-partition"
	HeaderRealOffset       = "x-real-offset"
	HeaderRealStoreTime    = "x-real-store-time"
	HeaderDelayResendTopic = "x-delay-resend-topic"
)

var reservedHeaders = []string{
	HeaderRetryCount,
	HeaderDelayLevel,
	HeaderRealTopic,
	HeaderRealPartition,
	HeaderRealOffset,
	HeaderRealStoreTime,
	HeaderDelayResendTopic,
}

// Origin is the placement of a message before its first republish. It is
// stamped exactly once and copied verbatim onto every later republish.
type Origin struct {
	Topic     string
	Partition int32
	Offset    int64
	StoreTime time.Time
}

// Message is a consumer record extended with the retry pipeline properties.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	StoreTime time.Time

	// Headers holds the user headers, with reserved keys stripped out.
	Headers []kafka.Header

	RetryCount int
	DelayLevel int
	Origin     *Origin
}

// FromRecord parses a polled record into a Message, lifting reserved headers
// into properties.
func FromRecord(rec kafka.ConsumerRecord) Message {
	msg := Message{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       rec.Key,
		Value:     rec.Value,
		StoreTime: rec.Timestamp,
	}

	for _, h := range rec.Headers {
		switch h.Key {
		case HeaderRetryCount:
			msg.RetryCount = parseInt(h.Value)
		case HeaderDelayLevel:
			msg.DelayLevel = parseInt(h.Value)
		case HeaderRealTopic, HeaderRealPartition, HeaderRealOffset, HeaderRealStoreTime:
			// collected below once all four are visible
		case HeaderDelayResendTopic:
			// routing hint for the delay service, not a user header
		default:
			msg.Headers = append(msg.Headers, h)
		}
	}

	if topic, ok := kafka.HeaderValue(rec.Headers, HeaderRealTopic); ok {
		origin := &Origin{Topic: string(topic)}
		if v, ok := kafka.HeaderValue(rec.Headers, HeaderRealPartition); ok {
			origin.Partition = int32(parseInt(v))
		}
		if v, ok := kafka.HeaderValue(rec.Headers, HeaderRealOffset); ok {
			origin.Offset = parseInt64(v)
		}
		if v, ok := kafka.HeaderValue(rec.Headers, HeaderRealStoreTime); ok {
			origin.StoreTime = time.UnixMilli(parseInt64(v))
		}
		msg.Origin = origin
	}

	return msg
}

// ToHeaders rebuilds the full header set for a republish: user headers plus
// the reserved property headers.
func (m Message) ToHeaders() []kafka.Header {
	headers := make([]kafka.Header, 0, len(m.Headers)+len(reservedHeaders))
	for _, h := range m.Headers {
		headers = append(headers, h)
	}

	headers = kafka.SetHeader(headers, HeaderRetryCount, formatInt(m.RetryCount))
	headers = kafka.SetHeader(headers, HeaderDelayLevel, formatInt(m.DelayLevel))

	if m.Origin != nil {
		headers = kafka.SetHeader(headers, HeaderRealTopic, []byte(m.Origin.Topic))
		headers = kafka.SetHeader(headers, HeaderRealPartition, formatInt(int(m.Origin.Partition)))
		headers = kafka.SetHeader(headers, HeaderRealOffset, []byte(strconv.FormatInt(m.Origin.Offset, 10)))
		headers = kafka.SetHeader(
			headers, HeaderRealStoreTime,
			[]byte(strconv.FormatInt(m.Origin.StoreTime.UnixMilli(), 10)),
		)
	}

	return headers
}

// StampOrigin records the message's current placement as its origin.
// A second call is a no-op: the origin reflects the first placement forever.
func (m *Message) StampOrigin() {
	if m.Origin != nil {
		return
	}
	m.Origin = &Origin{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		StoreTime: m.StoreTime,
	}
}

// Rehydrate returns a copy whose placement fields are restored from the
// stamped origin, so a handler sees the message as it was first published.
// Messages without an origin are returned unchanged.
func (m Message) Rehydrate() Message {
	if m.Origin == nil {
		return m
	}

	out := m
	out.Topic = m.Origin.Topic
	out.Partition = m.Origin.Partition
	out.Offset = m.Origin.Offset
	out.StoreTime = m.Origin.StoreTime
	return out
}

func (m Message) TopicPartition() kafka.TopicPartition {
	return kafka.TopicPartition{Topic: m.Topic, Partition: m.Partition}
}

func parseInt(v []byte) int {
	n, err := strconv.Atoi(string(v))
	if err != nil {
		return 0
	}
	return n
}

func parseInt64(v []byte) int64 {
	n, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func formatInt(n int) []byte {
	return []byte(strconv.Itoa(n))
}
