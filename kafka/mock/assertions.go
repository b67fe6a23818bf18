package mockkafka

import (
	"bytes"
	"testing"

	"github.com/budiholan-github/enhance-kafka-client/kafka"
	"github.com/stretchr/testify/require"
)

// AssertProducedCount verifies that exactly n records were produced.
func (c *Client) AssertProducedCount(tb testing.TB, expected int) {
	tb.Helper()

	actual := len(c.ProducedRecords())
	require.Equal(tb, expected, actual, "expected %d records, got %d", expected, actual)
}

// AssertProducedCountForTopic verifies that exactly n records were produced
// to a topic.
func (c *Client) AssertProducedCountForTopic(tb testing.TB, topic string, expected int) {
	tb.Helper()

	actual := len(c.ProducedRecordsForTopic(topic))
	require.Equal(tb, expected, actual, "expected %d records produced to topic %q, got %d", expected, topic, actual)
}

// AssertProduced verifies that a record with the given key and value was
// produced to the topic.
func (c *Client) AssertProduced(tb testing.TB, topic string, key, value []byte) {
	tb.Helper()

	for _, r := range c.ProducedRecordsForTopic(topic) {
		if bytes.Equal(r.Key, key) && bytes.Equal(r.Value, value) {
			return
		}
	}

	tb.Errorf(
		"expected record with key=%q value=%q to be produced to topic %q, but it was not found",
		string(key), string(value), topic,
	)
}

// AssertProducedString is a convenience method for string keys and values.
func (c *Client) AssertProducedString(tb testing.TB, topic, key, value string) {
	tb.Helper()
	c.AssertProduced(tb, topic, []byte(key), []byte(value))
}

// AssertNotProduced verifies that no record with the given key was produced
// to the topic.
func (c *Client) AssertNotProduced(tb testing.TB, topic string, key []byte) {
	tb.Helper()

	for _, r := range c.ProducedRecordsForTopic(topic) {
		if bytes.Equal(r.Key, key) {
			tb.Errorf(
				"expected no record with key=%q to be produced to topic %q, but found value=%q",
				string(key), topic, string(r.Value),
			)
			return
		}
	}
}

// AssertCommittedOffset verifies that a specific offset was committed.
func (c *Client) AssertCommittedOffset(tb testing.TB, tp kafka.TopicPartition, expectedOffset int64) {
	tb.Helper()

	actual, ok := c.CommittedOffset(tp)
	require.True(
		tb, ok,
		"expected offset %d to be committed for %s-%d, but none found",
		expectedOffset, tp.Topic, tp.Partition,
	)

	require.Equal(
		tb, expectedOffset, actual.Offset, "expected offset %d to be committed for %s-%d, got %d", expectedOffset,
		tp.Topic, tp.Partition, actual.Offset,
	)
}

// AssertNoCommittedOffset verifies that nothing was committed for the
// partition.
func (c *Client) AssertNoCommittedOffset(tb testing.TB, tp kafka.TopicPartition) {
	tb.Helper()

	actual, ok := c.CommittedOffset(tp)
	require.False(
		tb, ok,
		"expected no committed offset for %s-%d, but found %d",
		tp.Topic, tp.Partition, actual.Offset,
	)
}

// AssertSubscribed verifies that the client is subscribed to the given
// topics.
func (c *Client) AssertSubscribed(tb testing.TB, topics ...string) {
	tb.Helper()

	subMap := make(map[string]bool)
	for _, s := range c.Subscriptions() {
		subMap[s] = true
	}

	for _, topic := range topics {
		if !subMap[topic] {
			tb.Errorf("expected client to be subscribed to topic %q, but it is not", topic)
		}
	}
}

// AssertHeader verifies that a produced record with the given key carries a
// specific header.
func (c *Client) AssertHeader(tb testing.TB, topic string, key []byte, headerKey string, headerValue []byte) {
	tb.Helper()

	for _, r := range c.ProducedRecordsForTopic(topic) {
		if !bytes.Equal(r.Key, key) {
			continue
		}

		actual, ok := kafka.HeaderValue(r.Headers, headerKey)
		require.True(tb, ok, "record with key=%q missing header %q", string(key), headerKey)
		require.True(
			tb, bytes.Equal(actual, headerValue), "record with key=%q has header %q=%q, expected %q", string(key),
			headerKey, string(actual), string(headerValue),
		)
		return
	}

	tb.Errorf("no record with key=%q found in topic %q", string(key), topic)
}

// AssertPaused verifies that the given partitions are currently paused.
func (c *Client) AssertPaused(tb testing.TB, partitions ...kafka.TopicPartition) {
	tb.Helper()

	pausedMap := make(map[kafka.TopicPartition]bool)
	for _, tp := range c.Paused() {
		pausedMap[tp] = true
	}

	for _, tp := range partitions {
		if !pausedMap[tp] {
			tb.Errorf("expected partition %s-%d to be paused, but it is not", tp.Topic, tp.Partition)
		}
	}
}

// AssertNotPaused verifies that the given partitions are not paused.
func (c *Client) AssertNotPaused(tb testing.TB, partitions ...kafka.TopicPartition) {
	tb.Helper()

	pausedMap := make(map[kafka.TopicPartition]bool)
	for _, tp := range c.Paused() {
		pausedMap[tp] = true
	}

	for _, tp := range partitions {
		if pausedMap[tp] {
			tb.Errorf("expected partition %s-%d to not be paused, but it is", tp.Topic, tp.Partition)
		}
	}
}
