package message_test

import (
	"bytes"
	"testing"

	"github.com/budiholan-github/enhance-kafka-client/kafka"
	"github.com/budiholan-github/enhance-kafka-client/message"
	"github.com/stretchr/testify/assert"
)

func TestPermitAllFilter(t *testing.T) {
	f := message.PermitAllFilter()
	assert.True(t, f.PermitAll())
	assert.True(t, f.CanDeliver([]byte("anything"), nil))
}

func TestFilterFunc(t *testing.T) {
	f := message.FilterFunc(func(value []byte, headers []kafka.Header) bool {
		return bytes.HasPrefix(value, []byte("keep"))
	})

	assert.False(t, f.PermitAll())
	assert.True(t, f.CanDeliver([]byte("keep me"), nil))
	assert.False(t, f.CanDeliver([]byte("drop me"), nil))
}
