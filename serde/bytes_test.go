package serde_test

import (
	"testing"

	"github.com/budiholan-github/enhance-kafka-client/serde"
	"github.com/stretchr/testify/require"
)

func TestBytesSerde_Identity(t *testing.T) {
	s := serde.Bytes()
	input := []byte{0x00, 0x01, 0xff}

	encoded, err := s.Serialise("test-topic", input)
	require.NoError(t, err)
	require.Equal(t, input, encoded)

	decoded, err := s.Deserialise("test-topic", encoded)
	require.NoError(t, err)
	require.Equal(t, input, decoded)
}
