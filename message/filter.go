package message

import "github.com/budiholan-github/enhance-kafka-client/kafka"

// Filter decides message delivery before records reach the partition buffers.
// PermitAll lets implementations short-circuit the per-record check.
type Filter interface {
	PermitAll() bool
	CanDeliver(value []byte, headers []kafka.Header) bool
}

type permitAllFilter struct{}

func (permitAllFilter) PermitAll() bool { return true }

func (permitAllFilter) CanDeliver([]byte, []kafka.Header) bool { return true }

// PermitAllFilter passes every message through.
func PermitAllFilter() Filter {
	return permitAllFilter{}
}

// FilterFunc adapts a predicate into a Filter.
type FilterFunc func(value []byte, headers []kafka.Header) bool

func (f FilterFunc) PermitAll() bool { return false }

func (f FilterFunc) CanDeliver(value []byte, headers []kafka.Header) bool {
	return f(value, headers)
}
