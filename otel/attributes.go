package otel

import (
	"go.opentelemetry.io/otel/attribute"
)

const (
	AttrTopic         = attribute.Key("messaging.destination.name")
	AttrPartition     = attribute.Key("messaging.destination.partition.id")
	AttrPollStatus    = attribute.Key("consume.poll.status")
	AttrHandlerStatus = attribute.Key("consume.handler.status")
)

// Status values
const (
	StatusSuccess    = "success"
	StatusRetryLater = "retry_later"
	StatusError      = "error"
)
