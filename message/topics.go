package message

import "strings"

const (
	retryTopicPrefix      = "%RETRY%"
	deadLetterTopicPrefix = "%DLQ%"
	delayTopicPrefix      = "%SYS_DELAY%"
)

// RetryTopic names the per-group topic messages are republished onto for
// later re-consumption.
func RetryTopic(group string) string {
	return retryTopicPrefix + group
}

// DeadLetterTopic names the per-group terminus for messages that exceeded
// MaxReconsumeCount retries.
func DeadLetterTopic(group string) string {
	return deadLetterTopicPrefix + group
}

func IsRetryTopic(topic string) bool {
	return strings.HasPrefix(topic, retryTopicPrefix)
}

func IsDeadLetterTopic(topic string) bool {
	return strings.HasPrefix(topic, deadLetterTopicPrefix)
}

func IsDelayTopic(topic string) bool {
	return strings.HasPrefix(topic, delayTopicPrefix)
}

// IsSystemTopic reports whether a topic belongs to the retry pipeline rather
// than the application.
func IsSystemTopic(topic string) bool {
	return IsRetryTopic(topic) || IsDeadLetterTopic(topic) || IsDelayTopic(topic)
}
