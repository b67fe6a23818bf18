package message

import "time"

// The delay ladder. Level n (1-based) maps to delayLevels[n-1]; each level
// has a dedicated broker topic replayed by the delay service.
var delayLevels = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	1 * time.Minute,
	2 * time.Minute,
	3 * time.Minute,
	4 * time.Minute,
	5 * time.Minute,
	6 * time.Minute,
	7 * time.Minute,
	8 * time.Minute,
	9 * time.Minute,
	10 * time.Minute,
	20 * time.Minute,
	30 * time.Minute,
	1 * time.Hour,
	2 * time.Hour,
}

const (
	// MaxDelayLevel is the deepest rung of the ladder.
	MaxDelayLevel = 18

	// MaxReconsumeCount is the retry ceiling before a message is routed to
	// the dead-letter topic.
	MaxReconsumeCount = 16
)

// DelayForLevel returns the replay delay for a ladder level.
func DelayForLevel(level int) (time.Duration, bool) {
	if level < 1 || level > MaxDelayLevel {
		return 0, false
	}
	return delayLevels[level-1], true
}

// ClampDelayLevel pins a level into [1, MaxDelayLevel].
func ClampDelayLevel(level int) int {
	if level < 1 {
		return 1
	}
	if level > MaxDelayLevel {
		return MaxDelayLevel
	}
	return level
}

// ValidDelayLevel reports whether level indexes the ladder.
func ValidDelayLevel(level int) bool {
	return level >= 1 && level <= MaxDelayLevel
}

var delayLevelNames = []string{
	"1s", "5s", "10s", "30s",
	"1m", "2m", "3m", "4m", "5m", "6m", "7m", "8m", "9m", "10m", "20m", "30m",
	"1h", "2h",
}

// DelayTopicForLevel returns the shared delay topic for a ladder level.
func DelayTopicForLevel(level int) (string, bool) {
	if !ValidDelayLevel(level) {
		return "", false
	}
	return delayTopicPrefix + delayLevelNames[level-1], true
}
