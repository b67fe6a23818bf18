// Package committer decides when acknowledged progress is persisted,
// decoupling ack volume from commit volume.
package committer

type Policy interface {
	// RecordAcked notes that count offsets were acknowledged since the last
	// persist.
	RecordAcked(count int)

	// ShouldPersist reports whether enough progress accumulated to persist.
	ShouldPersist() bool

	// Persisted resets the policy's counters after a persist attempt; ok is
	// false when the attempt failed and the progress is still outstanding.
	Persisted(ok bool)
}
