package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// AttemptSnapshotKey returns the client-side session cache key for an attempt's local state.
func (r *CacheKeyStruct) AttemptSnapshotKey(attemptID string) string {
	return fmt.Sprintf("client:attempt:%s:snapshot", attemptID)
}

// AttemptPaperKey returns the cache key for an attempt's frozen exam paper (order already applied).
func (r *CacheKeyStruct) AttemptPaperKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:paper", attemptID)
}

// AttemptSubmitLockKey returns the key of the per-attempt submit lock.
func (r *CacheKeyStruct) AttemptSubmitLockKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:submit_lock", attemptID)
}

// AttemptViolationCountKey returns the key holding the last violation count streamed by the client.
func (r *CacheKeyStruct) AttemptViolationCountKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:violations", attemptID)
}

// ExamQuestionsKey returns the cache key for an exam's question set in authoring order.
func (r *CacheKeyStruct) ExamQuestionsKey(examID string) string {
	return fmt.Sprintf("exam:%s:questions", examID)
}

var CacheKey = NewCacheKeyStruct()
