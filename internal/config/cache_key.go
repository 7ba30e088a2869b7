package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// UserSessionKey returns the cache key holding a student's active token ID.
func (r *CacheKeyStruct) UserSessionKey(userID int) string {
	return fmt.Sprintf("login:%d", userID)
}

// TestDefinitionKey returns the cache key for a published test's student-facing definition.
func (r *CacheKeyStruct) TestDefinitionKey(testID string) string {
	return fmt.Sprintf("test:%s:definition", testID)
}

// TestAnswerKey returns the cache key for a test's objective answer key hash.
// Hash field is "<section_id>", value is the JSON answer key of that section.
func (r *CacheKeyStruct) TestAnswerKey(testID string) string {
	return fmt.Sprintf("test:%s:key", testID)
}

// AttemptStartKey returns the cache key for an attempt's start time (unix seconds).
func (r *CacheKeyStruct) AttemptStartKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:started_at", attemptID)
}

// AttemptDraftsKey returns the cache key for an attempt's autosaved answers.
func (r *CacheKeyStruct) AttemptDraftsKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:drafts", attemptID)
}

// AttemptLiveKey marks an attempt that currently has a live websocket session.
func (r *CacheKeyStruct) AttemptLiveKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:live", attemptID)
}

// TestMonitorChannel returns the Redis PubSub channel name for a test's live monitor.
func (r *CacheKeyStruct) TestMonitorChannel(testID string) string {
	return fmt.Sprintf("test:%s:monitor", testID)
}

// RateLimitKey returns the fixed-window counter for a client and route group.
func (r *CacheKeyStruct) RateLimitKey(scope, client string, window int64) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", scope, client, window)
}

var CacheKey = NewCacheKeyStruct()
