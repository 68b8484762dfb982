// Package queue provides the durable grading job queue: at-least-once
// delivery, dedup-by-key, and delayed redelivery for retries.
package queue

import (
	"context"
	"time"

	"reforge/internal/content"
)

// Job is one grading work item. The test suite is snapshotted at enqueue
// time so later lesson edits cannot change what an in-flight submission is
// graded against.
type Job struct {
	SubmissionID string            `json:"submissionId"`
	UserID       string            `json:"userId"`
	Track        string            `json:"track"`
	Day          int               `json:"day"`
	Code         string            `json:"code"`
	Suite        content.TestSuite `json:"suite"`
	Rerun        bool              `json:"rerun,omitempty"`

	// DedupKey is stable per submission (and per rerun attempt) so
	// redundant enqueues never double-charge a worker slot.
	DedupKey string `json:"dedupKey"`

	// Attempt counts deliveries, starting at 1.
	Attempt int `json:"attempt"`

	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Queue is the durable job queue contract.
type Queue interface {
	// Enqueue adds a job. A job whose dedup key is already held is
	// rejected with a DuplicateJob error.
	Enqueue(ctx context.Context, job *Job) error

	// EnqueueDelayed schedules a redelivery after the given delay. It
	// bypasses dedup: the key is still held by the original enqueue.
	EnqueueDelayed(ctx context.Context, job *Job, delay time.Duration) error

	// Dequeue blocks until a job is available or ctx is done.
	Dequeue(ctx context.Context) (*Job, error)

	// Release frees a job's dedup key once its outcome is terminal,
	// allowing a future rerun to enqueue.
	Release(ctx context.Context, dedupKey string) error

	Close() error
}
