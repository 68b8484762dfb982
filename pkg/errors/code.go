package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Submission module errors
// 12000-12999: Grading & Execution errors
// 13000-13999: Progression module errors
// 14000-14999: Sweeper & Session errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalError      ErrorCode = 10001
	InvalidParams      ErrorCode = 10002
	NotFound           ErrorCode = 10003
	TooManyRequests    ErrorCode = 10006
	ServiceUnavailable ErrorCode = 10007
	Timeout            ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError     ErrorCode = 10100
	RecordNotFound    ErrorCode = 10101
	TransactionFailed ErrorCode = 10103

	// Cache & queue errors (10200-10299)
	CacheError    ErrorCode = 10200
	QueueError    ErrorCode = 10210
	DuplicateJob  ErrorCode = 10211
	QueueClosed   ErrorCode = 10212
	PublishFailed ErrorCode = 10220
	StorageError  ErrorCode = 10230

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Submission Module Errors (11000-11999) ==========

	SubmissionNotFound      ErrorCode = 11000
	SubmissionCreateFailed  ErrorCode = 11001
	CodeTooLarge            ErrorCode = 11002
	TrackNotSupported       ErrorCode = 11003
	DayOutOfRange           ErrorCode = 11004
	SubmissionNotRerunnable ErrorCode = 11005
	LessonNotFound          ErrorCode = 11010

	// ========== Grading & Execution Errors (12000-12999) ==========

	// Grading pipeline (12000-12099)
	GradingSystemError    ErrorCode = 12000
	BackendNotConfigured  ErrorCode = 12001
	OperationNotSupported ErrorCode = 12002

	// Execution faults (12100-12199), presumed transient
	ExecutionTimeout    ErrorCode = 12100
	BackendUnavailable  ErrorCode = 12101
	SandboxCrashed      ErrorCode = 12102
	ExecutionFailed     ErrorCode = 12103
	NoTestResults       ErrorCode = 12104
	MemoryLimitExceeded ErrorCode = 12105

	// Output extraction (12200-12299), terminal
	ParseFailed     ErrorCode = 12200
	TruncatedStream ErrorCode = 12201
	MalformedFrame  ErrorCode = 12202

	// ========== Progression Module Errors (13000-13999) ==========

	ProgressionNotFound   ErrorCode = 13000
	AttemptOutOfOrder     ErrorCode = 13001
	ProgressionLocked     ErrorCode = 13002
	CourseCompleted       ErrorCode = 13003
	ConcurrentUpdate      ErrorCode = 13004
	RollbackNotApplicable ErrorCode = 13005

	// ========== Sweeper & Session Errors (14000-14999) ==========

	SweepInProgress ErrorCode = 14000
	SessionNotFound ErrorCode = 14100
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:            "Success",
	InternalError:      "Internal error",
	InvalidParams:      "Invalid parameters",
	NotFound:           "Resource not found",
	TooManyRequests:    "Too many requests, please try again later",
	ServiceUnavailable: "Service temporarily unavailable",
	Timeout:            "Operation timed out",

	// Database
	DatabaseError:     "Database operation failed",
	RecordNotFound:    "Record not found in database",
	TransactionFailed: "Database transaction failed",

	// Cache & queue
	CacheError:    "Cache operation failed",
	QueueError:    "Job queue operation failed",
	DuplicateJob:  "Job with the same dedup key is already enqueued",
	QueueClosed:   "Job queue is closed",
	PublishFailed: "Failed to publish event",
	StorageError:  "Object storage operation failed",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	RequiredFieldEmpty: "Required field is empty",

	// Submission
	SubmissionNotFound:      "Submission not found",
	SubmissionCreateFailed:  "Failed to create submission",
	CodeTooLarge:            "Source code is too large",
	TrackNotSupported:       "Track not supported",
	DayOutOfRange:           "Day is out of curriculum range",
	SubmissionNotRerunnable: "Submission cannot be re-run",
	LessonNotFound:          "Lesson not found",

	// Grading
	GradingSystemError:    "Grading system error",
	BackendNotConfigured:  "Execution backend is not configured",
	OperationNotSupported: "Operation not supported by backend",

	// Execution faults
	ExecutionTimeout:    "Execution timed out",
	BackendUnavailable:  "Execution backend unreachable",
	SandboxCrashed:      "Sandboxed execution unit crashed",
	ExecutionFailed:     "Execution failed",
	NoTestResults:       "Execution produced no test results",
	MemoryLimitExceeded: "Memory limit exceeded",

	// Extraction
	ParseFailed:     "Output did not contain a valid grading result",
	TruncatedStream: "Output stream was truncated",
	MalformedFrame:  "Malformed output stream frame",

	// Progression
	ProgressionNotFound:   "Progression record not found",
	AttemptOutOfOrder:     "Day is not attemptable",
	ProgressionLocked:     "Progression is locked",
	CourseCompleted:       "Course already completed",
	ConcurrentUpdate:      "Concurrent update detected, please retry",
	RollbackNotApplicable: "No rollback applicable for this record",

	// Sweeper & sessions
	SweepInProgress: "A sweep is already in progress",
	SessionNotFound: "Challenge session not found",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// Retryable reports whether a fault with this code may succeed on retry.
// Execution faults are presumed transient (load, network); extraction and
// validation failures are not.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ExecutionTimeout, BackendUnavailable, SandboxCrashed, ExecutionFailed, MemoryLimitExceeded:
		return true
	case DatabaseError, CacheError, QueueError, ServiceUnavailable, Timeout:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound, c == SubmissionNotFound, c == ProgressionNotFound, c == LessonNotFound, c == SessionNotFound:
		return 404
	case c == TooManyRequests:
		return 429
	case c == ServiceUnavailable:
		return 503
	case c >= 10300 && c < 10400:
		return 400
	case c == InvalidParams, c == CodeTooLarge, c == TrackNotSupported, c == DayOutOfRange:
		return 400
	case c == AttemptOutOfOrder, c == ProgressionLocked, c == CourseCompleted:
		return 409
	default:
		return 500
	}
}
