package logger

// Event name constants for the structured events the import engine emits.
// An event is logged via Info/Warn with the name as the message, followed
// by event-specific key/value fields (job id, row counts, durations).
const (
	EventJobStarted         = "job_started"
	EventJobCompleted       = "job_completed"
	EventJobFailed          = "job_failed"
	EventChunkProcessed     = "chunk_processed"
	EventValidationErrors   = "validation_errors"
	EventDuplicateDetection = "duplicate_detection"
	EventMemoryWarning      = "memory_warning"
	EventIntegrityCheck     = "integrity_check"
	EventLockRenewal        = "lock_renewal"
	EventResumptionAttempt  = "resumption_attempt"
	EventResumptionSuccess  = "resumption_success"
	EventResumptionFailure  = "resumption_failure"
)
