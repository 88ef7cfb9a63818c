package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields, propagated through the call chain via context.
const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldJobID is the ingestion job ID
	FieldJobID = "job_id"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldStage is the pipeline stage (scan, process, ml, db)
	FieldStage = "stage"

	// FieldWorker is the worker index inside a stage
	FieldWorker = "worker"

	// FieldCollection is the vector collection a job writes to
	FieldCollection = "collection"
)

// Entry-level fields for a single file or batch.
const (
	FieldPath        = "path"
	FieldContentHash = "content_hash"
	FieldBatchSize   = "batch_size"

	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldSize is the data size in bytes
	FieldSize = "size"

	// FieldStatus is the operation status
	FieldStatus = "status"
)
