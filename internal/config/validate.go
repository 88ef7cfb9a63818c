package config

import "fmt"

// Validate checks the ingest settings for values the pipeline cannot run with.
// Zero values for ML batch size and processor workers are valid and mean "derive".
func (c *IngestConfig) Validate() error {
	if c.MLBatchSize < 0 {
		return fmt.Errorf("ingest: ml_batch_size must not be negative")
	}
	if c.DBBatchSize <= 0 {
		return fmt.Errorf("ingest: db_batch_size must be positive")
	}
	if c.ProcessorWorkers < 0 {
		return fmt.Errorf("ingest: processor_workers must not be negative")
	}
	if c.MLWorkers <= 0 || c.DBWorkers <= 0 {
		return fmt.Errorf("ingest: ml_workers and db_workers must be positive")
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("ingest: queue_capacity must be positive")
	}
	if c.MLQueueMultiplier < 2 {
		return fmt.Errorf("ingest: ml_queue_multiplier must be at least 2")
	}
	if c.GatherTimeout <= 0 || c.DBFlushInterval <= 0 {
		return fmt.Errorf("ingest: gather_timeout and db_flush_interval must be positive")
	}
	return nil
}
