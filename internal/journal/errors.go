package journal

import "codeberg.org/mutker/bmcfanctl/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidDBPath = errors.ErrorCode("journal_invalid_db_path")

	// Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("journal_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("journal_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("journal_schema_migration_failed")
	ErrTransactionFailed      = errors.ErrorCode("journal_transaction_failed")

	// Storage Errors
	ErrStorageInit  = errors.ErrInitFailed
	ErrStorageClose = errors.ErrShutdownFailed

	// Recording Errors
	ErrRecordFailed = errors.ErrorCode("journal_record_failed")
	ErrInvalidEvent = errors.ErrorCode("journal_invalid_event")
	ErrClosed       = errors.ErrorCode("journal_closed")

	// Operation Errors
	ErrOperationTimeout = errors.ErrTimeout
)
