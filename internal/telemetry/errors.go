package telemetry

import "codeberg.org/mutker/bmcfanctl/internal/errors"

const (
	// Parse Errors
	ErrMalformedRecord = errors.ErrorCode("telemetry_malformed_record")

	// Source Errors
	ErrSourceStart   = errors.ErrorCode("telemetry_source_start_failed")
	ErrSourceStop    = errors.ErrorCode("telemetry_source_stop_failed")
	ErrSourceExited  = errors.ErrorCode("telemetry_source_exited")
	ErrSourceRunning = errors.ErrorCode("telemetry_source_already_running")

	// Reader Errors
	ErrReadFailed = errors.ErrorCode("telemetry_read_failed")
)
