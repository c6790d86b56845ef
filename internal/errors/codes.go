package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrAlreadyRunning  ErrorCode = "already_running"

	// Startup errors
	ErrMissingDependency ErrorCode = "missing_dependency"
	ErrInitFailed        ErrorCode = "initialization_failed"
	ErrShutdownFailed    ErrorCode = "shutdown_failed"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrInvalidInterval ErrorCode = "invalid_interval"
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"
	ErrInvalidIgnore   ErrorCode = "invalid_ignore_list"

	// Control loop errors
	ErrTakeControl    ErrorCode = "take_control_failed"
	ErrReleaseControl ErrorCode = "release_control_failed"
	ErrSetFanSpeed    ErrorCode = "set_fan_speed_failed"

	// Operation errors
	ErrOperationFailed ErrorCode = "operation_failed"
	ErrTimeout         ErrorCode = "operation_timeout"
)

var errorMessages = map[ErrorCode]string{
	ErrInternal:          "Internal error occurred",
	ErrInvalidArgument:   "Invalid argument provided",
	ErrAlreadyRunning:    "Another instance is already running",
	ErrMissingDependency: "Required external tool not found",
	ErrInitFailed:        "Initialization failed",
	ErrShutdownFailed:    "Shutdown failed",
	ErrInvalidConfig:     "Invalid configuration",
	ErrReadConfig:        "Failed to read configuration",
	ErrBindFlags:         "Failed to bind flags",
	ErrInvalidInterval:   "Invalid interval value",
	ErrInvalidLogLevel:   "Invalid log level",
	ErrInvalidIgnore:     "Invalid GPU ignore list",
	ErrTakeControl:       "Failed to take manual fan control",
	ErrReleaseControl:    "Failed to return fan control to the BMC",
	ErrSetFanSpeed:       "Failed to set fan speed",
	ErrOperationFailed:   "Operation failed",
	ErrTimeout:           "Operation timed out",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
