package errors

// ErrorCode is a stable, machine-readable error identifier. Codes end up in
// log lines and journal events, so they are never renamed.
type ErrorCode string

// Coder is anything that carries an ErrorCode.
type Coder interface {
	Code() ErrorCode
}

// Error is a coded error with optional message override, data, and cause.
type Error interface {
	error
	Coder
	WithMessage(msg string) Error
	WithData(data any) Error
	GetData() any
	Unwrap() error
}

// Factory creates coded errors
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}
