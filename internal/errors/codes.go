package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for replication operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalidArgument     ErrorCode = 1000
	ErrCodeInvalidCSN          ErrorCode = 1001
	ErrCodeInvalidHistorical   ErrorCode = 1002
	ErrCodeNoSuchPendingChange ErrorCode = 1003
	ErrCodeEntryNotFound       ErrorCode = 1004

	// Server errors
	ErrCodeInternal        ErrorCode = 2000
	ErrCodeUnavailable     ErrorCode = 2001
	ErrCodeStoreFailed     ErrorCode = 2002
	ErrCodeTransportFailed ErrorCode = 2003
	ErrCodeQueueFull       ErrorCode = 2004
)

// ErrNoSuchPendingChange is wrapped by every error reporting a commit or
// removal of a CSN the pending buffer does not hold.
var ErrNoSuchPendingChange = stderrors.New("no such pending change")

// ReplicationError represents a structured error with code and context
type ReplicationError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *ReplicationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *ReplicationError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts ReplicationError to gRPC status
func (e *ReplicationError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *ReplicationError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeInvalidCSN, ErrCodeInvalidHistorical:
		return codes.InvalidArgument
	case ErrCodeNoSuchPendingChange, ErrCodeEntryNotFound:
		return codes.NotFound
	case ErrCodeUnavailable, ErrCodeTransportFailed:
		return codes.Unavailable
	case ErrCodeQueueFull:
		return codes.ResourceExhausted
	default:
		return codes.Internal
	}
}

// NewReplicationError creates a new ReplicationError
func NewReplicationError(code ErrorCode, message string, cause error) *ReplicationError {
	return &ReplicationError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *ReplicationError) WithDetail(key string, value interface{}) *ReplicationError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *ReplicationError {
	return NewReplicationError(ErrCodeInvalidArgument, message, cause)
}

func InvalidCSN(value string, cause error) *ReplicationError {
	return NewReplicationError(ErrCodeInvalidCSN, fmt.Sprintf("invalid csn '%s'", value), cause).
		WithDetail("csn", value)
}

func InvalidHistorical(entryUUID string, cause error) *ReplicationError {
	return NewReplicationError(ErrCodeInvalidHistorical, fmt.Sprintf("invalid historical state for entry %s", entryUUID), cause).
		WithDetail("entry_uuid", entryUUID)
}

func NoSuchPendingChange(csn string) *ReplicationError {
	return NewReplicationError(ErrCodeNoSuchPendingChange, fmt.Sprintf("csn %s", csn), ErrNoSuchPendingChange).
		WithDetail("csn", csn)
}

func EntryNotFound(dn string) *ReplicationError {
	return NewReplicationError(ErrCodeEntryNotFound, fmt.Sprintf("entry not found: %s", dn), nil).
		WithDetail("dn", dn)
}

func InternalError(message string, cause error) *ReplicationError {
	return NewReplicationError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *ReplicationError {
	return NewReplicationError(ErrCodeUnavailable, message, cause)
}

func StoreFailed(message string, cause error) *ReplicationError {
	return NewReplicationError(ErrCodeStoreFailed, message, cause)
}

func TransportFailed(message string, cause error) *ReplicationError {
	return NewReplicationError(ErrCodeTransportFailed, message, cause)
}

func QueueFull(queue string, capacity int) *ReplicationError {
	return NewReplicationError(ErrCodeQueueFull, fmt.Sprintf("%s queue full (capacity %d)", queue, capacity), nil).
		WithDetail("queue", queue).
		WithDetail("capacity", capacity)
}

// IsReplicationError checks if an error is or wraps a ReplicationError
func IsReplicationError(err error) bool {
	var re *ReplicationError
	return stderrors.As(err, &re)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var re *ReplicationError
	if stderrors.As(err, &re) {
		return re.Code
	}
	return ErrCodeInternal
}

// ToGRPCError converts any error into a gRPC status error.
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	var re *ReplicationError
	if stderrors.As(err, &re) {
		return re.ToGRPCStatus().Err()
	}
	return status.Error(codes.Internal, err.Error())
}
