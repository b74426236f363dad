package job

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
)

// Error types recorded on failed jobs.
const (
	ErrorTypeValidation   = "validation_failed"
	ErrorTypeExecution    = "execution_failed"
	ErrorTypeFinalization = "finalization_failed"
	ErrorTypeAborted      = "aborted"
)

// Error descriptions recorded on jobs.
const (
	UploadMissing          = "UPLOAD_MISSING"
	InvalidFile            = "INVALID_FILE"
	NoValidFilesFound      = "NO_VALID_FILES_FOUND"
	IdxCreationFailed      = "IDX_CREATION_FAILED"
	AllImportsFailed       = "ALL_IMPORTS_FAILED"
	ImportsPartiallyFailed = "IMPORTS_PARTIALLY_FAILED"
	UnexpectedError        = "UNEXPECTED_ERROR"
	IDsNotUnique           = "IDS_NOT_UNIQUE"
	TargetTableMissing     = "TARGET_TABLE_DOES_NOT_EXISTS"
	StepFailed             = "STEP_FAILED"
	InvalidStep            = "INVALID_STEP"
	Cancelled              = "CANCELLED"
)

// ErrConnectionLost marks failures caused by losing the backend connection.
// Such failures abort rather than fail a job.
var ErrConnectionLost = errors.New("connection lost")

const (
	sqlStateUniqueViolation = "23505"
	msgDuplicateKey         = "duplicate key value violates unique constraint"
	msgConnectionLost       = "connection might get lost"
)

// Classification is the job-level consequence of an execution failure.
type Classification struct {
	Outcome     Outcome
	Kind        FailureKind
	Description string
}

// Classify maps a backend error code and message to a job consequence:
// a unique violation fails with IDS_NOT_UNIQUE, a lost connection aborts,
// anything else fails with UNEXPECTED_ERROR.
func Classify(sqlState, message string) Classification {
	switch {
	case sqlState == sqlStateUniqueViolation || strings.Contains(message, msgDuplicateKey):
		return Classification{Outcome: Failure, Kind: FailureError, Description: IDsNotUnique}
	case strings.Contains(message, msgConnectionLost):
		return Classification{Outcome: Abort, Kind: FailureAborted, Description: UnexpectedError}
	}
	return Classification{Outcome: Failure, Kind: FailureError, Description: UnexpectedError}
}

type sqlStater interface {
	SQLState() string
}

// ClassifyError classifies a Go error. Errors exposing SQLState (such as
// *pgconn.PgError) are classified by code; connection loss is detected via
// ErrConnectionLost, network errors and unexpected EOF.
func ClassifyError(err error) Classification {
	if err == nil {
		return Classification{}
	}
	if IsConnectionLost(err) {
		return Classification{Outcome: Abort, Kind: FailureAborted, Description: UnexpectedError}
	}
	var st sqlStater
	if errors.As(err, &st) {
		return Classify(st.SQLState(), err.Error())
	}
	return Classify("", err.Error())
}

// IsConnectionLost reports whether err indicates the backend connection
// went away.
func IsConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionLost) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return strings.Contains(err.Error(), msgConnectionLost)
}
