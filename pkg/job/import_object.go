package job

import "fmt"

// ObjectStatus is the processing status of one import file.
type ObjectStatus string

const (
	ObjectWaiting    ObjectStatus = "waiting"
	ObjectProcessing ObjectStatus = "processing"
	ObjectImported   ObjectStatus = "imported"
	ObjectFailed     ObjectStatus = "failed"
)

// FailureKind separates failures that abort a job from ordinary ones.
type FailureKind string

const (
	FailureNone    FailureKind = ""
	FailureError   FailureKind = "error"
	FailureAborted FailureKind = "aborted"
)

// MissingSize marks a declared file that was never uploaded.
const MissingSize int64 = -1

// ImportObject is one file of an import job.
type ImportObject struct {
	Filename    string       `json:"filename"`
	Key         string       `json:"key,omitempty"`
	ByteSize    int64        `json:"byte_size"`
	Compressed  bool         `json:"compressed,omitempty"`
	Valid       bool         `json:"valid"`
	Status      ObjectStatus `json:"status"`
	Details     string       `json:"details,omitempty"`
	FailureKind FailureKind  `json:"failure_kind,omitempty"`
	Attempts    int          `json:"attempts,omitempty"`
}

// NewImportObject creates a waiting import file.
func NewImportObject(filename, key string, size int64, compressed bool) *ImportObject {
	return &ImportObject{
		Filename:   filename,
		Key:        key,
		ByteSize:   size,
		Compressed: compressed,
		Status:     ObjectWaiting,
	}
}

// Begin moves a waiting file to processing.
func (o *ImportObject) Begin() error {
	if o.Status != ObjectWaiting {
		return fmt.Errorf("%w: file %s is %s, not waiting", ErrInvalidTransition, o.Filename, o.Status)
	}
	o.Status = ObjectProcessing
	o.Attempts++
	return nil
}

// Complete moves a processing file to imported.
func (o *ImportObject) Complete(details string) error {
	if o.Status != ObjectProcessing {
		return fmt.Errorf("%w: file %s is %s, not processing", ErrInvalidTransition, o.Filename, o.Status)
	}
	o.Status = ObjectImported
	o.Details = details
	o.FailureKind = FailureNone
	return nil
}

// FailWith moves a processing file to failed.
func (o *ImportObject) FailWith(kind FailureKind, details string) error {
	if o.Status != ObjectProcessing {
		return fmt.Errorf("%w: file %s is %s, not processing", ErrInvalidTransition, o.Filename, o.Status)
	}
	if kind == FailureNone {
		kind = FailureError
	}
	o.Status = ObjectFailed
	o.Details = details
	o.FailureKind = kind
	return nil
}

// Reset moves a failed file back to waiting.
func (o *ImportObject) Reset() error {
	if o.Status != ObjectFailed {
		return fmt.Errorf("%w: file %s is %s, not failed", ErrInvalidTransition, o.Filename, o.Status)
	}
	o.Status = ObjectWaiting
	o.Details = ""
	o.FailureKind = FailureNone
	return nil
}

// Interrupt returns a file stuck in processing to waiting. It is used when
// a pass was cut short and the file's outcome was never recorded.
func (o *ImportObject) Interrupt() bool {
	if o.Status != ObjectProcessing {
		return false
	}
	o.Status = ObjectWaiting
	return true
}
