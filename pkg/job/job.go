// Package job holds the job data model, the job status state machine and
// the rules that aggregate unit outcomes into job outcomes.
package job

import (
	"fmt"
	"time"

	"github.com/3leaps/geoxfer/pkg/step"
)

// Type identifies a job kind.
type Type string

const (
	TypeImport    Type = "Import"
	TypeSteps     Type = "Steps"
	TypeComposite Type = "Composite"
)

// Descriptor names a dataset participating in a job.
type Descriptor struct {
	Key  string `json:"key"`
	Kind string `json:"kind,omitempty"`
}

// CSVFormat is the record layout of import files.
type CSVFormat string

const (
	FormatGeoJSON    CSVFormat = "GEOJSON"
	FormatCSVJSONWKB CSVFormat = "CSV_JSONWKB"
	FormatCSVGeoJSON CSVFormat = "CSV_GEOJSON"
)

// Index is a secondary index built when an import is finalized.
type Index struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Using   string   `json:"using,omitempty"`
}

// ExportObject is an output made available to the job's owner.
type ExportObject struct {
	Key         string `json:"key"`
	ByteSize    int64  `json:"byte_size"`
	DownloadURL string `json:"download_url,omitempty"`
}

// Job is the persisted record of one orchestrated job.
//
// Children holds the ordered ids of a composite job's children; ChildJobs
// is only ever populated in memory when children are expanded.
type Job struct {
	ID               string `json:"id"`
	Type             Type   `json:"type"`
	Status           Status `json:"status"`
	LastStatus       Status `json:"last_status,omitempty"`
	ErrorType        string `json:"error_type,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
	Description      string `json:"description,omitempty"`
	Exp              int64  `json:"exp,omitempty"`

	Source *Descriptor `json:"source,omitempty"`
	Target *Descriptor `json:"target,omitempty"`

	Children  []string `json:"children,omitempty"`
	ChildJobs []*Job   `json:"-"`

	// Import
	Database      string          `json:"database,omitempty"`
	TargetTable   string          `json:"target_table,omitempty"`
	CSVFormat     CSVFormat       `json:"csv_format,omitempty"`
	IdxList       []Index         `json:"idx_list,omitempty"`
	ImportObjects []*ImportObject `json:"import_objects,omitempty"`

	// Steps
	Steps         []*step.Record `json:"steps,omitempty"`
	ExportObjects []ExportObject `json:"export_objects,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
}

// New creates a waiting job with its collections allocated.
func New(id string, typ Type, now time.Time) *Job {
	now = now.UTC()
	return &Job{
		ID:            id,
		Type:          typ,
		Status:        StatusWaiting,
		Children:      []string{},
		ImportObjects: []*ImportObject{},
		Steps:         []*step.Record{},
		ExportObjects: []ExportObject{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Transition applies an outcome to the job's status.
func (j *Job) Transition(o Outcome, now time.Time) error {
	next, err := Next(j.Status, o)
	if err != nil {
		return fmt.Errorf("job %s: %w", j.ID, err)
	}
	if next.IsFailure() {
		j.LastStatus = j.Status
	}
	j.setStatus(next, now)
	return nil
}

func (j *Job) setStatus(s Status, now time.Time) {
	now = now.UTC()
	j.Status = s
	j.UpdatedAt = now
	switch s {
	case StatusExecuted:
		j.ExecutedAt = &now
	case StatusFinalized:
		j.FinalizedAt = &now
	}
}

// Fail moves the job to failed. The error fields are only set by the first
// failure; later failures keep the original cause.
func (j *Job) Fail(errorType, description string, now time.Time) error {
	j.NoteError(errorType, description)
	return j.Transition(Failure, now)
}

// Abort moves the job to aborted, recording the cause like Fail.
func (j *Job) Abort(errorType, description string, now time.Time) error {
	j.NoteError(errorType, description)
	return j.Transition(Abort, now)
}

// NoteError records an error cause without changing status. It is a no-op
// when a cause is already recorded.
func (j *Job) NoteError(errorType, description string) {
	if j.ErrorType != "" || j.ErrorDescription != "" {
		return
	}
	j.ErrorType = errorType
	j.ErrorDescription = description
}

// ResetToPreviousState prepares a failed or aborted job for a retry: failed
// import files go back to waiting, the error is cleared and the status
// rolls back one phase from where the failure happened. It reports whether
// anything changed; on any other status it is a no-op.
func (j *Job) ResetToPreviousState(now time.Time) bool {
	if !j.Status.IsFailure() {
		return false
	}
	for _, o := range j.ImportObjects {
		if o.Status == ObjectFailed {
			_ = o.Reset()
		}
	}
	for _, s := range j.Steps {
		switch s.Status {
		case step.StatusFailed:
			s.RunningOperations = []step.Operation{}
			fallthrough
		case step.StatusCancelled, step.StatusUnknown:
			s.Status = step.StatusWaiting
			s.ErrorCode = ""
			s.ErrorMessage = ""
			s.EndedAt = nil
		}
	}
	j.ErrorType = ""
	j.ErrorDescription = ""
	j.setStatus(previousPhase(j.LastStatus), now)
	j.LastStatus = ""
	return true
}

// ValidImportObjects returns the import files that passed validation.
func (j *Job) ValidImportObjects() []*ImportObject {
	out := make([]*ImportObject, 0, len(j.ImportObjects))
	for _, o := range j.ImportObjects {
		if o.Valid {
			out = append(out, o)
		}
	}
	return out
}

// ImportObject returns the import file with the given name.
func (j *Job) ImportObject(filename string) (*ImportObject, bool) {
	for _, o := range j.ImportObjects {
		if o.Filename == filename {
			return o, true
		}
	}
	return nil, false
}

// Step returns the step record with the given id.
func (j *Job) Step(id string) (*step.Record, bool) {
	for _, s := range j.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// Clone returns a deep copy. Expanded children are not copied.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	if j.Source != nil {
		src := *j.Source
		out.Source = &src
	}
	if j.Target != nil {
		tgt := *j.Target
		out.Target = &tgt
	}
	out.Children = append([]string{}, j.Children...)
	out.ChildJobs = nil
	out.IdxList = make([]Index, 0, len(j.IdxList))
	for _, idx := range j.IdxList {
		idx.Columns = append([]string{}, idx.Columns...)
		out.IdxList = append(out.IdxList, idx)
	}
	out.ImportObjects = make([]*ImportObject, 0, len(j.ImportObjects))
	for _, o := range j.ImportObjects {
		c := *o
		out.ImportObjects = append(out.ImportObjects, &c)
	}
	out.Steps = make([]*step.Record, 0, len(j.Steps))
	for _, s := range j.Steps {
		out.Steps = append(out.Steps, s.Clone())
	}
	out.ExportObjects = append([]ExportObject{}, j.ExportObjects...)
	if j.ExecutedAt != nil {
		t := *j.ExecutedAt
		out.ExecutedAt = &t
	}
	if j.FinalizedAt != nil {
		t := *j.FinalizedAt
		out.FinalizedAt = &t
	}
	return &out
}
