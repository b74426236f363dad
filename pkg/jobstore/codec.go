package jobstore

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/3leaps/geoxfer/pkg/job"
	"github.com/3leaps/geoxfer/pkg/step"
)

// record is the persisted form of a job. Import objects can number in the
// thousands, so they are stored as base64 gzip-compressed JSON.
type record struct {
	*job.Job
	ImportObjectsGz string `json:"import_objects_gz,omitempty"`
}

// Encode serializes a job for storage. Download URLs of a finalized job's
// export objects are stripped; they are presigned again on read.
func Encode(j *job.Job) ([]byte, error) {
	if j == nil {
		return nil, fmt.Errorf("job is nil")
	}
	c := j.Clone()

	var gz string
	if len(c.ImportObjects) > 0 {
		raw, err := json.Marshal(c.ImportObjects)
		if err != nil {
			return nil, fmt.Errorf("marshal import objects: %w", err)
		}
		packed, err := compress(raw)
		if err != nil {
			return nil, err
		}
		gz = base64.StdEncoding.EncodeToString(packed)
	}
	c.ImportObjects = nil

	if c.Status == job.StatusFinalized {
		for i := range c.ExportObjects {
			c.ExportObjects[i].DownloadURL = ""
		}
	}

	b, err := json.Marshal(record{Job: c, ImportObjectsGz: gz})
	if err != nil {
		return nil, fmt.Errorf("marshal job %s: %w", j.ID, err)
	}
	return b, nil
}

// Decode is the inverse of Encode.
func Decode(b []byte) (*job.Job, error) {
	var r record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("parse job record: %w", err)
	}
	if r.Job == nil || r.Job.ID == "" {
		return nil, fmt.Errorf("job record has no id")
	}
	j := r.Job

	if r.ImportObjectsGz != "" {
		packed, err := base64.StdEncoding.DecodeString(r.ImportObjectsGz)
		if err != nil {
			return nil, fmt.Errorf("decode import objects of %s: %w", j.ID, err)
		}
		raw, err := decompress(packed)
		if err != nil {
			return nil, fmt.Errorf("decompress import objects of %s: %w", j.ID, err)
		}
		if err := json.Unmarshal(raw, &j.ImportObjects); err != nil {
			return nil, fmt.Errorf("parse import objects of %s: %w", j.ID, err)
		}
	}

	normalize(j)
	return j, nil
}

// normalize allocates the collections New allocates, so a decoded job
// compares equal to the job that was stored.
func normalize(j *job.Job) {
	if j.Children == nil {
		j.Children = []string{}
	}
	if j.ImportObjects == nil {
		j.ImportObjects = []*job.ImportObject{}
	}
	if j.Steps == nil {
		j.Steps = []*step.Record{}
	}
	if j.ExportObjects == nil {
		j.ExportObjects = []job.ExportObject{}
	}
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
}

func compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(packed []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(packed))
	if err != nil {
		return nil, err
	}
	defer func() { _ = zr.Close() }()
	return io.ReadAll(zr)
}
