// Package manifest loads and validates geoxfer job manifests.
//
// A job manifest is a YAML or JSON file describing one job: an import of
// uploaded files into a PostGIS table, a sequence of steps, or a composite
// over existing jobs. Manifests are validated against an embedded JSON
// Schema that rejects unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	id: buildings-2026
//	type: Import
//	target:
//	  key: gis.public.buildings
//	import:
//	  database: gis
//	  target_table: buildings
//	  csv_format: GEOJSON
//	  indices:
//	    - name: buildings_geom_idx
//	      columns: [geom]
//	      using: gist
package manifest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/geoxfer/pkg/job"
	"github.com/3leaps/geoxfer/pkg/step"
)

// DefaultVersion is the current manifest schema version.
const DefaultVersion = "1.0"

// Manifest is a validated job definition.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema  string `json:"$schema,omitempty" yaml:"$schema,omitempty"`
	Version string `json:"version" yaml:"version"`

	// ID is the job id. A random id is assigned when empty.
	ID          string `json:"id,omitempty" yaml:"id,omitempty"`
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	Source *Descriptor `json:"source,omitempty" yaml:"source,omitempty"`
	Target *Descriptor `json:"target,omitempty" yaml:"target,omitempty"`

	Import   *ImportConfig `json:"import,omitempty" yaml:"import,omitempty"`
	Steps    []StepConfig  `json:"steps,omitempty" yaml:"steps,omitempty"`
	Children []string      `json:"children,omitempty" yaml:"children,omitempty"`
}

// Descriptor names a dataset.
type Descriptor struct {
	Key  string `json:"key" yaml:"key"`
	Kind string `json:"kind,omitempty" yaml:"kind,omitempty"`
}

// ImportConfig configures an Import job.
type ImportConfig struct {
	Database    string `json:"database" yaml:"database"`
	TargetTable string `json:"target_table" yaml:"target_table"`
	CSVFormat   string `json:"csv_format" yaml:"csv_format"`

	// Files are the filenames the owner intends to upload. Uploaded files
	// that are not declared are still discovered at validation.
	Files   []string      `json:"files,omitempty" yaml:"files,omitempty"`
	Indices []IndexConfig `json:"indices,omitempty" yaml:"indices,omitempty"`
}

// IndexConfig is a secondary index built when the import is finalized.
type IndexConfig struct {
	Name    string   `json:"name" yaml:"name"`
	Columns []string `json:"columns" yaml:"columns"`
	Using   string   `json:"using,omitempty" yaml:"using,omitempty"`
}

// StepConfig is one step of a Steps job. Config is passed through to the
// step type unchanged.
type StepConfig struct {
	ID     string         `json:"id" yaml:"id"`
	Type   string         `json:"type" yaml:"type"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// ApplyDefaults fills optional fields.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = DefaultVersion
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Import != nil {
		for i := range m.Import.Indices {
			if m.Import.Indices[i].Using == "" {
				m.Import.Indices[i].Using = "btree"
			}
		}
	}
}

// ToJob builds the waiting job the manifest describes.
func (m *Manifest) ToJob(now time.Time) (*job.Job, error) {
	j := job.New(m.ID, job.Type(m.Type), now)
	j.Description = m.Description
	j.Source = m.Source.toJob()
	j.Target = m.Target.toJob()

	switch j.Type {
	case job.TypeImport:
		if m.Import == nil {
			return nil, fmt.Errorf("import job %s has no import section", m.ID)
		}
		j.Database = m.Import.Database
		j.TargetTable = m.Import.TargetTable
		j.CSVFormat = job.CSVFormat(m.Import.CSVFormat)
		for _, idx := range m.Import.Indices {
			j.IdxList = append(j.IdxList, job.Index{Name: idx.Name, Columns: idx.Columns, Using: idx.Using})
		}
		for _, f := range m.Import.Files {
			j.ImportObjects = append(j.ImportObjects, job.NewImportObject(f, "", 0, false))
		}
	case job.TypeSteps:
		for _, s := range m.Steps {
			cfg := []byte("{}")
			if s.Config != nil {
				var err error
				if cfg, err = json.Marshal(s.Config); err != nil {
					return nil, fmt.Errorf("step %s config: %w", s.ID, err)
				}
			}
			j.Steps = append(j.Steps, step.NewRecord(s.ID, m.ID, s.Type, cfg))
		}
	case job.TypeComposite:
		j.Children = append(j.Children, m.Children...)
	default:
		return nil, fmt.Errorf("unknown job type %q", m.Type)
	}
	return j, nil
}

func (d *Descriptor) toJob() *job.Descriptor {
	if d == nil {
		return nil
	}
	return &job.Descriptor{Key: d.Key, Kind: d.Kind}
}
