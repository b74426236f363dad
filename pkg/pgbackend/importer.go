package pgbackend

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/3leaps/geoxfer/pkg/importqueue"
	"github.com/3leaps/geoxfer/pkg/job"
	"github.com/3leaps/geoxfer/pkg/step"
)

// importSpec is the column list and COPY options for a record layout.
type importSpec struct {
	Columns string
	Options string
}

func specFor(f job.CSVFormat) (importSpec, error) {
	switch f {
	case job.FormatGeoJSON:
		// One feature per line; delimiter and quote never occur in the data.
		return importSpec{Columns: "jsondata", Options: `(FORMAT csv, ENCODING 'UTF8', DELIMITER E'\x01', QUOTE E'\x02')`}, nil
	case job.FormatCSVJSONWKB:
		return importSpec{Columns: "jsondata,geo", Options: `(FORMAT csv, ENCODING 'UTF8', DELIMITER ',', QUOTE '"')`}, nil
	case job.FormatCSVGeoJSON:
		return importSpec{Columns: "jsondata", Options: `(FORMAT csv, ENCODING 'UTF8', DELIMITER ',', QUOTE '"')`}, nil
	}
	return importSpec{}, fmt.Errorf("unsupported csv format %q", f)
}

// ImportDetails trims the aws_s3 import result to its "N rows imported"
// prefix.
func ImportDetails(result string) string {
	const marker = "imported"
	i := strings.Index(result, marker)
	if i < 0 {
		return strings.TrimSpace(result)
	}
	return strings.TrimSpace(result[:i+len(marker)])
}

// Importer loads import files from S3 into the job's target table with the
// aws_s3 extension.
type Importer struct {
	Databases Set
	Bucket    string
	Region    string
	Schema    string
	Logger    *zap.Logger
}

var _ importqueue.Importer = (*Importer)(nil)

func labelsFor(j *job.Job, obj job.ImportObject) step.Labels {
	return step.Labels{JobID: j.ID, StepID: "import", OperationID: obj.Filename}
}

const importSQL = `SELECT aws_s3.table_import_from_s3($1, $2, $3, aws_commons.create_s3_uri($4, $5, $6))`

// ImportFile implements importqueue.Importer.
func (imp *Importer) ImportFile(ctx context.Context, j *job.Job, obj job.ImportObject) (string, error) {
	db, ok := imp.Databases[j.Database]
	if !ok {
		return "", fmt.Errorf("%w: %q", errNoDatabase, j.Database)
	}
	spec, err := specFor(j.CSVFormat)
	if err != nil {
		return "", err
	}
	schema := imp.Schema
	if schema == "" {
		schema = "public"
	}
	table := pgx.Identifier{schema, j.TargetTable}.Sanitize()

	var result string
	err = db.pool.QueryRow(ctx, label(labelsFor(j, obj), importSQL),
		table, spec.Columns, spec.Options,
		imp.Bucket, obj.Key, imp.Region,
	).Scan(&result)
	if err != nil {
		return "", wrapError("import "+obj.Filename, err)
	}

	details := ImportDetails(result)
	if imp.Logger != nil {
		imp.Logger.Info("file imported",
			zap.String("job_id", j.ID),
			zap.String("file", obj.Filename),
			zap.String("details", details))
	}
	return details, nil
}
