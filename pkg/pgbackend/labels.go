package pgbackend

import (
	"fmt"
	"strings"

	"github.com/3leaps/geoxfer/pkg/step"
)

// labelPrefix starts the comment every labelled statement carries. The
// operation id marker is what pg_stat_activity is searched for.
const labelPrefix = "/* geoxfer"

func sanitizeLabel(s string) string {
	s = strings.NewReplacer("*/", "", "/*", "", "\n", " ", "\r", " ").Replace(s)
	return strings.TrimSpace(s)
}

// label prefixes sql with a comment identifying the job, step and
// operation.
func label(l step.Labels, sql string) string {
	return fmt.Sprintf("%s jobId=%s stepId=%s %s */ %s",
		labelPrefix,
		sanitizeLabel(l.JobID),
		sanitizeLabel(l.StepID),
		operationMarker(l.OperationID),
		sql)
}

func operationMarker(opID string) string {
	return "queryId=" + sanitizeLabel(opID)
}

// activityPattern is the LIKE pattern matching statements of an operation.
func activityPattern(opID string) string {
	escaped := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(operationMarker(opID))
	return "%" + escaped + " %"
}
