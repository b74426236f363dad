package callback

import (
	"encoding/json"
	"fmt"
	"strings"
)

const wrapTag = "$geoxfer_step$"

// Target identifies the operation a wrapped statement reports on.
type Target struct {
	Channel     string
	JobID       string
	StepID      string
	OperationID string
	OutputKey   string
}

// Wrap embeds a statement in an anonymous block that reports its own
// outcome through pg_notify on the target channel: a success message when
// the statement completes, or a failure message carrying SQLSTATE and
// SQLERRM when it raises.
//
// The statement runs in a subtransaction; on failure its effects are rolled
// back before the failure notification is sent.
func Wrap(statement string, t Target) (string, error) {
	statement = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(statement), ";"))
	if statement == "" {
		return "", fmt.Errorf("statement is empty")
	}
	if strings.Contains(statement, wrapTag) {
		return "", fmt.Errorf("statement must not contain %s", wrapTag)
	}
	if strings.TrimSpace(t.Channel) == "" {
		return "", fmt.Errorf("callback channel is required")
	}

	success, err := json.Marshal(Message{
		JobID:       t.JobID,
		StepID:      t.StepID,
		OperationID: t.OperationID,
		Outcome:     Succeeded,
		OutputKey:   t.OutputKey,
	})
	if err != nil {
		return "", fmt.Errorf("marshal success message: %w", err)
	}

	var b strings.Builder
	b.WriteString("DO\n")
	b.WriteString(wrapTag + "\n")
	b.WriteString("BEGIN\n")
	b.WriteString("  " + statement + ";\n")
	fmt.Fprintf(&b, "  PERFORM pg_notify(%s, %s);\n", quoteLiteral(t.Channel), quoteLiteral(string(success)))
	b.WriteString("EXCEPTION WHEN OTHERS THEN\n")
	fmt.Fprintf(&b, "  PERFORM pg_notify(%s, json_build_object('job_id', %s, 'step_id', %s, 'operation_id', %s, 'outcome', %s, 'error_code', SQLSTATE, 'error_message', SQLERRM)::text);\n",
		quoteLiteral(t.Channel),
		quoteLiteral(t.JobID),
		quoteLiteral(t.StepID),
		quoteLiteral(t.OperationID),
		quoteLiteral(string(Failed)),
	)
	b.WriteString("END\n")
	b.WriteString(wrapTag + ";")
	return b.String(), nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
