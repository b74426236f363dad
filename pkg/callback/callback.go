// Package callback carries completion reports of asynchronous step
// operations from the backend back to the orchestrator.
package callback

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Outcome is the terminal result reported for one operation.
type Outcome string

const (
	Succeeded Outcome = "succeeded"
	Failed    Outcome = "failed"
)

// Message is one completion report. Messages may arrive more than once and
// out of order; consumers apply them idempotently.
type Message struct {
	JobID        string    `json:"job_id"`
	StepID       string    `json:"step_id"`
	OperationID  string    `json:"operation_id,omitempty"`
	Outcome      Outcome   `json:"outcome"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	OutputKey    string    `json:"output_key,omitempty"`
	ReceivedAt   time.Time `json:"received_at,omitempty"`
}

var errInvalidMessage = errors.New("invalid callback message")

// Validate checks the identifying fields.
func (m Message) Validate() error {
	if strings.TrimSpace(m.JobID) == "" {
		return fmt.Errorf("%w: job_id is required", errInvalidMessage)
	}
	if strings.TrimSpace(m.StepID) == "" {
		return fmt.Errorf("%w: step_id is required", errInvalidMessage)
	}
	switch m.Outcome {
	case Succeeded, Failed:
	default:
		return fmt.Errorf("%w: unknown outcome %q", errInvalidMessage, m.Outcome)
	}
	return nil
}

// IsInvalid reports whether err came from message validation.
func IsInvalid(err error) bool {
	return errors.Is(err, errInvalidMessage)
}

// Parse decodes and validates a message payload.
func Parse(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", errInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
