package resilience

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/evidence-engine/internal/model"
)

// NewQuarantineEntry captures a rejected record so it can be inspected and
// resubmitted later. The record is stored as JSON.
func NewQuarantineEntry(cycle int, err *MalformedInputError, record any) model.QuarantineEntry {
	payload, mErr := json.Marshal(record)
	if mErr != nil {
		payload = []byte("null")
	}
	return model.QuarantineEntry{
		ID:         uuid.New().String(),
		Cycle:      cycle,
		RecordKind: err.RecordKind,
		RecordID:   err.RecordID,
		Payload:    payload,
		Error:      err.Error(),
		CreatedAt:  time.Now().UTC(),
	}
}
