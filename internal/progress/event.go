package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart   Stage = "RUN_START"
	StageRunDone    Stage = "RUN_DONE"
	StageRunError   Stage = "RUN_ERROR"
	StageTitleStart Stage = "TITLE_START"
	StageTitleDone  Stage = "TITLE_DONE"
	StageTitleError Stage = "TITLE_ERROR"
)

// Event captures one step of an ingest run.
type Event struct {
	// RunID identifies the run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Title is set on title stages.
	Title string
	// Bytes is the payload size downloaded for a title.
	Bytes int64
	// Dur is the title fetch latency or the whole run duration.
	Dur time.Duration
	// Succeeded, Failed and Skipped summarize a finished run.
	Succeeded int
	Failed    int
	Skipped   int
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StageTitleStart, StageTitleDone, StageTitleError:
		if e.Title == "" {
			return fmt.Errorf("%s requires title", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}
