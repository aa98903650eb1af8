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
	StageCycleStart    Stage = "CYCLE_START"
	StageCycleDone     Stage = "CYCLE_DONE"
	StageCycleSkipped  Stage = "CYCLE_SKIPPED"
	StageProbeDone     Stage = "PROBE_DONE"
	StageDeliveryDone  Stage = "DELIVERY_DONE"
	StageDeliveryError Stage = "DELIVERY_ERROR"
)

// Event captures a single milestone.
type Event struct {
	// CycleID identifies the report cycle; zero for ad-hoc checks.
	CycleID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	URL   string
	// Outcome is the classification label for PROBE_DONE events.
	Outcome string
	// Cached marks probe results served from the cache.
	Cached      bool
	Destination string
	// Count is the number of URLs in a cycle or lines in a delivery.
	Count int
	Dur   time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageCycleStart, StageCycleDone, StageCycleSkipped:
		if e.CycleID == [16]byte{} && e.Stage != StageCycleSkipped {
			return errors.New("cycle id is required")
		}
	case StageProbeDone:
		if e.URL == "" {
			return errors.New("probe done requires url")
		}
		if e.Outcome == "" {
			return errors.New("probe done requires outcome")
		}
	case StageDeliveryDone, StageDeliveryError:
		if e.Destination == "" {
			return errors.New("delivery requires destination")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Count < 0 {
		return errors.New("count must be >= 0")
	}
	return nil
}

// CycleUUID converts the binary cycle ID to uuid.UUID.
func (e Event) CycleUUID() uuid.UUID {
	return uuid.UUID(e.CycleID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ParseCycleID decodes a textual cycle ID; malformed input yields the zero ID.
func ParseCycleID(raw string) [16]byte {
	id, err := uuid.Parse(raw)
	if err != nil {
		return [16]byte{}
	}
	return UUIDToBytes(id)
}
