// Package progress defines the event structures emitted by the pipeline stages.
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
	StageCycleStart   Stage = "CYCLE_START"
	StageCycleDone    Stage = "CYCLE_DONE"
	StageCycleError   Stage = "CYCLE_ERROR"
	StagePageDone     Stage = "PAGE_DONE"
	StageBatchDone    Stage = "BATCH_DONE"
	StageProbeDone    Stage = "PROBE_DONE"
	StageChange       Stage = "CHANGE"
	StageStoreSaved   Stage = "STORE_SAVED"
	StageDownloadDone Stage = "DOWNLOAD_DONE"
	StageArchiveDone  Stage = "ARCHIVE_DONE"
)

// Level orders events by verbosity.
type Level int8

// Supported levels. Trace carries per-request detail, Info per-cycle milestones.
const (
	LevelTrace Level = iota - 1
	LevelInfo
	LevelError
)

// String returns the lowercase level name.
func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelInfo:
		return "info"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int8(l))
	}
}

// ParseLevel maps a level name to a Level. The empty string is info.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "trace", "debug":
		return LevelTrace, nil
	case "", "info":
		return LevelInfo, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown progress level %q", s)
	}
}

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for request completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single component of cycle progress.
type Event struct {
	// CycleID identifies the cycle using the 16-byte UUID form.
	CycleID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	Level Level
	// ID is the catalog identifier the event concerns, if any.
	ID string
	// Offset is the listing offset for page events.
	Offset int
	Bytes  int64
	// Count carries stage-specific totals (identifiers on a page, changed items, ...).
	Count       int64
	StatusClass StatusClass
	Dur         time.Duration
	// Note lets emitters attach low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.CycleID == [16]byte{} {
		return errors.New("cycle id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageCycleStart, StageCycleDone, StageCycleError,
		StageBatchDone, StageChange, StageStoreSaved, StageArchiveDone:
	case StagePageDone, StageProbeDone, StageDownloadDone:
		if e.StatusClass == "" {
			return fmt.Errorf("%s requires status class", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Level < LevelTrace || e.Level > LevelError {
		return fmt.Errorf("unknown level %d", e.Level)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// CycleUUID converts the binary cycle ID to uuid.UUID for repositories.
func (e Event) CycleUUID() uuid.UUID {
	return uuid.UUID(e.CycleID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes. Zero means no response was received.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
