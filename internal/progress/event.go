package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage names the milestone an Event reports.
type Stage string

// Supported stages.
const (
	StageRunStart        Stage = "RUN_START"
	StageRunDone         Stage = "RUN_DONE"
	StageRunError        Stage = "RUN_ERROR"
	StageFetchDone       Stage = "FETCH_DONE"
	StageURLSkipped      Stage = "URL_SKIPPED"
	StageURLFailed       Stage = "URL_FAILED"
	StageCleanDiagnostic Stage = "CLEAN_DIAGNOSTIC"
	StageCleanDegraded   Stage = "STAGE1_DEGRADED"
	StageStage2Done      Stage = "STAGE2_DONE"
	StageMediaDone       Stage = "MEDIA_DONE"
	StageDocumentCreated Stage = "DOCUMENT_CREATED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event is one progress milestone of a run.
type Event struct {
	RunID  string
	TaskID string
	TS     time.Time
	Stage  Stage
	// Site scopes fetch events to a host label.
	Site string
	URL  string
	// Bytes is the response size for fetch events.
	Bytes       int64
	StatusClass StatusClass
	Dur         time.Duration
	// Note carries low-volume context such as an error message or diagnostic reason.
	Note string
}

// Validate performs coarse validation on an Event.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError,
		StageURLSkipped, StageURLFailed, StageCleanDiagnostic, StageCleanDegraded,
		StageStage2Done, StageMediaDone, StageDocumentCreated:
	case StageFetchDone:
		if e.Site == "" {
			return errors.New("fetch done requires site")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for fetch events.
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
