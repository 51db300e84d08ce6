package surveillance

import (
	"errors"
	"fmt"
)

var (
	// ErrAllocationExhausted means no free surveillance id was found within
	// the probe bound, or the insert retry budget ran out.
	ErrAllocationExhausted = errors.New("surveillance id allocation exhausted")
	ErrEpisodeNotFound     = errors.New("surveillance episode not found")
	ErrPatientNotFound     = errors.New("patient not found")
	// ErrSubRecordMissing is returned when an update-only sub-record that
	// should have been created with the episode is absent.
	ErrSubRecordMissing = errors.New("episode sub-record missing")
)

// ValidationError reports bad input detected before any transaction opens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PersistenceError wraps a database failure that aborted an episode write.
type PersistenceError struct {
	Op             string
	SurveillanceID int64
	Err            error
}

func (e *PersistenceError) Error() string {
	if e.SurveillanceID != 0 {
		return fmt.Sprintf("%s (surveillance_id=%d): %v", e.Op, e.SurveillanceID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistenceFailure(op string, id int64, err error) error {
	var pe *PersistenceError
	if errors.As(err, &pe) || errors.Is(err, ErrAllocationExhausted) || errors.Is(err, ErrEpisodeNotFound) {
		return err
	}
	return &PersistenceError{Op: op, SurveillanceID: id, Err: err}
}

// NewResult converts the outcome of a write into the caller-facing Result.
func NewResult(id int64, recordIDs map[RecordKind]int64, err error) Result {
	if err == nil {
		return Result{SurveillanceID: id, RecordIDs: recordIDs, Success: true, Message: "surveillance record saved"}
	}

	var ve *ValidationError
	var pe *PersistenceError
	msg := "surveillance record could not be saved"
	switch {
	case errors.As(err, &ve):
		msg = ve.Error()
	case errors.Is(err, ErrAllocationExhausted):
		msg = "could not allocate a surveillance id, please retry"
	case errors.Is(err, ErrEpisodeNotFound):
		msg = ErrEpisodeNotFound.Error()
	case errors.Is(err, ErrPatientNotFound):
		msg = ErrPatientNotFound.Error()
	case errors.As(err, &pe):
		msg = "database error while saving surveillance record: " + pe.Op
	}
	return Result{SurveillanceID: id, Success: false, Message: msg}
}
