package surveillance

import "context"

// IDScanner reads the surveillance ids already present in a table.
type IDScanner interface {
	// MaxSurveillanceID returns the largest non-null surveillance_id in
	// table; found is false when the table holds none.
	MaxSurveillanceID(ctx context.Context, table string) (max int64, found bool, err error)
	SurveillanceIDExists(ctx context.Context, table string, id int64) (bool, error)
}

// TxRunner runs fn in a transaction carried by the context given to fn.
// Calling InTx with a context that already carries a transaction opens a
// nested savepoint.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Repository is the storage surface of the surveillance tables.
type Repository interface {
	IDScanner

	// LockAllocation serializes id allocation until the surrounding
	// transaction ends.
	LockAllocation(ctx context.Context) error
	PatientExists(ctx context.Context, patientID int64) (bool, error)

	InsertExamination(ctx context.Context, e *Examination) error
	// UpdateExamination updates the row keyed by e.SurveillanceID and fills
	// e.PatientID and the timestamps from the stored row.
	UpdateExamination(ctx context.Context, e *Examination) error
	GetExamination(ctx context.Context, surveillanceID int64) (*Examination, error)
	ListExaminationsByPatient(ctx context.Context, patientID int64, limit, offset int) ([]*Examination, int, error)

	InsertSubRecord(ctx context.Context, rec SubRecord) error
	// UpdateSubRecord returns ErrSubRecordMissing when no row matches.
	UpdateSubRecord(ctx context.Context, rec SubRecord) error
	UpsertSubRecord(ctx context.Context, rec SubRecord) error
	// GetSubRecord loads the row keyed by the header of rec into rec.
	GetSubRecord(ctx context.Context, rec SubRecord) (bool, error)

	UpsertFitnessRespirator(ctx context.Context, fr *FitnessRespirator) error
	GetFitnessRespirator(ctx context.Context, patientID int64) (*FitnessRespirator, error)

	// DeleteEpisode removes the rows of every participating table for id
	// and reports whether the metadata row existed.
	DeleteEpisode(ctx context.Context, surveillanceID int64) (bool, error)
}
