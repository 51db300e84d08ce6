package surveillance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/occhealth/ohs/internal/platform/auth"
	"github.com/occhealth/ohs/internal/platform/cache"
	"github.com/occhealth/ohs/internal/platform/db"
	"github.com/occhealth/ohs/internal/platform/metrics"
)

// DefaultMaxInsertAttempts bounds the metadata insert retries of one
// CreateEpisode call.
const DefaultMaxInsertAttempts = 20

// CoordinatorConfig tunes the write path.
type CoordinatorConfig struct {
	MaxInsertAttempts int
	// SerializeAllocation takes a transaction-scoped advisory lock before
	// allocating, so concurrent creates never race on a candidate.
	SerializeAllocation bool
	CacheTTL            time.Duration
}

// Coordinator writes and reads surveillance episodes. Every write runs in
// one transaction spanning all participating tables.
type Coordinator struct {
	repo    Repository
	tx      TxRunner
	alloc   *Allocator
	cfg     CoordinatorConfig
	logger  zerolog.Logger
	metrics *metrics.Collector
	cache   cache.Store
	now     func() time.Time

	// cacheGen counts committed episode writes; reads that overlap one do
	// not populate the cache.
	cacheMu  sync.Mutex
	cacheGen uint64
}

func NewCoordinator(repo Repository, tx TxRunner, alloc *Allocator, cfg CoordinatorConfig, logger zerolog.Logger) *Coordinator {
	if cfg.MaxInsertAttempts <= 0 {
		cfg.MaxInsertAttempts = DefaultMaxInsertAttempts
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Coordinator{
		repo:   repo,
		tx:     tx,
		alloc:  alloc,
		cfg:    cfg,
		logger: logger.With().Str("component", "surveillance_coordinator").Logger(),
		now:    time.Now,
	}
}

func (c *Coordinator) SetMetrics(m *metrics.Collector) {
	c.metrics = m
}

// SetCache enables the episode view cache.
func (c *Coordinator) SetCache(s cache.Store) {
	c.cache = s
}

// CreateEpisode allocates a surveillance id and writes the metadata row and
// all seven sub-records under it. Either every row is committed or none is.
func (c *Coordinator) CreateEpisode(ctx context.Context, patientID int64, payload EpisodePayload) (res *CreateResult, err error) {
	if patientID <= 0 {
		return nil, &ValidationError{Field: "patient_id", Reason: "is required"}
	}
	if err := payload.Normalize(c.now()); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() { c.metrics.ObserveWrite("create", start, err) }()

	err = c.tx.InTx(ctx, func(ctx context.Context) error {
		if c.cfg.SerializeAllocation {
			if err := c.repo.LockAllocation(ctx); err != nil {
				return persistenceFailure("lock allocation", 0, err)
			}
		}

		exam, attempts, err := c.insertExamination(ctx, patientID, &payload)
		if err != nil {
			return err
		}
		sid := exam.SurveillanceID

		ids := make(map[RecordKind]int64, len(subRecordTables))
		for _, rec := range payload.subRecords(patientID, sid) {
			if err := c.repo.InsertSubRecord(ctx, rec); err != nil {
				return persistenceFailure("insert "+string(rec.Kind()), sid, err)
			}
			ids[rec.Kind()] = rec.header().ID
		}

		if fr := payload.FitnessRespirator; fr != nil {
			fr.PatientID = patientID
			fr.SurveillanceID = &sid
			if err := c.repo.UpsertFitnessRespirator(ctx, fr); err != nil {
				return persistenceFailure("upsert fitness_respirator", sid, err)
			}
		}

		res = &CreateResult{SurveillanceID: sid, RecordIDs: ids, Attempts: attempts}
		return nil
	})
	if err != nil {
		c.logger.Error().Err(err).Int64("patient_id", patientID).Msg("create surveillance episode failed")
		return nil, err
	}
	c.invalidate(ctx, res.SurveillanceID)

	c.logger.Info().
		Str("user_id", auth.UserIDFromContext(ctx)).
		Int64("patient_id", patientID).
		Int64("surveillance_id", res.SurveillanceID).
		Int("attempts", res.Attempts).
		Msg("surveillance episode created")
	return res, nil
}

// insertExamination inserts the metadata row, moving to a fresh candidate
// each time the surveillance_id unique constraint rejects the insert.
func (c *Coordinator) insertExamination(ctx context.Context, patientID int64, payload *EpisodePayload) (*Examination, int, error) {
	candidate, err := c.alloc.Allocate(ctx)
	if err != nil {
		return nil, 0, persistenceFailure("allocate surveillance id", 0, err)
	}

	exam := payload.examination(patientID, candidate)
	for attempt := 1; attempt <= c.cfg.MaxInsertAttempts; attempt++ {
		exam.SurveillanceID = candidate
		err = c.tx.InTx(ctx, func(ctx context.Context) error {
			return c.repo.InsertExamination(ctx, exam)
		})
		if err == nil {
			return exam, attempt, nil
		}
		if !db.IsUniqueViolationOn(err, surveillanceIDColumn) {
			return nil, attempt, persistenceFailure("insert examination", candidate, err)
		}

		c.metrics.IDConflict()
		c.logger.Debug().Int64("surveillance_id", candidate).Int("attempt", attempt).Msg("surveillance id taken, reallocating")
		if attempt == c.cfg.MaxInsertAttempts {
			break
		}
		candidate, err = c.alloc.ReallocateAfterConflict(ctx, candidate)
		if err != nil {
			return nil, attempt, persistenceFailure("reallocate surveillance id", 0, err)
		}
	}
	return nil, c.cfg.MaxInsertAttempts, fmt.Errorf("%w: %d insert attempts collided", ErrAllocationExhausted, c.cfg.MaxInsertAttempts)
}

// UpdateEpisode rewrites the episode identified by surveillanceID. The
// three sub-records without a unique key must already exist; the four with
// one are upserted.
func (c *Coordinator) UpdateEpisode(ctx context.Context, surveillanceID int64, payload EpisodePayload) (err error) {
	if surveillanceID <= 0 {
		return &ValidationError{Field: "surveillance_id", Reason: "is required"}
	}
	if err := payload.Normalize(c.now()); err != nil {
		return err
	}

	start := time.Now()
	defer func() { c.metrics.ObserveWrite("update", start, err) }()

	err = c.tx.InTx(ctx, func(ctx context.Context) error {
		exam := payload.examination(0, surveillanceID)
		if err := c.repo.UpdateExamination(ctx, exam); err != nil {
			return persistenceFailure("update examination", surveillanceID, err)
		}
		patientID := exam.PatientID

		for _, rec := range payload.subRecords(patientID, surveillanceID) {
			op := "update "
			write := c.repo.UpdateSubRecord
			if tableFor(rec.Kind()).upsertable {
				op = "upsert "
				write = c.repo.UpsertSubRecord
			}
			if err := write(ctx, rec); err != nil {
				return persistenceFailure(op+string(rec.Kind()), surveillanceID, err)
			}
		}

		if fr := payload.FitnessRespirator; fr != nil {
			fr.PatientID = patientID
			fr.SurveillanceID = &surveillanceID
			if err := c.repo.UpsertFitnessRespirator(ctx, fr); err != nil {
				return persistenceFailure("upsert fitness_respirator", surveillanceID, err)
			}
		}
		return nil
	})
	if err != nil {
		c.logger.Error().Err(err).Int64("surveillance_id", surveillanceID).Msg("update surveillance episode failed")
		return err
	}

	c.invalidate(ctx, surveillanceID)
	c.logger.Info().Str("user_id", auth.UserIDFromContext(ctx)).Int64("surveillance_id", surveillanceID).Msg("surveillance episode updated")
	return nil
}

// GetEpisode returns the merged view of one episode. Sub-records that do
// not exist are returned empty. The examination row and the patient's
// respirator fitness are always read from storage; a cached view only
// supplies the sub-records, and only while the examination row is the one
// it was built from.
func (c *Coordinator) GetEpisode(ctx context.Context, surveillanceID int64) (*EpisodeView, error) {
	if surveillanceID <= 0 {
		return nil, &ValidationError{Field: "surveillance_id", Reason: "is required"}
	}
	gen := c.generation()

	exam, err := c.repo.GetExamination(ctx, surveillanceID)
	if err != nil {
		return nil, persistenceFailure("get examination", surveillanceID, err)
	}

	view := c.cached(ctx, exam)
	if view == nil {
		view = &EpisodeView{Examination: *exam}
		for _, slot := range view.slots() {
			h := slot.header()
			h.PatientID = exam.PatientID
			h.SurveillanceID = surveillanceID
			found, err := c.repo.GetSubRecord(ctx, slot)
			if err != nil {
				return nil, persistenceFailure("get "+string(slot.Kind()), surveillanceID, err)
			}
			if !found {
				*h = RecordHeader{}
			}
		}
		c.store(ctx, surveillanceID, view, gen)
	}

	fr, err := c.repo.GetFitnessRespirator(ctx, exam.PatientID)
	if err != nil {
		return nil, persistenceFailure("get fitness_respirator", surveillanceID, err)
	}
	view.FitnessRespirator = fr
	return view, nil
}

// ListEpisodesByPatient returns a page of metadata rows for a patient,
// newest examination first.
func (c *Coordinator) ListEpisodesByPatient(ctx context.Context, patientID int64, limit, offset int) ([]*Examination, int, error) {
	if patientID <= 0 {
		return nil, 0, &ValidationError{Field: "patient_id", Reason: "is required"}
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	items, total, err := c.repo.ListExaminationsByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, 0, persistenceFailure("list examinations", 0, err)
	}
	return items, total, nil
}

// DeleteEpisode removes every row of the episode in one transaction. The
// patient's respirator fitness is left untouched.
func (c *Coordinator) DeleteEpisode(ctx context.Context, surveillanceID int64) (err error) {
	if surveillanceID <= 0 {
		return &ValidationError{Field: "surveillance_id", Reason: "is required"}
	}

	start := time.Now()
	defer func() { c.metrics.ObserveWrite("delete", start, err) }()

	err = c.tx.InTx(ctx, func(ctx context.Context) error {
		existed, err := c.repo.DeleteEpisode(ctx, surveillanceID)
		if err != nil {
			return persistenceFailure("delete episode", surveillanceID, err)
		}
		if !existed {
			return ErrEpisodeNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.invalidate(ctx, surveillanceID)
	c.logger.Info().Str("user_id", auth.UserIDFromContext(ctx)).Int64("surveillance_id", surveillanceID).Msg("surveillance episode deleted")
	return nil
}

func (c *Coordinator) PatientExists(ctx context.Context, patientID int64) (bool, error) {
	return c.repo.PatientExists(ctx, patientID)
}

func cacheKey(surveillanceID int64) string {
	return "surveillance:episode:" + strconv.FormatInt(surveillanceID, 10)
}

// cached returns the cached view for exam, or nil when there is none or it
// was built from a different revision of the examination row.
func (c *Coordinator) cached(ctx context.Context, exam *Examination) *EpisodeView {
	if c.cache == nil {
		return nil
	}
	var view EpisodeView
	ok, err := cache.GetJSON(ctx, c.cache, cacheKey(exam.SurveillanceID), &view)
	switch {
	case err != nil:
		c.metrics.CacheLookup("error")
		c.logger.Warn().Err(err).Int64("surveillance_id", exam.SurveillanceID).Msg("episode cache read failed")
		return nil
	case !ok:
		c.metrics.CacheLookup("miss")
		return nil
	case !sameRevision(&view.Examination, exam):
		c.metrics.CacheLookup("stale")
		return nil
	}
	c.metrics.CacheLookup("hit")
	view.Examination = *exam
	view.FitnessRespirator = nil
	return &view
}

// sameRevision reports whether two reads of an examination row saw the same
// write. Every episode write touches the row, and a reissued id gets a new
// row id.
func sameRevision(a, b *Examination) bool {
	return a.ID == b.ID &&
		a.SurveillanceID == b.SurveillanceID &&
		a.PatientID == b.PatientID &&
		a.UpdatedAt.Equal(b.UpdatedAt)
}

func (c *Coordinator) generation() uint64 {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	return c.cacheGen
}

// store caches view unless an episode write was committed after gen was
// read. The check and the write happen under cacheMu so invalidate cannot
// slip between them.
func (c *Coordinator) store(ctx context.Context, surveillanceID int64, view *EpisodeView, gen uint64) {
	if c.cache == nil {
		return
	}
	entry := *view
	entry.FitnessRespirator = nil

	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if c.cacheGen != gen {
		return
	}
	if err := cache.SetJSON(ctx, c.cache, cacheKey(surveillanceID), &entry, c.cfg.CacheTTL); err != nil {
		c.logger.Warn().Err(err).Int64("surveillance_id", surveillanceID).Msg("episode cache write failed")
	}
}

func (c *Coordinator) invalidate(ctx context.Context, surveillanceID int64) {
	if c.cache == nil {
		return
	}
	c.cacheMu.Lock()
	c.cacheGen++
	c.cacheMu.Unlock()

	if err := c.cache.Delete(context.WithoutCancel(ctx), cacheKey(surveillanceID)); err != nil {
		c.logger.Warn().Err(err).Int64("surveillance_id", surveillanceID).Msg("episode cache invalidation failed")
	}
}

// IsNotFound reports whether err means the episode or patient is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEpisodeNotFound) || errors.Is(err, ErrPatientNotFound)
}
