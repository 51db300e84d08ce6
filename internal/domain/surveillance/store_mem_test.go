package surveillance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/occhealth/ohs/internal/platform/db"
)

// memStore is a transactional in-memory Repository and TxRunner. Writes made
// inside InTx are buffered per transaction and applied on commit; reads see
// committed state plus the caller's own buffered writes. Metadata inserts
// reserve their surveillance_id so a second in-flight transaction inserting
// the same id gets a unique violation, the way the metadata constraint
// behaves once the first writer commits.
type memStore struct {
	mu        sync.Mutex
	committed *memState
	patients  map[int64]bool
	reserved  map[int64]*memTx
	nextRowID int64
	now       time.Time

	failOn     map[string]error // keyed by operation, e.g. "insert:conclusion"
	failMax    map[string]error // MaxSurveillanceID failures per table
	failExists map[string]error // SurveillanceIDExists failures per table
	collisions int              // forced surveillance_id violations on the next metadata inserts

	afterExamInsert func(surveillanceID int64)

	allocLock   sync.Mutex
	lockCalls   int
	examInserts int
	txBegun     int
}

type memTxKey struct{}

type memTx struct {
	ops      []func(*memState)
	reserved []int64
	onEnd    []func()
}

type memState struct {
	exams   map[int64]Examination
	subs    map[string][]SubRecord
	fitness map[int64]FitnessRespirator
	// legacy holds surveillance ids present in a table without a full row,
	// e.g. data written by older tooling.
	legacy map[string][]int64
}

func newMemState() *memState {
	return &memState{
		exams:   make(map[int64]Examination),
		subs:    make(map[string][]SubRecord),
		fitness: make(map[int64]FitnessRespirator),
		legacy:  make(map[string][]int64),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.exams {
		c.exams[k] = v
	}
	for table, rows := range s.subs {
		cp := make([]SubRecord, len(rows))
		for i, r := range rows {
			cp[i] = cloneRecord(r)
		}
		c.subs[table] = cp
	}
	for k, v := range s.fitness {
		c.fitness[k] = v
	}
	for table, ids := range s.legacy {
		c.legacy[table] = append([]int64(nil), ids...)
	}
	return c
}

func (s *memState) ids(table string) ([]int64, error) {
	var out []int64
	switch {
	case table == TableExamination:
		for sid := range s.exams {
			out = append(out, sid)
		}
	case isSubRecordTable(table):
		for _, r := range s.subs[table] {
			if sid := r.header().SurveillanceID; sid != 0 {
				out = append(out, sid)
			}
		}
	default:
		return nil, fmt.Errorf("relation %q does not exist", table)
	}
	return append(out, s.legacy[table]...), nil
}

func isSubRecordTable(table string) bool {
	for _, t := range subRecordTables {
		if t.table == table {
			return true
		}
	}
	return false
}

func newMemStore() *memStore {
	return &memStore{
		committed:  newMemState(),
		patients:   map[int64]bool{42: true, 7: true},
		reserved:   make(map[int64]*memTx),
		now:        time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		failOn:     make(map[string]error),
		failMax:    make(map[string]error),
		failExists: make(map[string]error),
	}
}

func memTxFrom(ctx context.Context) *memTx {
	tx, _ := ctx.Value(memTxKey{}).(*memTx)
	return tx
}

// view returns the state visible to ctx. The caller holds m.mu and must not
// mutate the result.
func (m *memStore) view(ctx context.Context) *memState {
	tx := memTxFrom(ctx)
	if tx == nil || len(tx.ops) == 0 {
		return m.committed
	}
	st := m.committed.clone()
	for _, op := range tx.ops {
		op(st)
	}
	return st
}

// apply buffers op in the transaction of ctx, or applies it directly when
// there is none. The caller holds m.mu.
func (m *memStore) apply(ctx context.Context, op func(*memState)) {
	if tx := memTxFrom(ctx); tx != nil {
		tx.ops = append(tx.ops, op)
		return
	}
	op(m.committed)
}

func (m *memStore) fault(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failOn[op]
}

func (m *memStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if outer := memTxFrom(ctx); outer != nil {
		m.mu.Lock()
		opMark, resMark := len(outer.ops), len(outer.reserved)
		m.mu.Unlock()
		if err := fn(ctx); err != nil {
			m.mu.Lock()
			outer.ops = outer.ops[:opMark]
			for _, sid := range outer.reserved[resMark:] {
				delete(m.reserved, sid)
			}
			outer.reserved = outer.reserved[:resMark]
			m.mu.Unlock()
			return err
		}
		return nil
	}

	tx := &memTx{}
	m.mu.Lock()
	m.txBegun++
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		for _, sid := range tx.reserved {
			if m.reserved[sid] == tx {
				delete(m.reserved, sid)
			}
		}
		m.mu.Unlock()
		for _, f := range tx.onEnd {
			f()
		}
	}()

	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	for _, op := range tx.ops {
		op(m.committed)
	}
	m.mu.Unlock()
	return nil
}

func uniqueViolation(table string) error {
	return &db.UniqueViolationError{
		Table:      table,
		Column:     surveillanceIDColumn,
		Constraint: table + "_surveillance_id_key",
		Err:        errors.New("duplicate key value violates unique constraint"),
	}
}

func (m *memStore) MaxSurveillanceID(ctx context.Context, table string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failMax[table]; err != nil {
		return 0, false, err
	}
	ids, err := m.view(ctx).ids(table)
	if err != nil {
		return 0, false, err
	}
	var max int64
	for _, id := range ids {
		if id > max {
			max = id
		}
	}
	return max, len(ids) > 0, nil
}

func (m *memStore) SurveillanceIDExists(ctx context.Context, table string, id int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failExists[table]; err != nil {
		return false, err
	}
	ids, err := m.view(ctx).ids(table)
	if err != nil {
		return false, err
	}
	for _, v := range ids {
		if v == id {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) LockAllocation(ctx context.Context) error {
	tx := memTxFrom(ctx)
	if tx == nil {
		return errors.New("allocation lock requires a transaction")
	}
	m.allocLock.Lock()
	m.mu.Lock()
	m.lockCalls++
	tx.onEnd = append(tx.onEnd, m.allocLock.Unlock)
	m.mu.Unlock()
	return nil
}

func (m *memStore) PatientExists(ctx context.Context, patientID int64) (bool, error) {
	if err := m.fault(ctx, "patient_exists"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.patients[patientID], nil
}

func (m *memStore) InsertExamination(ctx context.Context, e *Examination) error {
	if err := m.fault(ctx, "insert_examination"); err != nil {
		return err
	}
	m.mu.Lock()
	m.examInserts++
	if m.collisions > 0 {
		m.collisions--
		m.mu.Unlock()
		return uniqueViolation(TableExamination)
	}

	tx := memTxFrom(ctx)
	taken, _ := m.existsLocked(ctx, TableExamination, e.SurveillanceID)
	holder, held := m.reserved[e.SurveillanceID]
	if taken || (held && holder != tx) {
		m.mu.Unlock()
		return uniqueViolation(TableExamination)
	}
	if !m.patients[e.PatientID] {
		m.mu.Unlock()
		return fmt.Errorf("insert or update on table %q violates foreign key constraint", TableExamination)
	}

	m.nextRowID++
	e.ID = m.nextRowID
	e.CreatedAt, e.UpdatedAt = m.now, m.now
	row := *e
	if tx != nil {
		m.reserved[row.SurveillanceID] = tx
		tx.reserved = append(tx.reserved, row.SurveillanceID)
	}
	m.apply(ctx, func(s *memState) { s.exams[row.SurveillanceID] = row })
	hook := m.afterExamInsert
	m.mu.Unlock()

	if hook != nil {
		hook(row.SurveillanceID)
	}
	return nil
}

func (m *memStore) existsLocked(ctx context.Context, table string, id int64) (bool, error) {
	ids, err := m.view(ctx).ids(table)
	if err != nil {
		return false, err
	}
	for _, v := range ids {
		if v == id {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) UpdateExamination(ctx context.Context, e *Examination) error {
	if err := m.fault(ctx, "update_examination"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.view(ctx).exams[e.SurveillanceID]
	if !ok {
		return ErrEpisodeNotFound
	}
	e.ID, e.PatientID, e.CreatedAt, e.UpdatedAt = row.ID, row.PatientID, row.CreatedAt, m.now
	updated := *e
	m.apply(ctx, func(s *memState) { s.exams[updated.SurveillanceID] = updated })
	return nil
}

func (m *memStore) GetExamination(ctx context.Context, surveillanceID int64) (*Examination, error) {
	if err := m.fault(ctx, "get_examination"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.view(ctx).exams[surveillanceID]
	if !ok {
		return nil, ErrEpisodeNotFound
	}
	return &row, nil
}

func (m *memStore) ListExaminationsByPatient(ctx context.Context, patientID int64, limit, offset int) ([]*Examination, int, error) {
	if err := m.fault(ctx, "list_examinations"); err != nil {
		return nil, 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Examination
	for _, e := range m.view(ctx).exams {
		if e.PatientID == patientID {
			row := e
			all = append(all, &row)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].ExaminationDate.Equal(all[j].ExaminationDate.Time) {
			return all[i].ExaminationDate.After(all[j].ExaminationDate.Time)
		}
		return all[i].SurveillanceID > all[j].SurveillanceID
	})
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *memStore) InsertSubRecord(ctx context.Context, rec SubRecord) error {
	if err := m.fault(ctx, "insert:"+string(rec.Kind())); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := tableFor(rec.Kind())
	h := rec.header()
	if t.upsertable {
		if taken, _ := m.existsLocked(ctx, t.table, h.SurveillanceID); taken {
			return uniqueViolation(t.table)
		}
	}
	m.nextRowID++
	h.ID = m.nextRowID
	h.CreatedAt, h.UpdatedAt = m.now, m.now
	row := cloneRecord(rec)
	m.apply(ctx, func(s *memState) { s.subs[t.table] = append(s.subs[t.table], cloneRecord(row)) })
	return nil
}

func (m *memStore) UpdateSubRecord(ctx context.Context, rec SubRecord) error {
	if err := m.fault(ctx, "update:"+string(rec.Kind())); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := tableFor(rec.Kind())
	sid := rec.header().SurveillanceID
	found := false
	for _, r := range m.view(ctx).subs[t.table] {
		if r.header().SurveillanceID == sid {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrSubRecordMissing, rec.Kind())
	}
	m.apply(ctx, m.replaceOp(t.table, rec, false))
	return nil
}

// replaceOp rewrites the payload of every row of table with the
// surveillance id of rec, keeping each row's id and created_at.
func (m *memStore) replaceOp(table string, rec SubRecord, takePatient bool) func(*memState) {
	src := cloneRecord(rec)
	now := m.now
	return func(s *memState) {
		for i, r := range s.subs[table] {
			old := r.header()
			if old.SurveillanceID != src.header().SurveillanceID {
				continue
			}
			n := cloneRecord(src)
			nh := n.header()
			patient := old.PatientID
			if takePatient {
				patient = nh.PatientID
			}
			*nh = *old
			nh.PatientID = patient
			nh.UpdatedAt = now
			s.subs[table][i] = n
		}
	}
}

func (m *memStore) UpsertSubRecord(ctx context.Context, rec SubRecord) error {
	if err := m.fault(ctx, "upsert:"+string(rec.Kind())); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := tableFor(rec.Kind())
	h := rec.header()
	for _, r := range m.view(ctx).subs[t.table] {
		if r.header().SurveillanceID == h.SurveillanceID {
			h.ID, h.CreatedAt, h.UpdatedAt = r.header().ID, r.header().CreatedAt, m.now
			m.apply(ctx, m.replaceOp(t.table, rec, true))
			return nil
		}
	}
	m.nextRowID++
	h.ID = m.nextRowID
	h.CreatedAt, h.UpdatedAt = m.now, m.now
	row := cloneRecord(rec)
	m.apply(ctx, func(s *memState) { s.subs[t.table] = append(s.subs[t.table], cloneRecord(row)) })
	return nil
}

func (m *memStore) GetSubRecord(ctx context.Context, rec SubRecord) (bool, error) {
	if err := m.fault(ctx, "get:"+string(rec.Kind())); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h := rec.header()
	for _, r := range m.view(ctx).subs[tableFor(rec.Kind()).table] {
		rh := r.header()
		if rh.PatientID == h.PatientID && rh.SurveillanceID == h.SurveillanceID {
			copyRecord(rec, r)
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) UpsertFitnessRespirator(ctx context.Context, fr *FitnessRespirator) error {
	if err := m.fault(ctx, "upsert:fitness_respirator"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fr.UpdatedAt = m.now
	row := *fr
	if fr.SurveillanceID != nil {
		sid := *fr.SurveillanceID
		row.SurveillanceID = &sid
	}
	m.apply(ctx, func(s *memState) { s.fitness[row.PatientID] = row })
	return nil
}

func (m *memStore) GetFitnessRespirator(ctx context.Context, patientID int64) (*FitnessRespirator, error) {
	if err := m.fault(ctx, "get:fitness_respirator"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fr, ok := m.view(ctx).fitness[patientID]
	if !ok {
		return nil, nil
	}
	return &fr, nil
}

func (m *memStore) DeleteEpisode(ctx context.Context, surveillanceID int64) (bool, error) {
	if err := m.fault(ctx, "delete_episode"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, existed := m.view(ctx).exams[surveillanceID]
	m.apply(ctx, func(s *memState) {
		delete(s.exams, surveillanceID)
		for table, rows := range s.subs {
			kept := rows[:0:0]
			for _, r := range rows {
				if r.header().SurveillanceID != surveillanceID {
					kept = append(kept, r)
				}
			}
			s.subs[table] = kept
		}
		for pid, fr := range s.fitness {
			if fr.SurveillanceID != nil && *fr.SurveillanceID == surveillanceID {
				fr.SurveillanceID = nil
				s.fitness[pid] = fr
			}
		}
	})
	return existed, nil
}

// Test helpers.

// occupy marks ids as present in table without creating full rows.
func (m *memStore) occupy(table string, ids ...int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committed.legacy[table] = append(m.committed.legacy[table], ids...)
}

// rowsFor counts committed rows carrying surveillanceID, per table.
func (m *memStore) rowsFor(surveillanceID int64) map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int)
	if _, ok := m.committed.exams[surveillanceID]; ok {
		out[TableExamination]++
	}
	for table, rows := range m.committed.subs {
		for _, r := range rows {
			if r.header().SurveillanceID == surveillanceID {
				out[table]++
			}
		}
	}
	return out
}

func (m *memStore) examCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.committed.exams)
}

func (m *memStore) committedExam(surveillanceID int64) (Examination, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.committed.exams[surveillanceID]
	return e, ok
}

func (m *memStore) committedFitness(patientID int64) (FitnessRespirator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fr, ok := m.committed.fitness[patientID]
	return fr, ok
}

func (m *memStore) setFault(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOn[op] = err
}

func cloneRecord(rec SubRecord) SubRecord {
	switch r := rec.(type) {
	case *SymptomHistory:
		c := *r
		return &c
	case *ClinicalFindings:
		c := *r
		return &c
	case *PhysicalExamination:
		c := *r
		return &c
	case *TargetOrganTest:
		c := *r
		return &c
	case *BiologicalMonitoring:
		c := *r
		return &c
	case *ConclusionFinding:
		c := *r
		return &c
	case *Recommendation:
		c := *r
		return &c
	}
	panic(fmt.Sprintf("unexpected sub-record %T", rec))
}

func copyRecord(dst, src SubRecord) {
	switch d := dst.(type) {
	case *SymptomHistory:
		*d = *src.(*SymptomHistory)
	case *ClinicalFindings:
		*d = *src.(*ClinicalFindings)
	case *PhysicalExamination:
		*d = *src.(*PhysicalExamination)
	case *TargetOrganTest:
		*d = *src.(*TargetOrganTest)
	case *BiologicalMonitoring:
		*d = *src.(*BiologicalMonitoring)
	case *ConclusionFinding:
		*d = *src.(*ConclusionFinding)
	case *Recommendation:
		*d = *src.(*Recommendation)
	default:
		panic(fmt.Sprintf("unexpected sub-record %T", dst))
	}
}
