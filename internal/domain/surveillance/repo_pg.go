package surveillance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/occhealth/ohs/internal/platform/db"
)

// allocationLockKey is the pg_advisory_xact_lock key taken when allocation
// is serialized.
const allocationLockKey int64 = 0x5375727649440001

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

// isolated runs fn on a savepoint of the transaction in ctx so a failing
// read does not abort the transaction. Without a transaction it uses the
// pool directly.
func (r *repoPG) isolated(ctx context.Context, fn func(q db.Querier) error) error {
	tx := db.TxFromContext(ctx)
	if tx == nil {
		return fn(r.pool)
	}
	return pgx.BeginFunc(ctx, tx, func(sp pgx.Tx) error {
		return fn(sp)
	})
}

func ident(table string) string {
	return pgx.Identifier{table}.Sanitize()
}

func placeholders(start, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", start+i)
	}
	return b.String()
}

func (r *repoPG) MaxSurveillanceID(ctx context.Context, table string) (int64, bool, error) {
	var max *int64
	err := r.isolated(ctx, func(q db.Querier) error {
		return q.QueryRow(ctx, `SELECT MAX(surveillance_id) FROM `+ident(table)+` WHERE surveillance_id IS NOT NULL`).Scan(&max)
	})
	if err != nil {
		return 0, false, err
	}
	if max == nil {
		return 0, false, nil
	}
	return *max, true, nil
}

func (r *repoPG) SurveillanceIDExists(ctx context.Context, table string, id int64) (bool, error) {
	var exists bool
	err := r.isolated(ctx, func(q db.Querier) error {
		return q.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM `+ident(table)+` WHERE surveillance_id = $1)`, id).Scan(&exists)
	})
	return exists, err
}

func (r *repoPG) LockAllocation(ctx context.Context) error {
	if db.TxFromContext(ctx) == nil {
		return errors.New("allocation lock requires a transaction")
	}
	_, err := r.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, allocationLockKey)
	return err
}

func (r *repoPG) PatientExists(ctx context.Context, patientID int64) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM patients WHERE id = $1)`, patientID).Scan(&exists)
	return exists, err
}

const examinationColumns = `id, surveillance_id, patient_id, workplace, chemical, examination_date,
	examination_type, examiner_name, final_assessment, created_at, updated_at`

func scanExamination(row pgx.Row) (*Examination, error) {
	var e Examination
	err := row.Scan(&e.ID, &e.SurveillanceID, &e.PatientID, &e.Workplace, &e.Chemical, &e.ExaminationDate,
		&e.ExaminationType, &e.ExaminerName, &e.FinalAssessment, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *repoPG) InsertExamination(ctx context.Context, e *Examination) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO surveillance_examination (
			surveillance_id, patient_id, workplace, chemical, examination_date,
			examination_type, examiner_name, final_assessment
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`,
		e.SurveillanceID, e.PatientID, e.Workplace, e.Chemical, e.ExaminationDate,
		e.ExaminationType, e.ExaminerName, e.FinalAssessment,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	return db.ClassifyError(err)
}

func (r *repoPG) UpdateExamination(ctx context.Context, e *Examination) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE surveillance_examination SET
			workplace = $2, chemical = $3, examination_date = $4,
			examination_type = $5, examiner_name = $6, final_assessment = $7,
			updated_at = NOW()
		WHERE surveillance_id = $1
		RETURNING id, patient_id, created_at, updated_at`,
		e.SurveillanceID, e.Workplace, e.Chemical, e.ExaminationDate,
		e.ExaminationType, e.ExaminerName, e.FinalAssessment,
	).Scan(&e.ID, &e.PatientID, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrEpisodeNotFound
	}
	return db.ClassifyError(err)
}

func (r *repoPG) GetExamination(ctx context.Context, surveillanceID int64) (*Examination, error) {
	e, err := scanExamination(r.conn(ctx).QueryRow(ctx,
		`SELECT `+examinationColumns+` FROM surveillance_examination WHERE surveillance_id = $1`, surveillanceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEpisodeNotFound
	}
	return e, err
}

func (r *repoPG) ListExaminationsByPatient(ctx context.Context, patientID int64, limit, offset int) ([]*Examination, int, error) {
	var total int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM surveillance_examination WHERE patient_id = $1`, patientID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+examinationColumns+` FROM surveillance_examination
		WHERE patient_id = $1 ORDER BY examination_date DESC, surveillance_id DESC LIMIT $2 OFFSET $3`,
		patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Examination
	for rows.Next() {
		e, err := scanExamination(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

func (r *repoPG) InsertSubRecord(ctx context.Context, rec SubRecord) error {
	t := tableFor(rec.Kind())
	h := rec.header()
	cols := rec.columns()
	args := append([]interface{}{h.PatientID, h.SurveillanceID}, rec.values()...)

	sql := fmt.Sprintf(`INSERT INTO %s (patient_id, surveillance_id, %s) VALUES (%s)
		RETURNING id, created_at, updated_at`,
		ident(t.table), strings.Join(cols, ", "), placeholders(1, len(args)))
	err := r.conn(ctx).QueryRow(ctx, sql, args...).Scan(&h.ID, &h.CreatedAt, &h.UpdatedAt)
	return db.ClassifyError(err)
}

func (r *repoPG) UpdateSubRecord(ctx context.Context, rec SubRecord) error {
	t := tableFor(rec.Kind())
	h := rec.header()
	cols := rec.columns()

	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", c, i+2)
	}
	sql := fmt.Sprintf(`UPDATE %s SET %s, updated_at = NOW() WHERE surveillance_id = $1`,
		ident(t.table), strings.Join(sets, ", "))
	args := append([]interface{}{h.SurveillanceID}, rec.values()...)

	tag, err := r.conn(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return db.ClassifyError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrSubRecordMissing, rec.Kind())
	}
	return nil
}

func (r *repoPG) UpsertSubRecord(ctx context.Context, rec SubRecord) error {
	t := tableFor(rec.Kind())
	h := rec.header()
	cols := rec.columns()
	args := append([]interface{}{h.PatientID, h.SurveillanceID}, rec.values()...)

	sets := make([]string, 0, len(cols)+1)
	sets = append(sets, "patient_id = EXCLUDED.patient_id")
	for _, c := range cols {
		sets = append(sets, c+" = EXCLUDED."+c)
	}
	sql := fmt.Sprintf(`INSERT INTO %s (patient_id, surveillance_id, %s) VALUES (%s)
		ON CONFLICT (surveillance_id) DO UPDATE SET %s, updated_at = NOW()
		RETURNING id, created_at, updated_at`,
		ident(t.table), strings.Join(cols, ", "), placeholders(1, len(args)), strings.Join(sets, ", "))
	err := r.conn(ctx).QueryRow(ctx, sql, args...).Scan(&h.ID, &h.CreatedAt, &h.UpdatedAt)
	return db.ClassifyError(err)
}

func (r *repoPG) GetSubRecord(ctx context.Context, rec SubRecord) (bool, error) {
	t := tableFor(rec.Kind())
	h := rec.header()
	sql := fmt.Sprintf(`SELECT id, patient_id, surveillance_id, created_at, updated_at, %s FROM %s
		WHERE patient_id = $1 AND surveillance_id = $2 ORDER BY id LIMIT 1`,
		strings.Join(rec.columns(), ", "), ident(t.table))

	dest := append([]interface{}{&h.ID, &h.PatientID, &h.SurveillanceID, &h.CreatedAt, &h.UpdatedAt}, rec.scanDest()...)
	err := r.conn(ctx).QueryRow(ctx, sql, h.PatientID, h.SurveillanceID).Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *repoPG) UpsertFitnessRespirator(ctx context.Context, fr *FitnessRespirator) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO fitness_respirator (patient_id, surveillance_id, result, justification, assessed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (patient_id) DO UPDATE SET
			surveillance_id = EXCLUDED.surveillance_id,
			result = EXCLUDED.result,
			justification = EXCLUDED.justification,
			assessed_at = EXCLUDED.assessed_at,
			updated_at = NOW()
		RETURNING updated_at`,
		fr.PatientID, fr.SurveillanceID, fr.Result, fr.Justification, fr.AssessedAt,
	).Scan(&fr.UpdatedAt)
	return db.ClassifyError(err)
}

func (r *repoPG) GetFitnessRespirator(ctx context.Context, patientID int64) (*FitnessRespirator, error) {
	var fr FitnessRespirator
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT patient_id, surveillance_id, result, justification, assessed_at, updated_at
		FROM fitness_respirator WHERE patient_id = $1`, patientID,
	).Scan(&fr.PatientID, &fr.SurveillanceID, &fr.Result, &fr.Justification, &fr.AssessedAt, &fr.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &fr, nil
}

func (r *repoPG) DeleteEpisode(ctx context.Context, surveillanceID int64) (bool, error) {
	for i := len(subRecordTables) - 1; i >= 0; i-- {
		table := subRecordTables[i].table
		if _, err := r.conn(ctx).Exec(ctx,
			`DELETE FROM `+ident(table)+` WHERE surveillance_id = $1`, surveillanceID); err != nil {
			return false, fmt.Errorf("delete from %s: %w", table, err)
		}
	}
	// The determination stays with the patient; only the episode link goes.
	if _, err := r.conn(ctx).Exec(ctx,
		`UPDATE fitness_respirator SET surveillance_id = NULL WHERE surveillance_id = $1`, surveillanceID); err != nil {
		return false, fmt.Errorf("unlink fitness_respirator: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM surveillance_examination WHERE surveillance_id = $1`, surveillanceID)
	if err != nil {
		return false, fmt.Errorf("delete from %s: %w", TableExamination, err)
	}
	return tag.RowsAffected() > 0, nil
}
