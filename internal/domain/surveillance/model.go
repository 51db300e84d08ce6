package surveillance

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// Date is a calendar date that travels as "YYYY-MM-DD" in JSON and as a
// DATE column in Postgres. The zero Date is stored as NULL.
type Date struct {
	time.Time
}

func NewDate(y int, m time.Month, d int) Date {
	return Date{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(dateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.Format(dateLayout))
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		if string(b) == "null" {
			*d = Date{}
			return nil
		}
		return fmt.Errorf("date must be a string: %w", err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*d = Date{}
		return nil
	}
	for _, layout := range []string{dateLayout, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			*d = NewDate(t.Year(), t.Month(), t.Day())
			return nil
		}
	}
	return fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
}

func (d Date) Value() (driver.Value, error) {
	if d.IsZero() {
		return nil, nil
	}
	return d.Time, nil
}

func (d *Date) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*d = Date{}
	case time.Time:
		*d = NewDate(v.Year(), v.Month(), v.Day())
	case string:
		return d.UnmarshalJSON([]byte(`"` + v + `"`))
	default:
		return fmt.Errorf("cannot scan %T into Date", src)
	}
	return nil
}

// Examination types accepted on the metadata row.
const (
	ExamPrePlacement = "pre-placement"
	ExamPeriodic     = "periodic"
	ExamReturnToWork = "return-to-work"
	ExamExit         = "exit"
	ExamIncident     = "incident"
)

var validExaminationTypes = map[string]bool{
	ExamPrePlacement: true, ExamPeriodic: true, ExamReturnToWork: true,
	ExamExit: true, ExamIncident: true,
}

// Examination is the metadata row of a surveillance episode.
type Examination struct {
	ID              int64     `json:"id"`
	SurveillanceID  int64     `json:"surveillance_id"`
	PatientID       int64     `json:"patient_id"`
	Workplace       string    `json:"workplace"`
	Chemical        string    `json:"chemical"`
	ExaminationDate Date      `json:"examination_date"`
	ExaminationType string    `json:"examination_type"`
	ExaminerName    string    `json:"examiner_name"`
	FinalAssessment *string   `json:"final_assessment,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RecordHeader carries the columns every sub-record table shares.
type RecordHeader struct {
	ID             int64     `json:"id,omitempty"`
	PatientID      int64     `json:"patient_id,omitempty"`
	SurveillanceID int64     `json:"surveillance_id,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}

func (h *RecordHeader) header() *RecordHeader { return h }

// SubRecord is one of the seven per-episode rows stored beside the
// examination metadata.
type SubRecord interface {
	Kind() RecordKind
	header() *RecordHeader
	// columns and values list the payload columns, excluding the header.
	columns() []string
	values() []interface{}
	scanDest() []interface{}
}

type SymptomHistory struct {
	RecordHeader
	Complaints  string `json:"complaints"`
	Onset       string `json:"onset"`
	WorkRelated bool   `json:"work_related"`
	Notes       string `json:"notes"`
}

func (*SymptomHistory) Kind() RecordKind { return KindSymptomHistory }
func (*SymptomHistory) columns() []string {
	return []string{"complaints", "onset", "work_related", "notes"}
}
func (r *SymptomHistory) values() []interface{} {
	return []interface{}{r.Complaints, r.Onset, r.WorkRelated, r.Notes}
}
func (r *SymptomHistory) scanDest() []interface{} {
	return []interface{}{&r.Complaints, &r.Onset, &r.WorkRelated, &r.Notes}
}

type ClinicalFindings struct {
	RecordHeader
	ChronicDisease    string `json:"chronic_disease"`
	CurrentMedication string `json:"current_medication"`
	AllergyHistory    string `json:"allergy_history"`
	SmokingStatus     string `json:"smoking_status"`
	Notes             string `json:"notes"`
}

func (*ClinicalFindings) Kind() RecordKind { return KindClinicalFindings }
func (*ClinicalFindings) columns() []string {
	return []string{"chronic_disease", "current_medication", "allergy_history", "smoking_status", "notes"}
}
func (r *ClinicalFindings) values() []interface{} {
	return []interface{}{r.ChronicDisease, r.CurrentMedication, r.AllergyHistory, r.SmokingStatus, r.Notes}
}
func (r *ClinicalFindings) scanDest() []interface{} {
	return []interface{}{&r.ChronicDisease, &r.CurrentMedication, &r.AllergyHistory, &r.SmokingStatus, &r.Notes}
}

type PhysicalExamination struct {
	RecordHeader
	WeightKg            *float64 `json:"weight_kg,omitempty"`
	HeightCm            *float64 `json:"height_cm,omitempty"`
	BloodPressure       string   `json:"blood_pressure"`
	PulseRate           *int32   `json:"pulse_rate,omitempty"`
	GeneralAppearance   string   `json:"general_appearance"`
	RespiratoryFindings string   `json:"respiratory_findings"`
	SkinFindings        string   `json:"skin_findings"`
}

func (*PhysicalExamination) Kind() RecordKind { return KindPhysicalExamination }
func (*PhysicalExamination) columns() []string {
	return []string{"weight_kg", "height_cm", "blood_pressure", "pulse_rate",
		"general_appearance", "respiratory_findings", "skin_findings"}
}
func (r *PhysicalExamination) values() []interface{} {
	return []interface{}{r.WeightKg, r.HeightCm, r.BloodPressure, r.PulseRate,
		r.GeneralAppearance, r.RespiratoryFindings, r.SkinFindings}
}
func (r *PhysicalExamination) scanDest() []interface{} {
	return []interface{}{&r.WeightKg, &r.HeightCm, &r.BloodPressure, &r.PulseRate,
		&r.GeneralAppearance, &r.RespiratoryFindings, &r.SkinFindings}
}

type TargetOrganTest struct {
	RecordHeader
	TestName       string `json:"test_name"`
	Result         string `json:"result"`
	ReferenceRange string `json:"reference_range"`
	Interpretation string `json:"interpretation"`
}

func (*TargetOrganTest) Kind() RecordKind { return KindTargetOrganTest }
func (*TargetOrganTest) columns() []string {
	return []string{"test_name", "result", "reference_range", "interpretation"}
}
func (r *TargetOrganTest) values() []interface{} {
	return []interface{}{r.TestName, r.Result, r.ReferenceRange, r.Interpretation}
}
func (r *TargetOrganTest) scanDest() []interface{} {
	return []interface{}{&r.TestName, &r.Result, &r.ReferenceRange, &r.Interpretation}
}

type BiologicalMonitoring struct {
	RecordHeader
	Determinant    string `json:"determinant"`
	SamplingTime   string `json:"sampling_time"`
	Result         string `json:"result"`
	BEIReference   string `json:"bei_reference"`
	Interpretation string `json:"interpretation"`
}

func (*BiologicalMonitoring) Kind() RecordKind { return KindBiologicalMonitoring }
func (*BiologicalMonitoring) columns() []string {
	return []string{"determinant", "sampling_time", "result", "bei_reference", "interpretation"}
}
func (r *BiologicalMonitoring) values() []interface{} {
	return []interface{}{r.Determinant, r.SamplingTime, r.Result, r.BEIReference, r.Interpretation}
}
func (r *BiologicalMonitoring) scanDest() []interface{} {
	return []interface{}{&r.Determinant, &r.SamplingTime, &r.Result, &r.BEIReference, &r.Interpretation}
}

type ConclusionFinding struct {
	RecordHeader
	HistoryOfExposure   bool   `json:"history_of_exposure"`
	AbnormalClinical    bool   `json:"abnormal_clinical"`
	AbnormalTargetOrgan bool   `json:"abnormal_target_organ"`
	AbnormalBM          bool   `json:"abnormal_bm"`
	WorkRelated         bool   `json:"work_related"`
	Fitness             string `json:"fitness"`
	Notes               string `json:"notes"`
}

func (*ConclusionFinding) Kind() RecordKind { return KindConclusion }
func (*ConclusionFinding) columns() []string {
	return []string{"history_of_exposure", "abnormal_clinical", "abnormal_target_organ",
		"abnormal_bm", "work_related", "fitness", "notes"}
}
func (r *ConclusionFinding) values() []interface{} {
	return []interface{}{r.HistoryOfExposure, r.AbnormalClinical, r.AbnormalTargetOrgan,
		r.AbnormalBM, r.WorkRelated, r.Fitness, r.Notes}
}
func (r *ConclusionFinding) scanDest() []interface{} {
	return []interface{}{&r.HistoryOfExposure, &r.AbnormalClinical, &r.AbnormalTargetOrgan,
		&r.AbnormalBM, &r.WorkRelated, &r.Fitness, &r.Notes}
}

type Recommendation struct {
	RecordHeader
	Recommendation  string `json:"recommendation"`
	RemovalFromWork bool   `json:"removal_from_work"`
	ReviewDate      Date   `json:"review_date"`
	Notes           string `json:"notes"`
}

func (*Recommendation) Kind() RecordKind { return KindRecommendation }
func (*Recommendation) columns() []string {
	return []string{"recommendation", "removal_from_work", "review_date", "notes"}
}
func (r *Recommendation) values() []interface{} {
	return []interface{}{r.Recommendation, r.RemovalFromWork, r.ReviewDate, r.Notes}
}
func (r *Recommendation) scanDest() []interface{} {
	return []interface{}{&r.Recommendation, &r.RemovalFromWork, &r.ReviewDate, &r.Notes}
}

// Respirator fitness outcomes.
const (
	RespiratorFit           = "fit"
	RespiratorFitRestricted = "fit_with_restriction"
	RespiratorNotFit        = "not_fit"
)

var validRespiratorResults = map[string]bool{
	RespiratorFit: true, RespiratorFitRestricted: true, RespiratorNotFit: true,
}

// FitnessRespirator is the latest respirator-fitness determination for a
// patient. It is keyed by patient, not by episode.
type FitnessRespirator struct {
	PatientID      int64     `json:"patient_id"`
	SurveillanceID *int64    `json:"surveillance_id,omitempty"`
	Result         string    `json:"result"`
	Justification  string    `json:"justification"`
	AssessedAt     time.Time `json:"assessed_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// EpisodePayload is the clinician-entered content of one episode.
type EpisodePayload struct {
	Workplace       string  `json:"workplace"`
	Chemical        string  `json:"chemical"`
	ExaminationDate Date    `json:"examination_date"`
	ExaminationType string  `json:"examination_type"`
	ExaminerName    string  `json:"examiner_name"`
	FinalAssessment *string `json:"final_assessment,omitempty"`

	SymptomHistory       SymptomHistory       `json:"symptom_history"`
	ClinicalFindings     ClinicalFindings     `json:"clinical_findings"`
	PhysicalExamination  PhysicalExamination  `json:"physical_examination"`
	TargetOrganTest      TargetOrganTest      `json:"target_organ_test"`
	BiologicalMonitoring BiologicalMonitoring `json:"biological_monitoring"`
	Conclusion           ConclusionFinding    `json:"conclusion"`
	Recommendation       Recommendation       `json:"recommendation"`

	FitnessRespirator *FitnessRespirator `json:"fitness_respirator,omitempty"`
}

// Normalize applies defaults and validates the payload. It is called once
// at the boundary; everything downstream treats the payload as complete.
func (p *EpisodePayload) Normalize(now time.Time) error {
	p.Workplace = strings.TrimSpace(p.Workplace)
	p.Chemical = strings.TrimSpace(p.Chemical)
	p.ExaminerName = strings.TrimSpace(p.ExaminerName)
	p.ExaminationType = strings.ToLower(strings.TrimSpace(p.ExaminationType))

	if p.ExaminationDate.IsZero() {
		p.ExaminationDate = NewDate(now.Year(), now.Month(), now.Day())
	}
	if p.ExaminationType == "" {
		p.ExaminationType = ExamPeriodic
	}
	if !validExaminationTypes[p.ExaminationType] {
		return &ValidationError{Field: "examination_type", Reason: fmt.Sprintf("unsupported value %q", p.ExaminationType)}
	}
	if p.FinalAssessment != nil {
		fa := strings.TrimSpace(*p.FinalAssessment)
		if fa == "" {
			p.FinalAssessment = nil
		} else {
			p.FinalAssessment = &fa
		}
	}
	if p.PhysicalExamination.PulseRate != nil && *p.PhysicalExamination.PulseRate < 0 {
		return &ValidationError{Field: "physical_examination.pulse_rate", Reason: "must not be negative"}
	}
	if fr := p.FitnessRespirator; fr != nil {
		fr.Result = strings.ToLower(strings.TrimSpace(fr.Result))
		if !validRespiratorResults[fr.Result] {
			return &ValidationError{Field: "fitness_respirator.result", Reason: fmt.Sprintf("unsupported value %q", fr.Result)}
		}
		if fr.AssessedAt.IsZero() {
			fr.AssessedAt = now
		}
	}
	return nil
}

// examination builds the metadata row for the payload.
func (p *EpisodePayload) examination(patientID, surveillanceID int64) *Examination {
	return &Examination{
		SurveillanceID:  surveillanceID,
		PatientID:       patientID,
		Workplace:       p.Workplace,
		Chemical:        p.Chemical,
		ExaminationDate: p.ExaminationDate,
		ExaminationType: p.ExaminationType,
		ExaminerName:    p.ExaminerName,
		FinalAssessment: p.FinalAssessment,
	}
}

// subRecords returns the seven sub-records in write order, stamped with
// the episode keys.
func (p *EpisodePayload) subRecords(patientID, surveillanceID int64) []SubRecord {
	recs := []SubRecord{
		&p.SymptomHistory,
		&p.ClinicalFindings,
		&p.PhysicalExamination,
		&p.TargetOrganTest,
		&p.BiologicalMonitoring,
		&p.Conclusion,
		&p.Recommendation,
	}
	for _, r := range recs {
		h := r.header()
		h.PatientID = patientID
		h.SurveillanceID = surveillanceID
	}
	return recs
}

// EpisodeView is the merged read model of one episode. Sub-records that
// were never written are returned empty.
type EpisodeView struct {
	Examination          Examination          `json:"examination"`
	SymptomHistory       SymptomHistory       `json:"symptom_history"`
	ClinicalFindings     ClinicalFindings     `json:"clinical_findings"`
	PhysicalExamination  PhysicalExamination  `json:"physical_examination"`
	TargetOrganTest      TargetOrganTest      `json:"target_organ_test"`
	BiologicalMonitoring BiologicalMonitoring `json:"biological_monitoring"`
	Conclusion           ConclusionFinding    `json:"conclusion"`
	Recommendation       Recommendation       `json:"recommendation"`
	FitnessRespirator    *FitnessRespirator   `json:"fitness_respirator,omitempty"`
}

func (v *EpisodeView) slots() []SubRecord {
	return []SubRecord{
		&v.SymptomHistory,
		&v.ClinicalFindings,
		&v.PhysicalExamination,
		&v.TargetOrganTest,
		&v.BiologicalMonitoring,
		&v.Conclusion,
		&v.Recommendation,
	}
}

// CreateResult is returned by a successful CreateEpisode.
type CreateResult struct {
	SurveillanceID int64                `json:"surveillance_id"`
	RecordIDs      map[RecordKind]int64 `json:"record_ids"`
	Attempts       int                  `json:"-"`
}

// Result is the caller-facing outcome of a write.
type Result struct {
	SurveillanceID int64                `json:"surveillance_id,omitempty"`
	RecordIDs      map[RecordKind]int64 `json:"record_ids,omitempty"`
	Success        bool                 `json:"success"`
	Message        string               `json:"message"`
}
