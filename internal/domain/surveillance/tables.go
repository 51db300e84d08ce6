package surveillance

// RecordKind names one of the seven sub-record types of an episode.
type RecordKind string

const (
	KindSymptomHistory       RecordKind = "symptom_history"
	KindClinicalFindings     RecordKind = "clinical_findings"
	KindPhysicalExamination  RecordKind = "physical_examination"
	KindTargetOrganTest      RecordKind = "target_organ_test"
	KindBiologicalMonitoring RecordKind = "biological_monitoring"
	KindConclusion           RecordKind = "conclusion"
	KindRecommendation       RecordKind = "recommendation"
)

// Table names. surveillance_examination holds the metadata row and the
// unique constraint that arbitrates id collisions.
const (
	TableExamination          = "surveillance_examination"
	TableSymptomHistory       = "surveillance_symptom_history"
	TableClinicalFindings     = "surveillance_clinical_findings"
	TablePhysicalExamination  = "surveillance_physical_exam"
	TableTargetOrganTest      = "surveillance_target_organ"
	TableBiologicalMonitoring = "surveillance_biological_monitoring"
	TableConclusion           = "surveillance_conclusion"
	TableRecommendation       = "surveillance_recommendation"
	TableFitnessRespirator    = "fitness_respirator"
)

const surveillanceIDColumn = "surveillance_id"

type subRecordTable struct {
	kind  RecordKind
	table string
	// upsertable tables carry a unique constraint on surveillance_id alone
	// and may be created after the episode itself.
	upsertable bool
}

// subRecordTables is the fixed write order of the sub-records.
var subRecordTables = []subRecordTable{
	{KindSymptomHistory, TableSymptomHistory, false},
	{KindClinicalFindings, TableClinicalFindings, false},
	{KindPhysicalExamination, TablePhysicalExamination, false},
	{KindTargetOrganTest, TableTargetOrganTest, true},
	{KindBiologicalMonitoring, TableBiologicalMonitoring, true},
	{KindConclusion, TableConclusion, true},
	{KindRecommendation, TableRecommendation, true},
}

func tableFor(kind RecordKind) subRecordTable {
	for _, t := range subRecordTables {
		if t.kind == kind {
			return t
		}
	}
	panic("surveillance: unknown record kind " + string(kind))
}

// ParticipatingTables lists every table whose surveillance_id values must
// stay disjoint from a newly allocated id, metadata table first.
func ParticipatingTables() []string {
	out := make([]string, 0, len(subRecordTables)+1)
	out = append(out, TableExamination)
	for _, t := range subRecordTables {
		out = append(out, t.table)
	}
	return out
}
