package medrecord

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// Source records which store(s) back a record.
type Source string

const (
	SourceDatabase Source = "database"
	SourceFile     Source = "file"
	SourceBoth     Source = "both"
)

// SaveTarget is the store selection requested for a new record.
type SaveTarget string

const (
	TargetDatabase SaveTarget = "db"
	TargetFile     SaveTarget = "file"
	TargetBoth     SaveTarget = "both"
)

// ParseSaveTarget maps a save_location value to a SaveTarget. Empty means both.
func ParseSaveTarget(s string) (SaveTarget, error) {
	switch SaveTarget(s) {
	case "":
		return TargetBoth, nil
	case TargetDatabase, TargetFile, TargetBoth:
		return SaveTarget(s), nil
	}
	return "", fmt.Errorf("invalid save_location: %q", s)
}

func (t SaveTarget) includesDatabase() bool { return t == TargetDatabase || t == TargetBoth }
func (t SaveTarget) includesFile() bool     { return t == TargetFile || t == TargetBoth }

func (t SaveTarget) source() Source {
	switch t {
	case TargetFile:
		return SourceFile
	case TargetBoth:
		return SourceBoth
	}
	return SourceDatabase
}

const DefaultTemperature = 36.6

// MedicalRecord maps to the medical_record table and to the JSON files in
// the file store.
type MedicalRecord struct {
	ID            uuid.UUID `db:"id" json:"id"`
	PatientName   string    `db:"patient_name" json:"patient_name"`
	Age           int       `db:"age" json:"age"`
	Gender        Gender    `db:"gender" json:"gender"`
	Height        float64   `db:"height" json:"height"`
	Weight        float64   `db:"weight" json:"weight"`
	BloodPressure string    `db:"blood_pressure" json:"blood_pressure"`
	HeartRate     *int      `db:"heart_rate" json:"heart_rate"`
	Temperature   float64   `db:"temperature" json:"temperature"`
	Symptoms      string    `db:"symptoms" json:"symptoms"`
	Diagnosis     string    `db:"diagnosis" json:"diagnosis"`
	Source        Source    `db:"source" json:"source"`
	FileName      string    `db:"file_name" json:"file_name,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// BMI returns weight / height_m², or 0 when height is not positive.
func (r *MedicalRecord) BMI() float64 {
	return computeBMI(r.Height, r.Weight)
}

func computeBMI(heightCM, weightKG float64) float64 {
	if heightCM <= 0 {
		return 0
	}
	m := heightCM / 100
	return weightKG / (m * m)
}

// DuplicateKey is the identity tuple used for deduplication. Blood pressure,
// symptoms and the remaining vitals do not participate.
type DuplicateKey struct {
	PatientName string
	Age         int
	Gender      Gender
	Height      float64
	Weight      float64
	Diagnosis   string
}

func (r *MedicalRecord) DuplicateKey() DuplicateKey {
	return DuplicateKey{
		PatientName: r.PatientName,
		Age:         r.Age,
		Gender:      r.Gender,
		Height:      r.Height,
		Weight:      r.Weight,
		Diagnosis:   r.Diagnosis,
	}
}

// String renders the key for lock names and log fields.
func (k DuplicateKey) String() string {
	return fmt.Sprintf("%s|%d|%s|%g|%g|%s", k.PatientName, k.Age, k.Gender, k.Height, k.Weight, k.Diagnosis)
}

// View is the response shape of a record, with the derived BMI.
type View struct {
	*MedicalRecord
	BMI float64 `json:"bmi"`
}

func (r *MedicalRecord) View() View {
	return View{MedicalRecord: r, BMI: math.Round(r.BMI()*100) / 100}
}

// fileNameFor is the JSON artifact name of a record saved to the file store.
func fileNameFor(id uuid.UUID) string {
	return "medical_record_" + id.String() + ".json"
}

// uploadNameFor is the staged artifact name of an uploaded document.
func uploadNameFor(id uuid.UUID) string {
	return "medical_data_" + id.String() + ".json"
}
