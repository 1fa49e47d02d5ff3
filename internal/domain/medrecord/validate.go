package medrecord

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Raw field names, shared by forms, JSON bodies and JSON files.
const (
	FieldPatientName   = "patient_name"
	FieldAge           = "age"
	FieldGender        = "gender"
	FieldHeight        = "height"
	FieldWeight        = "weight"
	FieldBloodPressure = "blood_pressure"
	FieldHeartRate     = "heart_rate"
	FieldTemperature   = "temperature"
	FieldSymptoms      = "symptoms"
	FieldDiagnosis     = "diagnosis"
)

// Bounds.
const (
	minNameLen      = 2
	maxNameLen      = 100
	maxSymptomsLen  = 1000
	maxDiagnosisLen = 200

	minAge, maxAge             = 0, 150
	minHeight, maxHeight       = 50.0, 300.0
	minWeight, maxWeight       = 1.0, 500.0
	minHeartRate, maxHeartRate = 30, 300
	minTemp, maxTemp           = 30.0, 45.0
	minSystolic, maxSystolic   = 60, 250
	minDiastolic, maxDiastolic = 40, 150
	minBMI, maxBMI             = 10.0, 80.0
)

// RawFields is unvalidated input keyed by field name.
type RawFields map[string]string

// Validate checks raw input and returns a normalized record, or every field
// error found. Per-field checks are independent; the BMI check runs only once
// height and weight have both passed and is reported on the weight field.
// The returned record has no ID, CreatedAt or Source yet.
func Validate(raw RawFields) (*MedicalRecord, FieldErrors) {
	var errs FieldErrors
	rec := &MedicalRecord{Temperature: DefaultTemperature}

	name, fe := text(raw, FieldPatientName)
	switch n := utf8.RuneCountInString(name); {
	case fe != nil:
		errs = append(errs, *fe)
	case n == 0:
		errs = append(errs, required(FieldPatientName))
	case n < minNameLen:
		errs = append(errs, FieldError{
			Field: FieldPatientName, Code: CodeTooShort,
			Message: fmt.Sprintf("patient name must contain at least %d characters", minNameLen),
		})
	case n > maxNameLen:
		errs = append(errs, tooLong(FieldPatientName, maxNameLen))
	}
	rec.PatientName = name

	if v, ok, fe := intField(raw, FieldAge, true, minAge, maxAge); fe != nil {
		errs = append(errs, *fe)
	} else if ok {
		rec.Age = v
	}

	switch g := strings.ToLower(strings.TrimSpace(raw[FieldGender])); g {
	case "":
		errs = append(errs, required(FieldGender))
	case "m", "male":
		rec.Gender = GenderMale
	case "f", "female":
		rec.Gender = GenderFemale
	default:
		errs = append(errs, FieldError{Field: FieldGender, Code: CodeInvalidChoice, Message: "gender must be male or female"})
	}

	height, heightOK, fe := floatField(raw, FieldHeight, true, minHeight, maxHeight)
	if fe != nil {
		errs = append(errs, *fe)
	}
	weight, weightOK, fe := floatField(raw, FieldWeight, true, minWeight, maxWeight)
	if fe != nil {
		errs = append(errs, *fe)
	}
	rec.Height, rec.Weight = height, weight

	if bp := strings.TrimSpace(raw[FieldBloodPressure]); bp != "" {
		norm, fe := parseBloodPressure(bp)
		if fe != nil {
			errs = append(errs, *fe)
		}
		rec.BloodPressure = norm
	}

	if v, ok, fe := intField(raw, FieldHeartRate, false, minHeartRate, maxHeartRate); fe != nil {
		errs = append(errs, *fe)
	} else if ok {
		rec.HeartRate = &v
	}

	if v, ok, fe := floatField(raw, FieldTemperature, false, minTemp, maxTemp); fe != nil {
		errs = append(errs, *fe)
	} else if ok {
		rec.Temperature = v
	}

	if rec.Symptoms, fe = text(raw, FieldSymptoms); fe != nil {
		errs = append(errs, *fe)
	} else if utf8.RuneCountInString(rec.Symptoms) > maxSymptomsLen {
		errs = append(errs, tooLong(FieldSymptoms, maxSymptomsLen))
	}
	if rec.Diagnosis, fe = text(raw, FieldDiagnosis); fe != nil {
		errs = append(errs, *fe)
	} else if utf8.RuneCountInString(rec.Diagnosis) > maxDiagnosisLen {
		errs = append(errs, tooLong(FieldDiagnosis, maxDiagnosisLen))
	}

	if heightOK && weightOK {
		if bmi := computeBMI(height, weight); bmi < minBMI || bmi > maxBMI {
			errs = append(errs, outOfRange(FieldWeight, "bmi", minBMI, maxBMI))
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return rec, nil
}

// parseBloodPressure accepts "systolic/diastolic" and returns it normalized.
func parseBloodPressure(s string) (string, *FieldError) {
	malformed := &FieldError{
		Field: FieldBloodPressure, Code: CodeMalformedFormat,
		Message: "blood pressure must be two numbers as systolic/diastolic, e.g. 120/80",
	}
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return s, malformed
	}
	sys, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return s, malformed
	}
	dia, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return s, malformed
	}
	if sys < minSystolic || sys > maxSystolic {
		fe := outOfRange(FieldBloodPressure, "systolic", minSystolic, maxSystolic)
		return s, &fe
	}
	if dia < minDiastolic || dia > maxDiastolic {
		fe := outOfRange(FieldBloodPressure, "diastolic", minDiastolic, maxDiastolic)
		return s, &fe
	}
	if sys <= dia {
		return s, &FieldError{
			Field: FieldBloodPressure, Code: CodeInvalidRelation,
			Message: "systolic pressure must be greater than diastolic",
		}
	}
	return fmt.Sprintf("%d/%d", sys, dia), nil
}

// intField parses an integer field. ok is false when an optional field is
// absent.
func intField(raw RawFields, field string, req bool, min, max int) (v int, ok bool, fe *FieldError) {
	s := strings.TrimSpace(raw[field])
	if s == "" {
		if req {
			e := required(field)
			return 0, false, &e
		}
		return 0, false, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false, &FieldError{Field: field, Code: CodeInvalidNumber, Message: "enter a whole number"}
	}
	if v < min || v > max {
		e := outOfRange(field, field, float64(min), float64(max))
		return 0, false, &e
	}
	return v, true, nil
}

func floatField(raw RawFields, field string, req bool, min, max float64) (v float64, ok bool, fe *FieldError) {
	s := strings.TrimSpace(raw[field])
	if s == "" {
		if req {
			e := required(field)
			return 0, false, &e
		}
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false, &FieldError{Field: field, Code: CodeInvalidNumber, Message: "enter a number"}
	}
	if v < min || v > max {
		e := outOfRange(field, field, min, max)
		return 0, false, &e
	}
	return v, true, nil
}

// text trims a free-text field and rejects content neither store can keep
// as given: invalid UTF-8 and NUL bytes.
func text(raw RawFields, field string) (string, *FieldError) {
	s := strings.TrimSpace(raw[field])
	if !utf8.ValidString(s) || strings.ContainsRune(s, 0) {
		return "", &FieldError{Field: field, Code: CodeInvalidEncoding, Message: "contains invalid characters"}
	}
	return s, nil
}

func tooLong(field string, max int) FieldError {
	limit := float64(max)
	return FieldError{
		Field: field, Code: CodeTooLong, Max: &limit,
		Message: fmt.Sprintf("must be at most %d characters", max),
	}
}

// RawFieldsFromJSON converts a decoded JSON object into raw input. Numbers
// are expected as json.Number (decoder.UseNumber) or float64; null and
// absent keys become empty strings.
func RawFieldsFromJSON(doc map[string]interface{}) RawFields {
	raw := make(RawFields, len(doc))
	for k, v := range doc {
		switch t := v.(type) {
		case nil:
			raw[k] = ""
		case string:
			raw[k] = t
		case json.Number:
			raw[k] = t.String()
		case float64:
			raw[k] = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			raw[k] = strconv.FormatBool(t)
		default:
			raw[k] = fmt.Sprint(t)
		}
	}
	return raw
}
