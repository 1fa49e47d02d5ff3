package medrecord

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medrec/medrec/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type recordRepoPG struct{ pool *pgxpool.Pool }

func NewRecordRepoPG(pool *pgxpool.Pool) RecordStore {
	return &recordRepoPG{pool: pool}
}

func (r *recordRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const recordCols = `id, patient_name, age, gender, height, weight, blood_pressure,
	heart_rate, temperature, symptoms, diagnosis, source, file_name, created_at`

func (r *recordRepoPG) scanRow(row pgx.Row) (*MedicalRecord, error) {
	var m MedicalRecord
	var gender, source string
	err := row.Scan(&m.ID, &m.PatientName, &m.Age, &gender, &m.Height, &m.Weight, &m.BloodPressure,
		&m.HeartRate, &m.Temperature, &m.Symptoms, &m.Diagnosis, &source, &m.FileName, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m.Gender = Gender(gender)
	m.Source = Source(source)
	return &m, nil
}

func (r *recordRepoPG) scanRows(rows pgx.Rows) ([]*MedicalRecord, error) {
	defer rows.Close()
	var items []*MedicalRecord
	for rows.Next() {
		m, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (r *recordRepoPG) FindByDuplicateKey(ctx context.Context, key DuplicateKey, excludeID uuid.UUID) (*MedicalRecord, error) {
	m, err := r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+` FROM medical_record
		WHERE patient_name = $1 AND age = $2 AND gender = $3 AND height = $4 AND weight = $5
			AND diagnosis = $6 AND id <> $7
		ORDER BY created_at LIMIT 1`,
		key.PatientName, key.Age, string(key.Gender), key.Height, key.Weight, key.Diagnosis, excludeID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return m, err
}

func (r *recordRepoPG) Create(ctx context.Context, m *MedicalRecord) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO medical_record (id, patient_name, age, gender, height, weight, blood_pressure,
			heart_rate, temperature, symptoms, diagnosis, source, file_name, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		m.ID, m.PatientName, m.Age, string(m.Gender), m.Height, m.Weight, m.BloodPressure,
		m.HeartRate, m.Temperature, m.Symptoms, m.Diagnosis, string(m.Source), m.FileName, m.CreatedAt)
	return mapUniqueViolation(err)
}

func (r *recordRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*MedicalRecord, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+` FROM medical_record WHERE id = $1`, id))
}

func (r *recordRepoPG) Update(ctx context.Context, m *MedicalRecord) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE medical_record SET patient_name=$2, age=$3, gender=$4, height=$5, weight=$6,
			blood_pressure=$7, heart_rate=$8, temperature=$9, symptoms=$10, diagnosis=$11,
			source=$12, file_name=$13, updated_at=NOW()
		WHERE id = $1`,
		m.ID, m.PatientName, m.Age, string(m.Gender), m.Height, m.Weight,
		m.BloodPressure, m.HeartRate, m.Temperature, m.Symptoms, m.Diagnosis,
		string(m.Source), m.FileName)
	if err != nil {
		return mapUniqueViolation(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *recordRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM medical_record WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *recordRepoPG) List(ctx context.Context, limit, offset int) ([]*MedicalRecord, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM medical_record`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+recordCols+` FROM medical_record
		ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.scanRows(rows)
	return items, total, err
}

const searchWhere = `patient_name ILIKE $1 OR symptoms ILIKE $1 OR diagnosis ILIKE $1 OR blood_pressure ILIKE $1`

func (r *recordRepoPG) Search(ctx context.Context, text string, limit, offset int) ([]*MedicalRecord, int, error) {
	pattern := "%" + escapeLike(text) + "%"

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM medical_record WHERE `+searchWhere, pattern).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+recordCols+` FROM medical_record WHERE `+searchWhere+`
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, pattern, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.scanRows(rows)
	return items, total, err
}

func (r *recordRepoPG) DuplicateGroups(ctx context.Context) ([][]*MedicalRecord, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+recordCols+` FROM (
			SELECT *, COUNT(*) OVER (PARTITION BY patient_name, age, gender, height, weight, diagnosis) AS dup_count
			FROM medical_record
		) t
		WHERE dup_count > 1
		ORDER BY patient_name, age, gender, height, weight, diagnosis, created_at`)
	if err != nil {
		return nil, err
	}
	items, err := r.scanRows(rows)
	if err != nil {
		return nil, err
	}
	return groupByDuplicateKey(items), nil
}

// groupByDuplicateKey splits records into groups of equal keys, preserving
// input order within each group and dropping singletons.
func groupByDuplicateKey(items []*MedicalRecord) [][]*MedicalRecord {
	index := map[DuplicateKey]int{}
	var groups [][]*MedicalRecord
	for _, m := range items {
		k := m.DuplicateKey()
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], m)
	}
	out := groups[:0]
	for _, g := range groups {
		if len(g) > 1 {
			out = append(out, g)
		}
	}
	return out
}

func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateRecord
	}
	return err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
