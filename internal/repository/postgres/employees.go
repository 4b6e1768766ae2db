package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/kazibase/import-engine/internal/importengine/dedup"
	"github.com/kazibase/import-engine/internal/importengine/model"
	"github.com/lib/pq"
)

// EmployeeRepo persists the Employee target entity and performs the
// per-row and per-chunk upserts ChunkEngine needs (spec.md §4.7).
type EmployeeRepo struct{ db *sql.DB }

func NewEmployeeRepo(db *sql.DB) *EmployeeRepo { return &EmployeeRepo{db: db} }

func (r *EmployeeRepo) FindByEmployeeNumber(ctx context.Context, employeeNumber string) (*model.Employee, error) {
	return r.findBy(ctx, "employee_number", employeeNumber)
}

func (r *EmployeeRepo) FindByEmail(ctx context.Context, email string) (*model.Employee, error) {
	return r.findBy(ctx, "email", email)
}

func (r *EmployeeRepo) findBy(ctx context.Context, column, value string) (*model.Employee, error) {
	if value == "" {
		return nil, dedup.ErrNotFound
	}
	e := &model.Employee{}
	var salary sql.NullFloat64
	var department, currency, countryCode, startDate sql.NullString

	err := r.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT employee_number, first_name, last_name, email,
		       COALESCE(department,''), salary, COALESCE(currency,''),
		       COALESCE(country_code,''), COALESCE(start_date::text,'')
		FROM employees WHERE %s = $1
	`, column), value).Scan(
		&e.EmployeeNumber, &e.FirstName, &e.LastName, &e.Email,
		&department, &salary, &currency, &countryCode, &startDate,
	)
	if err == sql.ErrNoRows {
		return nil, dedup.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find employee by %s: %w", column, err)
	}
	e.Department = department.String
	e.Currency = currency.String
	e.CountryCode = countryCode.String
	e.StartDate = startDate.String
	if salary.Valid {
		v := salary.Float64
		e.Salary = &v
	}
	return e, nil
}

// Upsert writes a single employee row, matching an existing row by
// (employee_number OR email) per spec.md §4.7 step d: a single INSERT
// ... ON CONFLICT can only target one unique index, so a row that
// arrives with a new employee_number but an email already on file (or
// vice versa) is handled as an UPDATE-then-INSERT-if-unmatched pair
// inside one transaction, mirroring BulkUpsert's batch merge.
func (r *EmployeeRepo) Upsert(ctx context.Context, e model.Employee) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE employees SET
			employee_number = $1,
			first_name = $2,
			last_name = $3,
			email = $4,
			department = NULLIF($5,''),
			salary = $6,
			currency = NULLIF($7,''),
			country_code = NULLIF($8,''),
			start_date = NULLIF($9,'')::date,
			updated_at = NOW()
		WHERE employee_number = $1 OR email = $4
	`, e.EmployeeNumber, e.FirstName, e.LastName, e.Email,
		e.Department, e.Salary, e.Currency, e.CountryCode, e.StartDate)
	if err != nil {
		return fmt.Errorf("update employee: %w", err)
	}

	if matched, _ := res.RowsAffected(); matched == 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO employees
				(id, employee_number, first_name, last_name, email, department,
				 salary, currency, country_code, start_date, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6,''), $7, NULLIF($8,''),
			        NULLIF($9,''), NULLIF($10,'')::date, NOW(), NOW())
		`, uuid.New().String(), e.EmployeeNumber, e.FirstName, e.LastName, e.Email,
			e.Department, e.Salary, e.Currency, e.CountryCode, e.StartDate); err != nil {
			return fmt.Errorf("insert employee: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

// BulkUpsert stages a chunk's employees via COPY into a temp table and
// merges them, grounded on insertBatchCopy
// (internal/worker/suppression_import.go): CREATE TEMP TABLE ... ON
// COMMIT DROP, pq.CopyIn, then an UPDATE of rows matched on employee
// number or email followed by INSERT ... SELECT ... WHERE NOT EXISTS.
// Runs inside the caller's transaction so it shares the chunk commit.
func (r *EmployeeRepo) BulkUpsert(ctx context.Context, tx *sql.Tx, batch []model.Employee) (int64, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE TEMP TABLE _employee_import_batch (
			employee_number VARCHAR(50),
			first_name VARCHAR(255),
			last_name VARCHAR(255),
			email VARCHAR(255),
			department VARCHAR(100),
			salary NUMERIC,
			currency VARCHAR(3),
			country_code VARCHAR(2),
			start_date DATE
		) ON COMMIT DROP
	`); err != nil {
		return 0, fmt.Errorf("create temp batch table: %w", err)
	}

	stmt, err := tx.Prepare(pq.CopyIn("_employee_import_batch",
		"employee_number", "first_name", "last_name", "email", "department",
		"salary", "currency", "country_code", "start_date"))
	if err != nil {
		return 0, fmt.Errorf("copy prepare: %w", err)
	}

	for _, e := range batch {
		var startDate *string
		if e.StartDate != "" {
			startDate = &e.StartDate
		}
		if _, err := stmt.Exec(
			e.EmployeeNumber, e.FirstName, e.LastName, e.Email,
			nullableString(e.Department), e.Salary,
			nullableString(e.Currency), nullableString(e.CountryCode), startDate,
		); err != nil {
			stmt.Close()
			return 0, fmt.Errorf("copy exec: %w", err)
		}
	}
	if _, err := stmt.Exec(); err != nil {
		stmt.Close()
		return 0, fmt.Errorf("copy flush: %w", err)
	}
	stmt.Close()

	// employee_number and email each carry their own UNIQUE constraint
	// (migrations/0002_employees.sql), and a single INSERT ... ON
	// CONFLICT can only target one of them. A batch row that matches an
	// existing employee by email alone (a new employee_number against an
	// existing email, or vice versa) is merged here as an UPDATE across
	// both keys, followed by an INSERT of whatever the UPDATE left
	// unmatched; KeepLast already guarantees no two rows in the same
	// batch share an employee_number or email, so the UPDATE can't
	// apply more than one batch row to the same existing record.
	updateRes, err := tx.ExecContext(ctx, `
		UPDATE employees e SET
			employee_number = b.employee_number,
			first_name = b.first_name,
			last_name = b.last_name,
			email = b.email,
			department = b.department,
			salary = b.salary,
			currency = b.currency,
			country_code = b.country_code,
			start_date = b.start_date,
			updated_at = NOW()
		FROM _employee_import_batch b
		WHERE e.employee_number = b.employee_number OR e.email = b.email
	`)
	if err != nil {
		return 0, fmt.Errorf("merge batch (update): %w", err)
	}

	insertRes, err := tx.ExecContext(ctx, `
		INSERT INTO employees
			(id, employee_number, first_name, last_name, email, department,
			 salary, currency, country_code, start_date, created_at, updated_at)
		SELECT gen_random_uuid()::text, b.employee_number, b.first_name, b.last_name,
		       b.email, b.department, b.salary, b.currency, b.country_code,
		       b.start_date, NOW(), NOW()
		FROM _employee_import_batch b
		WHERE NOT EXISTS (
			SELECT 1 FROM employees e
			WHERE e.employee_number = b.employee_number OR e.email = b.email
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("merge batch (insert): %w", err)
	}

	updated, _ := updateRes.RowsAffected()
	inserted, _ := insertRes.RowsAffected()
	return updated + inserted, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
