package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks a live database against the expected layout.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs every check in order.
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	return v.ValidateIndexes()
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	for _, table := range []string{"sessions", "notebook_pages", "violations", "schema_migrations"} {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// ValidateTableStructure verifies column names and declared types.
func (v *SchemaValidator) ValidateTableStructure() error {
	expected := map[string]map[string]string{
		"sessions": {
			"id":                  "TEXT",
			"title":               "TEXT",
			"subject":             "TEXT",
			"teacher_id":          "TEXT",
			"teacher_name":        "TEXT",
			"status":              "TEXT",
			"is_recording":        "BOOLEAN",
			"is_broadcast_active": "BOOLEAN",
			"student_ids":         "TEXT",
			"created_at":          "DATETIME",
			"start_time":          "DATETIME",
			"end_time":            "DATETIME",
		},
		"notebook_pages": {
			"session_id":  "TEXT",
			"student_id":  "TEXT",
			"page_number": "INTEGER",
			"id":          "TEXT",
			"canvas_data": "TEXT",
			"updated_at":  "DATETIME",
		},
		"violations": {
			"id":          "TEXT",
			"session_id":  "TEXT",
			"student_id":  "TEXT",
			"type":        "TEXT",
			"occurred_at": "DATETIME",
		},
	}
	for table, columns := range expected {
		if err := v.validateColumns(table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

// ValidateIndexes verifies that all lookup indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	for _, index := range []string{
		"idx_sessions_status",
		"idx_sessions_teacher",
		"idx_violations_session_time",
		"idx_violations_student",
	} {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}
	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name, kind   string
			notNull, pk  int
			defaultValue interface{}
		)
		if err := rows.Scan(&cid, &name, &kind, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = kind
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for column, kind := range expectedColumns {
		got, ok := found[column]
		if !ok {
			return fmt.Errorf("column %s not found", column)
		}
		if got != kind {
			return fmt.Errorf("column %s has type %s, expected %s", column, got, kind)
		}
	}
	return nil
}
