package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/songzhibin97/approval-engine/storage/migrations"
	"github.com/songzhibin97/approval-engine/types"
)

// Dialect names a supported SQL database.
type Dialect string

const (
	DialectPostgres Dialect = "POSTGRES"
	DialectMySQL    Dialect = "MYSQL"
	DialectSQLite   Dialect = "SQLLITE"
)

// migrationDir is the embedded directory holding the dialect's schema.
func (d Dialect) migrationDir() string {
	switch d {
	case DialectPostgres:
		return "postgres"
	case DialectMySQL:
		return "mysql"
	default:
		return "sqlite3"
	}
}

func (d Dialect) driverName() string {
	switch d {
	case DialectPostgres:
		return "postgres"
	case DialectMySQL:
		return "mysql"
	default:
		return "sqlite3"
	}
}

const (
	definitionColumns = `id, company_id, name, description, operation_type, active, nodes, created_at, updated_at`
	instanceColumns   = `id, definition_id, company_id, workflow_name, initiator_id, status, current_level,
		request, history, version, created_at, updated_at, completed_at`
	taskColumns = `id, instance_id, assignee_id, sequence_no, node_type, status, comments, channels, due_date,
		workflow_name, request_type, description, amount, initiator_id, created_at, decided_at`
)

// SQLStorage implements Storage on database/sql for Postgres, MySQL and SQLite.
// Instance commits run in one transaction; the instance row update is
// conditioned on the expected version.
type SQLStorage struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStorage wraps an open database. The schema must already be migrated.
func NewSQLStorage(db *sql.DB, dialect Dialect) *SQLStorage {
	return &SQLStorage{db: db, dialect: dialect}
}

// OpenSQL migrates the database at url and opens it.
// SQLite urls are plain file names. MySQL urls must start with mysql://
// and carry multiStatements=true for the migration files.
func OpenSQL(dialect Dialect, url string) (*SQLStorage, error) {
	migrateURL, dsn := url, url
	switch dialect {
	case DialectSQLite:
		migrateURL = "sqlite3://" + url
	case DialectMySQL:
		if !strings.HasPrefix(url, "mysql://") {
			return nil, fmt.Errorf("mysql url must start with mysql://")
		}
		dsn = strings.TrimPrefix(url, "mysql://")
	case DialectPostgres:
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}

	if err := Migrate(dialect, migrateURL); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if dialect == DialectSQLite {
		// one writer; SQLite serializes anyway and this avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}
	return NewSQLStorage(db, dialect), nil
}

// Migrate applies the embedded schema for the dialect to dbURL.
func Migrate(dialect Dialect, dbURL string) error {
	sub, err := fs.Sub(migrations.FS, dialect.migrationDir())
	if err != nil {
		return err
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, dbURL)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// placeholder returns the bind variable for the given 1-based index.
// Postgres uses $1, $2... while MySQL and SQLite use ?
func (s *SQLStorage) placeholder(i int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

func (s *SQLStorage) placeholders(n int) string {
	pps := make([]string, n)
	for i := range pps {
		pps[i] = s.placeholder(i + 1)
	}
	return strings.Join(pps, ", ")
}

// assignments renders "col = $n" pairs starting at index from.
func (s *SQLStorage) assignments(columns []string, from int) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = c + " = " + s.placeholder(from+i)
	}
	return strings.Join(parts, ", ")
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// SaveDefinition replaces the definition row.
func (s *SQLStorage) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	nodes, err := json.Marshal(def.Nodes)
	if err != nil {
		return fmt.Errorf("failed to marshal nodes of definition %d: %w", def.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM approval_definition WHERE id = `+s.placeholder(1), def.ID); err != nil {
		tx.Rollback()
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO approval_definition (`+definitionColumns+`) VALUES (`+s.placeholders(9)+`)`,
		def.ID, def.CompanyID, def.Name, def.Description, def.OperationType, def.Active, string(nodes), def.CreatedAt, def.UpdatedAt)
	if err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func scanDefinition(row scanner) (types.WorkflowDefinition, error) {
	var def types.WorkflowDefinition
	var nodes string
	err := row.Scan(&def.ID, &def.CompanyID, &def.Name, &def.Description, &def.OperationType, &def.Active, &nodes, &def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return def, err
	}
	if err := json.Unmarshal([]byte(nodes), &def.Nodes); err != nil {
		return def, fmt.Errorf("failed to unmarshal nodes of definition %d: %w", def.ID, err)
	}
	return def, nil
}

// GetDefinition loads a definition row.
func (s *SQLStorage) GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM approval_definition WHERE id = `+s.placeholder(1), id)
	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return def, fmt.Errorf("%w: id=%d", ErrDefinitionNotFound, id)
	}
	return def, err
}

// ListDefinitions lists a company's definitions.
func (s *SQLStorage) ListDefinitions(ctx context.Context, companyID uint64) ([]types.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+definitionColumns+` FROM approval_definition WHERE company_id = `+s.placeholder(1)+` ORDER BY id`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func scanInstance(row scanner) (types.WorkflowInstance, error) {
	var inst types.WorkflowInstance
	var request, history string
	err := row.Scan(&inst.ID, &inst.DefinitionID, &inst.CompanyID, &inst.WorkflowName, &inst.InitiatorID, &inst.Status,
		&inst.CurrentLevel, &request, &history, &inst.Version, &inst.CreatedAt, &inst.UpdatedAt, &inst.CompletedAt)
	if err != nil {
		return inst, err
	}
	if err := json.Unmarshal([]byte(request), &inst.Request); err != nil {
		return inst, fmt.Errorf("failed to unmarshal request of instance %d: %w", inst.ID, err)
	}
	if err := json.Unmarshal([]byte(history), &inst.History); err != nil {
		return inst, fmt.Errorf("failed to unmarshal history of instance %d: %w", inst.ID, err)
	}
	return inst, nil
}

func instanceValues(inst types.WorkflowInstance) ([]interface{}, error) {
	request, err := json.Marshal(inst.Request)
	if err != nil {
		return nil, err
	}
	history, err := json.Marshal(inst.History)
	if err != nil {
		return nil, err
	}
	return []interface{}{inst.ID, inst.DefinitionID, inst.CompanyID, inst.WorkflowName, inst.InitiatorID, string(inst.Status),
		inst.CurrentLevel, string(request), string(history), inst.Version, inst.CreatedAt, inst.UpdatedAt, inst.CompletedAt}, nil
}

// GetInstance loads an instance row.
func (s *SQLStorage) GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM approval_instance WHERE id = `+s.placeholder(1), id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return inst, fmt.Errorf("%w: id=%d", ErrInstanceNotFound, id)
	}
	return inst, err
}

// ListInstances lists a company's instances.
func (s *SQLStorage) ListInstances(ctx context.Context, companyID uint64) ([]types.WorkflowInstance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+instanceColumns+` FROM approval_instance WHERE company_id = `+s.placeholder(1)+` ORDER BY id`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// HasActiveInstances reports whether a running instance references the definition.
func (s *SQLStorage) HasActiveInstances(ctx context.Context, definitionID uint64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM approval_instance WHERE definition_id = `+s.placeholder(1)+
		` AND status IN (`+s.placeholder(2)+`, `+s.placeholder(3)+`)`,
		definitionID, string(types.InstancePending), string(types.InstanceInProgress)).Scan(&n)
	return n > 0, err
}

func scanTask(row scanner) (types.ApprovalTask, error) {
	var t types.ApprovalTask
	var channels string
	err := row.Scan(&t.ID, &t.InstanceID, &t.AssigneeID, &t.Sequence, &t.NodeType, &t.Status, &t.Comments, &channels, &t.DueDate,
		&t.WorkflowName, &t.RequestType, &t.Description, &t.Amount, &t.InitiatorID, &t.CreatedAt, &t.DecidedAt)
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(channels), &t.Channels); err != nil {
		return t, fmt.Errorf("failed to unmarshal channels of task %d: %w", t.ID, err)
	}
	return t, nil
}

func taskValues(t types.ApprovalTask) ([]interface{}, error) {
	channels, err := json.Marshal(t.Channels)
	if err != nil {
		return nil, err
	}
	return []interface{}{t.ID, t.InstanceID, t.AssigneeID, t.Sequence, string(t.NodeType), string(t.Status), t.Comments, string(channels),
		t.DueDate, t.WorkflowName, t.RequestType, t.Description, t.Amount, t.InitiatorID, t.CreatedAt, t.DecidedAt}, nil
}

// GetTask loads a task row.
func (s *SQLStorage) GetTask(ctx context.Context, id uint64) (types.ApprovalTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM approval_task WHERE id = `+s.placeholder(1), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("%w: id=%d", ErrTaskNotFound, id)
	}
	return t, err
}

func (s *SQLStorage) queryTasks(ctx context.Context, query string, args ...interface{}) ([]types.ApprovalTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.ApprovalTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTasks lists an instance's tasks.
func (s *SQLStorage) ListTasks(ctx context.Context, instanceID uint64) ([]types.ApprovalTask, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM approval_task WHERE instance_id = `+s.placeholder(1)+
		` ORDER BY sequence_no, id`, instanceID)
}

// ListPendingTasks lists a user's pending tasks.
func (s *SQLStorage) ListPendingTasks(ctx context.Context, userID uint64) ([]types.ApprovalTask, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM approval_task WHERE assignee_id = `+s.placeholder(1)+
		` AND status = `+s.placeholder(2)+` ORDER BY due_date, id`, userID, string(types.TaskPending))
}

var (
	instanceUpdateColumns = []string{"status", "current_level", "request", "history", "version", "updated_at", "completed_at"}
	taskUpdateColumns     = []string{"status", "comments", "decided_at"}
)

// Commit applies the change in one transaction.
func (s *SQLStorage) Commit(ctx context.Context, change Change) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := s.commit(ctx, tx, change); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLStorage) commit(ctx context.Context, tx *sql.Tx, change Change) error {
	inst := change.Instance
	vals, err := instanceValues(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance %d: %w", inst.ID, err)
	}

	if change.Create {
		exists, err := s.instanceExists(ctx, tx, inst.ID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: id=%d", ErrInstanceExists, inst.ID)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO approval_instance (`+instanceColumns+`) VALUES (`+s.placeholders(len(vals))+`)`, vals...); err != nil {
			return err
		}
	} else {
		// status, current_level, request, history, version, updated_at, completed_at
		args := []interface{}{vals[5], vals[6], vals[7], vals[8], vals[9], vals[11], vals[12], inst.ID, change.ExpectedVersion}
		n := len(instanceUpdateColumns)
		res, err := tx.ExecContext(ctx, `UPDATE approval_instance SET `+s.assignments(instanceUpdateColumns, 1)+
			` WHERE id = `+s.placeholder(n+1)+` AND version = `+s.placeholder(n+2), args...)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected != 1 {
			exists, err := s.instanceExists(ctx, tx, inst.ID)
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, inst.ID)
			}
			return fmt.Errorf("%w: id=%d want=%d", ErrVersionConflict, inst.ID, change.ExpectedVersion)
		}
	}

	for _, t := range change.NewTasks {
		tv, err := taskValues(t)
		if err != nil {
			return fmt.Errorf("failed to marshal task %d: %w", t.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO approval_task (`+taskColumns+`) VALUES (`+s.placeholders(len(tv))+`)`, tv...); err != nil {
			return err
		}
	}

	n := len(taskUpdateColumns)
	for _, t := range change.UpdatedTasks {
		res, err := tx.ExecContext(ctx, `UPDATE approval_task SET `+s.assignments(taskUpdateColumns, 1)+` WHERE id = `+s.placeholder(n+1),
			string(t.Status), t.Comments, t.DecidedAt, t.ID)
		if err != nil {
			return err
		}
		if affected, err := res.RowsAffected(); err != nil {
			return err
		} else if affected != 1 {
			return fmt.Errorf("%w: id=%d", ErrTaskNotFound, t.ID)
		}
	}
	return nil
}

func (s *SQLStorage) instanceExists(ctx context.Context, tx *sql.Tx, id uint64) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM approval_instance WHERE id = `+s.placeholder(1), id).Scan(&n)
	return n > 0, err
}

// Close closes the database.
func (s *SQLStorage) Close() error {
	return s.db.Close()
}
