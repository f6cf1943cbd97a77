package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql

	"github.com/agentdeck/agentdeck/pkg/config"
	"github.com/agentdeck/agentdeck/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// changeChannel is the NOTIFY channel carrying command change-feed events.
const changeChannel = "agentdeck_command_changes"

// Postgres is the production Store. Writes that feed the change feed use
// pg_notify inside the same transaction so the NOTIFY fires atomically with
// the row change.
type Postgres struct {
	db       *sql.DB
	dsn      string
	listener *changeListener
}

// NewPostgres opens a pooled connection, applies pending migrations and
// starts the change-feed listener.
func NewPostgres(ctx context.Context, cfg *config.StoreConfig) (*Postgres, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: pinging database: %w", err)
	}

	if err := runMigrations(db, cfg.Database); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: running migrations: %w", err)
	}

	s := &Postgres{db: db, dsn: dsn}
	s.listener = newChangeListener(dsn, changeChannel)
	if err := s.listener.Start(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: starting change listener: %w", err)
	}
	return s, nil
}

// DB exposes the underlying pool for health checks.
func (s *Postgres) DB() *sql.DB { return s.db }

func runMigrations(db *sql.DB, dbName string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("creating postgres migrate driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, dbName, driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}
	// Close only the source driver. m.Close() would also close the shared
	// *sql.DB handed to postgres.WithInstance.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("closing migration source: %w", err)
	}
	return nil
}

// --- Agents ---

func (s *Postgres) UpsertAgent(ctx context.Context, agent *AgentRecord) error {
	metadata, err := marshalJSONB(agent.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, user_id, name, type, status, last_ping, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			status = EXCLUDED.status,
			last_ping = EXCLUDED.last_ping,
			metadata = EXCLUDED.metadata`,
		agent.ID, nullString(agent.UserID), agent.Name, agent.Type, agent.Status, agent.LastPing, metadata)
	if err != nil {
		return fmt.Errorf("store: upserting agent: %w", err)
	}
	return nil
}

func (s *Postgres) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(user_id, ''), name, type, status, last_ping, metadata
		FROM agents WHERE id = $1`, id)
	return scanAgent(row)
}

func (s *Postgres) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(user_id, ''), name, type, status, last_ping, metadata
		FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: listing agents: %w", err)
	}
	defer rows.Close()

	var out []*AgentRecord
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Postgres) SetAgentStatus(ctx context.Context, id string, status models.AgentStatus, lastPing time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = $2, last_ping = $3 WHERE id = $1`,
		id, status, lastPing)
	if err != nil {
		return fmt.Errorf("store: updating agent status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*AgentRecord, error) {
	var a AgentRecord
	var metadata []byte
	err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.Type, &a.Status, &a.LastPing, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning agent: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
			return nil, fmt.Errorf("store: decoding agent metadata: %w", err)
		}
	}
	return &a, nil
}

// --- Commands ---

const commandColumns = `id, user_id, agent_id, content, COALESCE(type, ''), priority, status,
	COALESCE(queue_position, 0), attempt_count, max_attempts, created_at,
	queued_at, started_at, completed_at, COALESCE(failure_reason, ''), metadata`

func (s *Postgres) CreateCommand(ctx context.Context, cmd *models.Command) error {
	return s.writeCommand(ctx, cmd, true)
}

func (s *Postgres) UpdateCommand(ctx context.Context, cmd *models.Command) error {
	return s.writeCommand(ctx, cmd, false)
}

// writeCommand inserts or updates a command row and fires the change-feed
// NOTIFY in the same transaction.
func (s *Postgres) writeCommand(ctx context.Context, cmd *models.Command, insert bool) error {
	metadata, err := marshalJSONB(commandMetadata(cmd))
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if insert {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO commands (id, user_id, agent_id, content, type, priority, status,
				queue_position, attempt_count, max_attempts, created_at, queued_at,
				started_at, completed_at, failure_reason, metadata)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
			cmd.ID, cmd.UserID, cmd.AgentID, cmd.Content, nullString(cmd.CommandType),
			cmd.Priority, cmd.Status, nullInt(cmd.QueuePosition), cmd.AttemptCount,
			cmd.MaxAttempts, cmd.CreatedAt, cmd.QueuedAt, cmd.StartedAt, cmd.CompletedAt,
			nullString(cmd.FailureReason), metadata)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("store: inserting command: %w", err)
		}
	} else {
		res, execErr := tx.ExecContext(ctx, `
			UPDATE commands SET status = $2, priority = $3, queue_position = $4,
				attempt_count = $5, queued_at = $6, started_at = $7, completed_at = $8,
				failure_reason = $9, metadata = $10
			WHERE id = $1`,
			cmd.ID, cmd.Status, cmd.Priority, nullInt(cmd.QueuePosition),
			cmd.AttemptCount, cmd.QueuedAt, cmd.StartedAt, cmd.CompletedAt,
			nullString(cmd.FailureReason), metadata)
		if execErr != nil {
			return fmt.Errorf("store: updating command: %w", execErr)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
	}

	notify, err := json.Marshal(Change{CommandID: cmd.ID, AgentID: cmd.AgentID, Status: cmd.Status})
	if err != nil {
		return fmt.Errorf("store: encoding change payload: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, changeChannel, string(notify)); err != nil {
		return fmt.Errorf("store: pg_notify: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing command write: %w", err)
	}
	return nil
}

func (s *Postgres) GetCommand(ctx context.Context, id string) (*models.Command, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE id = $1`, id)
	return scanCommand(row)
}

func (s *Postgres) ListCommands(ctx context.Context, filters CommandFilters) ([]*models.Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE 1=1`
	args := make([]any, 0, 4)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filters.AgentID != "" {
		query += ` AND agent_id = ` + arg(filters.AgentID)
	}
	if filters.UserID != "" {
		query += ` AND user_id = ` + arg(filters.UserID)
	}
	if filters.Status != "" {
		query += ` AND status = ` + arg(string(filters.Status))
	}
	query += ` ORDER BY created_at DESC`
	if filters.Limit > 0 {
		query += ` LIMIT ` + arg(filters.Limit)
	}
	if filters.Offset > 0 {
		query += ` OFFSET ` + arg(filters.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: listing commands: %w", err)
	}
	defer rows.Close()

	var out []*models.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCommand(row rowScanner) (*models.Command, error) {
	var c models.Command
	var metadata []byte
	err := row.Scan(&c.ID, &c.UserID, &c.AgentID, &c.Content, &c.CommandType,
		&c.Priority, &c.Status, &c.QueuePosition, &c.AttemptCount, &c.MaxAttempts,
		&c.CreatedAt, &c.QueuedAt, &c.StartedAt, &c.CompletedAt, &c.FailureReason, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning command: %w", err)
	}
	if len(metadata) > 0 {
		var meta struct {
			Constraints *models.CommandConstraints `json:"constraints,omitempty"`
		}
		if err := json.Unmarshal(metadata, &meta); err != nil {
			return nil, fmt.Errorf("store: decoding command metadata: %w", err)
		}
		c.Constraints = meta.Constraints
	}
	return &c, nil
}

func commandMetadata(cmd *models.Command) map[string]any {
	if cmd.Constraints == nil {
		return nil
	}
	return map[string]any{"constraints": cmd.Constraints}
}

// --- Terminal output ---

func (s *Postgres) AppendTerminalOutput(ctx context.Context, out *TerminalOutput) error {
	id := out.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO terminal_outputs (id, command_id, agent_id, type, content, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		id, out.CommandID, out.AgentID, out.Stream, out.Content, out.Timestamp)
	if err != nil {
		return fmt.Errorf("store: appending terminal output: %w", err)
	}
	return nil
}

func (s *Postgres) ListTerminalOutputs(ctx context.Context, commandID string, limit int) ([]*TerminalOutput, error) {
	query := `SELECT id, command_id, agent_id, type, content, timestamp
		FROM terminal_outputs WHERE command_id = $1 ORDER BY timestamp`
	args := []any{commandID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: listing terminal outputs: %w", err)
	}
	defer rows.Close()

	var out []*TerminalOutput
	for rows.Next() {
		var o TerminalOutput
		if err := rows.Scan(&o.ID, &o.CommandID, &o.AgentID, &o.Stream, &o.Content, &o.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scanning terminal output: %w", err)
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

// --- Trace entries ---

func (s *Postgres) InsertTraceEntry(ctx context.Context, entry *models.TraceEntry) error {
	content, err := marshalJSONB(entry.Content)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trace_entries (id, command_id, agent_id, parent_id, type, name,
			content, started_at, completed_at, duration_ms, tokens_used)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		entry.ID, entry.CommandID, entry.AgentID, nullString(entry.ParentID),
		entry.Type, entry.Name, content, entry.StartedAt, entry.CompletedAt,
		nullInt64(entry.DurationMs), nullInt(entry.TokensUsed))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("store: inserting trace entry: %w", err)
	}
	return nil
}

func (s *Postgres) GetTraceEntry(ctx context.Context, id string) (*models.TraceEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, command_id, agent_id, COALESCE(parent_id, ''), type, name, content,
			started_at, completed_at, COALESCE(duration_ms, 0), COALESCE(tokens_used, 0)
		FROM trace_entries WHERE id = $1`, id)
	return scanTrace(row)
}

func (s *Postgres) UpdateTraceEntry(ctx context.Context, entry *models.TraceEntry) error {
	content, err := marshalJSONB(entry.Content)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE trace_entries SET content = $2, completed_at = $3, duration_ms = $4, tokens_used = $5
		WHERE id = $1`,
		entry.ID, content, entry.CompletedAt, nullInt64(entry.DurationMs), nullInt(entry.TokensUsed))
	if err != nil {
		return fmt.Errorf("store: updating trace entry: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ListTraceEntries(ctx context.Context, commandID string) ([]*models.TraceEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, command_id, agent_id, COALESCE(parent_id, ''), type, name, content,
			started_at, completed_at, COALESCE(duration_ms, 0), COALESCE(tokens_used, 0)
		FROM trace_entries WHERE command_id = $1 ORDER BY started_at`, commandID)
	if err != nil {
		return nil, fmt.Errorf("store: listing trace entries: %w", err)
	}
	defer rows.Close()

	var out []*models.TraceEntry
	for rows.Next() {
		e, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Postgres) DeleteTraceEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM trace_entries WHERE started_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: deleting trace entries: %w", err)
	}
	return res.RowsAffected()
}

func scanTrace(row rowScanner) (*models.TraceEntry, error) {
	var e models.TraceEntry
	var content []byte
	err := row.Scan(&e.ID, &e.CommandID, &e.AgentID, &e.ParentID, &e.Type, &e.Name,
		&content, &e.StartedAt, &e.CompletedAt, &e.DurationMs, &e.TokensUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning trace entry: %w", err)
	}
	if len(content) > 0 {
		if err := json.Unmarshal(content, &e.Content); err != nil {
			return nil, fmt.Errorf("store: decoding trace content: %w", err)
		}
	}
	return &e, nil
}

// --- Audit ---

func (s *Postgres) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	id := entry.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	data, err := marshalJSONB(entry.EventData)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, user_id, event_type, event_data, ip, user_agent, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		id, nullString(entry.UserID), entry.EventType, data,
		nullString(entry.IP), nullString(entry.UserAgent), createdAt)
	if err != nil {
		return fmt.Errorf("store: appending audit log: %w", err)
	}
	return nil
}

// --- Retention ---

func (s *Postgres) DeleteTerminalDataBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM terminal_outputs WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: deleting terminal outputs: %w", err)
	}
	return res.RowsAffected()
}

// --- Change feed ---

func (s *Postgres) SubscribeChanges(ctx context.Context) (<-chan Change, func()) {
	return s.listener.Subscribe(ctx)
}

func (s *Postgres) Close() error {
	s.listener.Stop(context.Background())
	return s.db.Close()
}

// --- helpers ---

func marshalJSONB(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("store: encoding jsonb: %w", err)
	}
	return b, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullInt(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}

func nullInt64(n int64) *int64 {
	if n == 0 {
		return nil
	}
	return &n
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	type sqlState interface{ SQLState() string }
	var st sqlState
	return errors.As(err, &st) && st.SQLState() == "23505"
}
