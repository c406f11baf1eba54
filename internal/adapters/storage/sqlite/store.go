// Package sqlite persists flow definitions, credentials, the usage ledger
// and the billing ledger in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tjfontaine/genflow/internal/core/domain"
	"github.com/tjfontaine/genflow/internal/core/ports"
)

// Store is a SQLite implementation of the flow, credential and billing
// stores.
type Store struct {
	db *sql.DB
}

var (
	_ ports.FlowStore       = (*Store)(nil)
	_ ports.FlowWriter      = (*Store)(nil)
	_ ports.CategoryLister  = (*Store)(nil)
	_ ports.CredentialStore = (*Store)(nil)
	_ ports.BillingLedger   = (*Store)(nil)
)

// New opens (or creates) the database at dbPath.
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dbPath == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS flow_steps (
			id TEXT PRIMARY KEY,
			category TEXT NOT NULL,
			step_key TEXT NOT NULL,
			prompt TEXT NOT NULL,
			localized_prompts TEXT,
			kind TEXT NOT NULL,
			optional INTEGER NOT NULL DEFAULT 0,
			sort_order INTEGER NOT NULL,
			skip_behavior TEXT NOT NULL DEFAULT 'omit',
			min_length INTEGER NOT NULL DEFAULT 0,
			max_length INTEGER NOT NULL DEFAULT 0,
			max_items INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS flow_options (
			id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			label TEXT NOT NULL,
			localized_labels TEXT,
			value TEXT NOT NULL,
			sort_order INTEGER NOT NULL,
			custom_prompt TEXT,
			PRIMARY KEY (step_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			label TEXT,
			token TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			priority INTEGER NOT NULL DEFAULT 0,
			daily_usage INTEGER NOT NULL DEFAULT 0,
			lifetime_usage INTEGER NOT NULL DEFAULT 0,
			last_reset INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credential_usage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			credential_id TEXT NOT NULL,
			used_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS balances (
			user_id TEXT PRIMARY KEY,
			units INTEGER NOT NULL DEFAULT 0,
			fraction INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS billing_history (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			delta_units INTEGER NOT NULL,
			delta_fraction INTEGER NOT NULL,
			debit INTEGER NOT NULL,
			balance_units INTEGER NOT NULL,
			balance_fraction INTEGER NOT NULL,
			note TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flow_steps_category ON flow_steps(category, sort_order)`,
		`CREATE INDEX IF NOT EXISTS idx_flow_options_step ON flow_options(step_id, sort_order)`,
		`CREATE INDEX IF NOT EXISTS idx_credential_usage_lookup ON credential_usage(credential_id, used_at)`,
		`CREATE INDEX IF NOT EXISTS idx_billing_history_user ON billing_history(user_id, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) UpsertStep(ctx context.Context, step domain.StepDefinition) error {
	prompts, err := json.Marshal(step.LocalizedPrompts)
	if err != nil {
		return fmt.Errorf("failed to marshal localized prompts: %w", err)
	}
	skip := step.SkipBehavior
	if skip == "" {
		skip = domain.SkipOmit
	}

	query := `INSERT INTO flow_steps (id, category, step_key, prompt, localized_prompts, kind, optional,
	              sort_order, skip_behavior, min_length, max_length, max_items)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT(id) DO UPDATE SET
	              category = excluded.category,
	              step_key = excluded.step_key,
	              prompt = excluded.prompt,
	              localized_prompts = excluded.localized_prompts,
	              kind = excluded.kind,
	              optional = excluded.optional,
	              sort_order = excluded.sort_order,
	              skip_behavior = excluded.skip_behavior,
	              min_length = excluded.min_length,
	              max_length = excluded.max_length,
	              max_items = excluded.max_items`

	_, err = s.db.ExecContext(ctx, query,
		step.ID, step.Category, step.Key, step.Prompt, string(prompts), string(step.Kind),
		boolToInt(step.Optional), step.Order, string(skip), step.MinLength, step.MaxLength, step.MaxItems)
	if err != nil {
		return fmt.Errorf("failed to upsert step %s: %w", step.ID, err)
	}
	return nil
}

func (s *Store) UpsertOption(ctx context.Context, opt domain.OptionDefinition) error {
	labels, err := json.Marshal(opt.LocalizedLabels)
	if err != nil {
		return fmt.Errorf("failed to marshal localized labels: %w", err)
	}

	query := `INSERT INTO flow_options (id, step_id, label, localized_labels, value, sort_order, custom_prompt)
	          VALUES (?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT(step_id, id) DO UPDATE SET
	              label = excluded.label,
	              localized_labels = excluded.localized_labels,
	              value = excluded.value,
	              sort_order = excluded.sort_order,
	              custom_prompt = excluded.custom_prompt`

	_, err = s.db.ExecContext(ctx, query,
		opt.ID, opt.StepID, opt.Label, string(labels), opt.Value, opt.Order, opt.CustomPrompt)
	if err != nil {
		return fmt.Errorf("failed to upsert option %s: %w", opt.ID, err)
	}
	return nil
}

func (s *Store) ListSteps(ctx context.Context, category string) ([]domain.StepDefinition, error) {
	query := `SELECT id, category, step_key, prompt, localized_prompts, kind, optional, sort_order,
	                 skip_behavior, min_length, max_length, max_items
	          FROM flow_steps WHERE category = ?
	          ORDER BY sort_order ASC`

	rows, err := s.db.QueryContext(ctx, query, category)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var steps []domain.StepDefinition
	for rows.Next() {
		var step domain.StepDefinition
		var prompts sql.NullString
		var kind, skip string
		var optional int
		if err := rows.Scan(&step.ID, &step.Category, &step.Key, &step.Prompt, &prompts, &kind,
			&optional, &step.Order, &skip, &step.MinLength, &step.MaxLength, &step.MaxItems); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		step.Kind = domain.InputKind(kind)
		step.SkipBehavior = domain.SkipBehavior(skip)
		step.Optional = optional != 0
		if prompts.Valid && prompts.String != "" && prompts.String != "null" {
			if err := json.Unmarshal([]byte(prompts.String), &step.LocalizedPrompts); err != nil {
				return nil, fmt.Errorf("failed to unmarshal localized prompts: %w", err)
			}
		}
		steps = append(steps, step)
	}

	return steps, rows.Err()
}

func (s *Store) ListOptions(ctx context.Context, stepID string) ([]domain.OptionDefinition, error) {
	query := `SELECT id, step_id, label, localized_labels, value, sort_order, custom_prompt
	          FROM flow_options WHERE step_id = ?
	          ORDER BY sort_order ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, stepID)
	if err != nil {
		return nil, fmt.Errorf("failed to query options: %w", err)
	}
	defer rows.Close()

	var options []domain.OptionDefinition
	for rows.Next() {
		var opt domain.OptionDefinition
		var labels, custom sql.NullString
		if err := rows.Scan(&opt.ID, &opt.StepID, &opt.Label, &labels, &opt.Value, &opt.Order, &custom); err != nil {
			return nil, fmt.Errorf("failed to scan option: %w", err)
		}
		opt.CustomPrompt = custom.String
		if labels.Valid && labels.String != "" && labels.String != "null" {
			if err := json.Unmarshal([]byte(labels.String), &opt.LocalizedLabels); err != nil {
				return nil, fmt.Errorf("failed to unmarshal localized labels: %w", err)
			}
		}
		options = append(options, opt)
	}

	return options, rows.Err()
}

func (s *Store) ListCategories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT category FROM flow_steps ORDER BY category`)
	if err != nil {
		return nil, fmt.Errorf("failed to query categories: %w", err)
	}
	defer rows.Close()

	var categories []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
