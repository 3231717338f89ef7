package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS processor_definitions (
	id          TEXT PRIMARY KEY,
	flow_id     TEXT NOT NULL,
	phase       INT NOT NULL,
	sort_order  INT NOT NULL,
	document    JSONB NOT NULL,
	updated_on  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS processor_definitions_flow_idx ON processor_definitions (flow_id);

CREATE TABLE IF NOT EXISTS run_plans (
	id          TEXT PRIMARY KEY,
	flow_id     TEXT NOT NULL,
	run_state   TEXT NOT NULL,
	document    JSONB NOT NULL,
	updated_on  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS run_plans_flow_updated_idx ON run_plans (flow_id, updated_on DESC);
`

// Postgres stores definitions and run plans as JSONB documents.
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres creates a Postgres store over an existing pool.
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// ConnectPostgres opens a pool for dsn and verifies it.
func ConnectPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// FindByWorkflow returns the definitions of a workflow sorted by phase and order.
func (s *Postgres) FindByWorkflow(ctx context.Context, workflowID string) ([]model.ProcessorDefinition, error) {
	rows, err := s.db.Query(ctx,
		"SELECT document FROM processor_definitions WHERE flow_id = $1 ORDER BY phase, sort_order, id", workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query processors of workflow %s: %w", workflowID, err)
	}
	defer rows.Close()

	var defs []model.ProcessorDefinition
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var def model.ProcessorDefinition
		if err := json.Unmarshal(doc, &def); err != nil {
			return nil, fmt.Errorf("failed to decode processor document: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// Save upserts a processor definition.
func (s *Postgres) Save(ctx context.Context, def model.ProcessorDefinition) error {
	if def.ID == "" || def.FlowID == "" {
		return sdkerrors.NewValidationError("INVALID_PROCESSOR", "processor id and flow id are required", nil)
	}
	doc, err := json.Marshal(def)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO processor_definitions (id, flow_id, phase, sort_order, document, updated_on)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO UPDATE
		SET flow_id = EXCLUDED.flow_id, phase = EXCLUDED.phase, sort_order = EXCLUDED.sort_order,
		    document = EXCLUDED.document, updated_on = EXCLUDED.updated_on`,
		def.ID, def.FlowID, def.Phase, def.Order, doc)
	return err
}

// Plans returns the run plan view of the store.
func (s *Postgres) Plans() RunPlanStore {
	return (*postgresPlans)(s)
}

type postgresPlans Postgres

func (s *postgresPlans) Save(ctx context.Context, plan *model.RunPlan) error {
	if plan == nil || plan.ID == "" {
		return sdkerrors.NewValidationError("INVALID_RUN_PLAN", "run plan id is required", nil)
	}
	snap := plan.Snapshot()
	doc, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO run_plans (id, flow_id, run_state, document, updated_on)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET run_state = EXCLUDED.run_state, document = EXCLUDED.document, updated_on = EXCLUDED.updated_on`,
		snap.ID, snap.FlowID, string(snap.RunState), doc, snap.UpdatedOn)
	if err != nil {
		return fmt.Errorf("failed to save run plan %s: %w", snap.ID, err)
	}
	return nil
}

func (s *postgresPlans) Get(ctx context.Context, id string) (*model.RunPlan, error) {
	return s.one(ctx, "SELECT document FROM run_plans WHERE id = $1", id)
}

func (s *postgresPlans) LatestForWorkflow(ctx context.Context, workflowID string) (*model.RunPlan, error) {
	return s.one(ctx, "SELECT document FROM run_plans WHERE flow_id = $1 ORDER BY updated_on DESC LIMIT 1", workflowID)
}

func (s *postgresPlans) DeleteForWorkflow(ctx context.Context, workflowID string) error {
	_, err := s.db.Exec(ctx, "DELETE FROM run_plans WHERE flow_id = $1", workflowID)
	return err
}

func (s *postgresPlans) one(ctx context.Context, query, arg string) (*model.RunPlan, error) {
	var doc []byte
	err := s.db.QueryRow(ctx, query, arg).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", arg, sdkerrors.ErrRunPlanNotFound)
	}
	if err != nil {
		return nil, err
	}
	var plan model.RunPlan
	if err := json.Unmarshal(doc, &plan); err != nil {
		return nil, fmt.Errorf("failed to decode run plan document: %w", err)
	}
	return &plan, nil
}
