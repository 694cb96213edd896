package docquery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/hie/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type patientRepoPG struct{ pool *pgxpool.Pool }

// NewPatientRepoPG creates a new PostgreSQL-backed patient progress repository.
func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const patientCols = `id, cx_id, data->'documentQueryProgress', data->'sourceProgress', created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var (
		p                 Patient
		aggRaw, sourceRaw []byte
	)
	if err := row.Scan(&p.ID, &p.CxID, &aggRaw, &sourceRaw, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if isJSON(aggRaw) {
		if err := json.Unmarshal(aggRaw, &p.Progress); err != nil {
			return nil, fmt.Errorf("%w: documentQueryProgress: %v", ErrMalformedResult, err)
		}
	}
	if isJSON(sourceRaw) {
		if err := json.Unmarshal(sourceRaw, &p.Sources); err != nil {
			return nil, fmt.Errorf("%w: sourceProgress: %v", ErrMalformedResult, err)
		}
	}
	return &p, nil
}

func isJSON(b []byte) bool {
	return len(b) > 0 && string(b) != "null"
}

func (r *patientRepoPG) get(ctx context.Context, id, cxID uuid.UUID, lock bool) (*Patient, error) {
	q := `SELECT ` + patientCols + ` FROM patient WHERE id = $1 AND cx_id = $2`
	if lock {
		q += ` FOR UPDATE`
	}
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, q, id, cxID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Kind: "patient", ID: id, CxID: cxID}
	}
	return p, err
}

func (r *patientRepoPG) Get(ctx context.Context, id, cxID uuid.UUID) (*Patient, error) {
	return r.get(ctx, id, cxID, false)
}

func (r *patientRepoPG) GetForUpdate(ctx context.Context, id, cxID uuid.UUID) (*Patient, error) {
	if db.TxFromContext(ctx) == nil {
		return nil, errors.New("GetForUpdate requires a transaction")
	}
	return r.get(ctx, id, cxID, true)
}

// SaveProgress merges the progress keys into the patient's data document,
// leaving every other key untouched.
func (r *patientRepoPG) SaveProgress(ctx context.Context, p *Patient) error {
	agg, err := json.Marshal(p.Progress)
	if err != nil {
		return fmt.Errorf("encode documentQueryProgress: %w", err)
	}
	sources, err := json.Marshal(p.Sources)
	if err != nil {
		return fmt.Errorf("encode sourceProgress: %w", err)
	}

	err = r.conn(ctx).QueryRow(ctx, `
		UPDATE patient
		SET data = COALESCE(data, '{}'::jsonb) || jsonb_build_object(
				'documentQueryProgress', $3::jsonb,
				'sourceProgress', $4::jsonb),
			updated_at = NOW()
		WHERE id = $1 AND cx_id = $2
		RETURNING updated_at`,
		p.ID, p.CxID, string(agg), string(sources)).Scan(&p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &NotFoundError{Kind: "patient", ID: p.ID, CxID: p.CxID}
	}
	return err
}

// staleQuery flattens the aggregate and every source into one row per
// phase and keeps patients with at least one phase whose counts disagree
// with its total, or that still claims to be processing. Failed phases are
// terminal.
const staleQuery = `
	SELECT DISTINCT p.id, p.cx_id
	FROM patient p
	CROSS JOIN LATERAL (
		SELECT ph.value AS progress
		FROM jsonb_each(CASE WHEN jsonb_typeof(p.data->'documentQueryProgress') = 'object'
			THEN p.data->'documentQueryProgress' ELSE '{}'::jsonb END) ph
		WHERE ph.key IN ('download', 'convert')
		UNION ALL
		SELECT ph.value
		FROM jsonb_each(CASE WHEN jsonb_typeof(p.data->'sourceProgress') = 'object'
			THEN p.data->'sourceProgress' ELSE '{}'::jsonb END) src
		CROSS JOIN LATERAL jsonb_each(CASE WHEN jsonb_typeof(src.value) = 'object'
			THEN src.value ELSE '{}'::jsonb END) ph
		WHERE ph.key IN ('download', 'convert')
	) phases
	WHERE p.updated_at < $1
		AND ($2::uuid[] IS NULL OR p.id = ANY($2::uuid[]))
		AND jsonb_typeof(phases.progress) = 'object'
		AND COALESCE(phases.progress->>'status', '') <> 'failed'
		AND (
			COALESCE((phases.progress->>'total')::int, 0) <>
				COALESCE((phases.progress->>'successful')::int, 0) + COALESCE((phases.progress->>'errors')::int, 0)
			OR phases.progress->>'status' = 'processing'
		)
	ORDER BY p.id`

func (r *patientRepoPG) FindStale(ctx context.Context, cutoff time.Time, ids []uuid.UUID) ([]PatientRef, error) {
	var filter []uuid.UUID
	if len(ids) > 0 {
		filter = ids
	}

	rows, err := r.conn(ctx).Query(ctx, staleQuery, cutoff, filter)
	if err != nil {
		return nil, classifyStaleErr(err)
	}
	defer rows.Close()

	var refs []PatientRef
	for rows.Next() {
		var ref PatientRef
		if err := rows.Scan(&ref.ID, &ref.CxID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResult, err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyStaleErr(err)
	}
	return refs, nil
}

// classifyStaleErr maps errors caused by unexpected stored JSON (a count
// that is not a number) to ErrMalformedResult.
func classifyStaleErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "22P02", "22003": // invalid_text_representation, numeric_value_out_of_range
			return fmt.Errorf("%w: %v", ErrMalformedResult, err)
		}
	}
	return fmt.Errorf("find stale patients: %w", err)
}

type dispatchRepoPG struct{ pool *pgxpool.Pool }

// NewDispatchRepoPG creates a new PostgreSQL-backed dispatch outbox repository.
func NewDispatchRepoPG(pool *pgxpool.Pool) DispatchRepository {
	return &dispatchRepoPG{pool: pool}
}

func (r *dispatchRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const dispatchCols = `id, patient_id, cx_id, request_id, source, status, error,
	created_at, updated_at, dispatched_at`

func scanDispatch(row pgx.Row) (*Dispatch, error) {
	var d Dispatch
	err := row.Scan(&d.ID, &d.PatientID, &d.CxID, &d.RequestID, &d.Source, &d.Status, &d.Error,
		&d.CreatedAt, &d.UpdatedAt, &d.DispatchedAt)
	return &d, err
}

func (r *dispatchRepoPG) CreateDispatches(ctx context.Context, ds []*Dispatch) error {
	batch := &pgx.Batch{}
	for _, d := range ds {
		if d.ID == uuid.Nil {
			d.ID = uuid.New()
		}
		batch.Queue(`
			INSERT INTO document_query_dispatch (id, patient_id, cx_id, request_id, source, status, error,
				created_at, updated_at, dispatched_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			d.ID, d.PatientID, d.CxID, d.RequestID, string(d.Source), string(d.Status), d.Error,
			d.CreatedAt, d.UpdatedAt, d.DispatchedAt)
	}
	return r.conn(ctx).SendBatch(ctx, batch).Close()
}

func (r *dispatchRepoPG) UpdateDispatch(ctx context.Context, d *Dispatch) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE document_query_dispatch
		SET status = $2, error = $3, updated_at = $4, dispatched_at = $5
		WHERE id = $1`,
		d.ID, string(d.Status), d.Error, d.UpdatedAt, d.DispatchedAt)
	return err
}

func (r *dispatchRepoPG) ListByPatient(ctx context.Context, patientID, cxID uuid.UUID, limit, offset int) ([]*Dispatch, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM document_query_dispatch WHERE patient_id = $1 AND cx_id = $2`,
		patientID, cxID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+dispatchCols+`
		FROM document_query_dispatch
		WHERE patient_id = $1 AND cx_id = $2
		ORDER BY created_at DESC, source
		LIMIT $3 OFFSET $4`, patientID, cxID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Dispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, d)
	}
	return items, total, rows.Err()
}
