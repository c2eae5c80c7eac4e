package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoTenantContext is returned when a tenant-isolated model is accessed
// without a tenant_id predicate, per spec.md §4.6's tenant isolation rule.
var ErrNoTenantContext = errors.New("repository: tenant-isolated model requires tenant context")

// ErrNotFound is returned by Get when no row matches.
var ErrNotFound = errors.New("repository: not found")

// Filter is a single equality or JSON-containment predicate used by Select.
type Filter struct {
	Field    string
	Value    any
	Contains bool // true: JSON-containment (@>) rather than equality
}

// SelectOptions controls a Select call.
type SelectOptions struct {
	Filters []Filter
	Limit   int
	Offset  int
	OrderBy string // column name; defaults to the table's key field
}

// Repository is a generic, registry-driven CRUD surface over one table.
// Every entity is stored as an indexed id/tenant_id pair plus a JSONB "data"
// column carrying the full encoded struct — this keeps the repository
// generic across models whose shape includes variable bags and arrays
// (File.metadata, Resource.graph_paths, Moment.present_persons, ...)
// without per-model SQL generation.
type Repository[T any] struct {
	pool       *pgxpool.Pool
	descriptor Descriptor
}

// New builds a Repository for tableName, looked up in reg.
func New[T any](pool *pgxpool.Pool, reg *Registry, tableName string) (*Repository[T], error) {
	d, ok := reg.Describe(tableName)
	if !ok {
		return nil, fmt.Errorf("repository: no descriptor registered for table %q", tableName)
	}
	return &Repository[T]{pool: pool, descriptor: d}, nil
}

// Get fetches one entity by id. tenantID is required (and enforced) when
// the model is tenant-isolated.
func (r *Repository[T]) Get(ctx context.Context, id, tenantID string) (*T, error) {
	if r.descriptor.TenantIsolated && tenantID == "" {
		return nil, ErrNoTenantContext
	}

	query := fmt.Sprintf(`SELECT data FROM %s WHERE %s = $1`, r.descriptor.TableName, r.descriptor.KeyField)
	args := []any{id}
	if r.descriptor.TenantIsolated {
		query += ` AND tenant_id = $2`
		args = append(args, tenantID)
	}

	var raw []byte
	err := r.pool.QueryRow(ctx, query, args...).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s %s: %w", r.descriptor.TableName, id, err)
	}

	var entity T
	if err := json.Unmarshal(raw, &entity); err != nil {
		return nil, fmt.Errorf("decoding %s %s: %w", r.descriptor.TableName, id, err)
	}
	return &entity, nil
}

// Select runs a filtered, paginated query and decodes every matching row.
func (r *Repository[T]) Select(ctx context.Context, tenantID string, opts SelectOptions) ([]T, error) {
	if r.descriptor.TenantIsolated && tenantID == "" {
		return nil, ErrNoTenantContext
	}

	query := fmt.Sprintf(`SELECT data FROM %s WHERE 1=1`, r.descriptor.TableName)
	var args []any

	if r.descriptor.TenantIsolated {
		args = append(args, tenantID)
		query += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	for _, f := range opts.Filters {
		args = append(args, f.Value)
		if f.Contains {
			query += fmt.Sprintf(" AND data->%q @> $%d", f.Field, len(args))
		} else {
			query += fmt.Sprintf(" AND data->>%q = $%d", f.Field, len(args))
		}
	}

	orderBy := opts.OrderBy
	if orderBy == "" {
		orderBy = r.descriptor.KeyField
	}
	query += fmt.Sprintf(" ORDER BY %s", orderBy)

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("selecting from %s: %w", r.descriptor.TableName, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", r.descriptor.TableName, err)
		}
		var entity T
		if err := json.Unmarshal(raw, &entity); err != nil {
			return nil, fmt.Errorf("decoding %s row: %w", r.descriptor.TableName, err)
		}
		out = append(out, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s rows: %w", r.descriptor.TableName, err)
	}
	return out, nil
}

// Upsert inserts or replaces entity, keyed by its primary id. id and
// tenantID are pulled from the caller since the generic Repository cannot
// reflect arbitrary struct field names.
func (r *Repository[T]) Upsert(ctx context.Context, id, tenantID string, entity T) error {
	if r.descriptor.TenantIsolated && tenantID == "" {
		return ErrNoTenantContext
	}

	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("encoding %s %s: %w", r.descriptor.TableName, id, err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s, tenant_id, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (%s) DO UPDATE SET tenant_id = EXCLUDED.tenant_id, data = EXCLUDED.data`,
		r.descriptor.TableName, r.descriptor.KeyField, r.descriptor.KeyField)

	if _, err := r.pool.Exec(ctx, query, id, nullableTenant(tenantID), data); err != nil {
		return fmt.Errorf("upserting %s %s: %w", r.descriptor.TableName, id, err)
	}
	return nil
}

// Delete removes an entity by id, scoped to tenantID when the model is
// tenant-isolated. Returns false if no row matched.
func (r *Repository[T]) Delete(ctx context.Context, id, tenantID string) (bool, error) {
	if r.descriptor.TenantIsolated && tenantID == "" {
		return false, ErrNoTenantContext
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`, r.descriptor.TableName, r.descriptor.KeyField)
	args := []any{id}
	if r.descriptor.TenantIsolated {
		query += ` AND tenant_id = $2`
		args = append(args, tenantID)
	}

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("deleting %s %s: %w", r.descriptor.TableName, id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func nullableTenant(tenantID string) any {
	if tenantID == "" {
		return nil
	}
	return tenantID
}
