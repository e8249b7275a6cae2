package reportstore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/uroflow/uroflow/internal/domain/uroflow"
	"github.com/uroflow/uroflow/internal/platform/db"
	"github.com/uroflow/uroflow/pkg/ident"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Postgres stores reports in the uroflow_report table.
type Postgres struct {
	pool queryable
}

var _ uroflow.ReportStore = (*Postgres)(nil)

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (s *Postgres) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

const reportCols = `id, entry_id, report_type, title, description, file_url, created_at`

func scanReport(row pgx.Row) (*uroflow.PersistedReport, error) {
	var (
		r       uroflow.PersistedReport
		id      int64
		entryID string
	)
	if err := row.Scan(&id, &entryID, &r.Kind, &r.Title, &r.Description, &r.DocumentRef, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.ID = ident.ID(strconv.FormatInt(id, 10))
	r.EntryID = ident.ID(entryID)
	return &r, nil
}

func (s *Postgres) ListReports(ctx context.Context, entryID ident.ID) ([]uroflow.PersistedReport, error) {
	rows, err := s.conn(ctx).Query(ctx,
		`SELECT `+reportCols+` FROM uroflow_report WHERE entry_id = $1 ORDER BY created_at DESC, id DESC`,
		entryID.String())
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	out := []uroflow.PersistedReport{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Postgres) CreateReport(ctx context.Context, r uroflow.NewReport) (*uroflow.PersistedReport, error) {
	row := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO uroflow_report (entry_id, report_type, title, description, file_url)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+reportCols,
		r.EntryID.String(), r.Kind, r.Title, r.Description, r.DocumentRef)
	saved, err := scanReport(row)
	if err != nil {
		return nil, fmt.Errorf("create report: %w", err)
	}
	return saved, nil
}

func (s *Postgres) DeleteReport(ctx context.Context, reportID ident.ID) error {
	id, err := strconv.ParseInt(reportID.String(), 10, 64)
	if err != nil {
		return fmt.Errorf("report %s: %w", reportID, uroflow.ErrNotFound)
	}
	tag, err := s.conn(ctx).Exec(ctx, `DELETE FROM uroflow_report WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("report %s: %w", reportID, uroflow.ErrNotFound)
	}
	return nil
}
