package reportstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uroflow/uroflow/internal/domain/uroflow"
)

type fakeRow struct {
	values []interface{}
	err    error
}

func (r fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *int64:
			*p = r.values[i].(int64)
		case *string:
			*p = r.values[i].(string)
		case *time.Time:
			*p = r.values[i].(time.Time)
		default:
			return errors.New("unsupported scan target")
		}
	}
	return nil
}

type fakeRows struct {
	rows []fakeRow
	pos  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]interface{}, error)               { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos <= len(r.rows)
}

func (r *fakeRows) Scan(dest ...interface{}) error {
	return r.rows[r.pos-1].Scan(dest...)
}

type fakeConn struct {
	lastSQL  string
	lastArgs []interface{}
	row      fakeRow
	rows     []fakeRow
	affected string
}

func (f *fakeConn) Query(_ context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	f.lastSQL, f.lastArgs = sql, args
	return &fakeRows{rows: f.rows}, nil
}

func (f *fakeConn) QueryRow(_ context.Context, sql string, args ...interface{}) pgx.Row {
	f.lastSQL, f.lastArgs = sql, args
	return f.row
}

func (f *fakeConn) Exec(_ context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	f.lastSQL, f.lastArgs = sql, args
	return pgconn.NewCommandTag(f.affected), nil
}

var createdAt = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func reportRow(id int64, entry string) fakeRow {
	return fakeRow{values: []interface{}{id, entry, uroflow.ReportKind, "Uroflowmetry_A_2026-05-04", "desc", "data:text/markdown;base64,eA==", createdAt}}
}

func TestPostgres_CreateReport(t *testing.T) {
	conn := &fakeConn{row: reportRow(42, "7")}
	store := &Postgres{pool: conn}

	saved, err := store.CreateReport(context.Background(), uroflow.NewReport{
		EntryID: "7", Kind: uroflow.ReportKind, Title: "Uroflowmetry_A_2026-05-04", Description: "desc", DocumentRef: "data:text/markdown;base64,eA==",
	})
	require.NoError(t, err)
	assert.Equal(t, "42", saved.ID.String())
	assert.Equal(t, "7", saved.EntryID.String())
	assert.Equal(t, createdAt, saved.CreatedAt)
	assert.Contains(t, conn.lastSQL, "INSERT INTO uroflow_report")
	assert.Equal(t, "7", conn.lastArgs[0])
}

func TestPostgres_ListReports(t *testing.T) {
	conn := &fakeConn{rows: []fakeRow{reportRow(2, "7"), reportRow(1, "7")}}
	store := &Postgres{pool: conn}

	list, err := store.ListReports(context.Background(), "7")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "2", list[0].ID.String())
	assert.Contains(t, conn.lastSQL, "ORDER BY created_at DESC")
}

func TestPostgres_DeleteReport(t *testing.T) {
	conn := &fakeConn{affected: "DELETE 1"}
	store := &Postgres{pool: conn}
	require.NoError(t, store.DeleteReport(context.Background(), "42"))
	assert.Equal(t, int64(42), conn.lastArgs[0])

	conn.affected = "DELETE 0"
	assert.ErrorIs(t, store.DeleteReport(context.Background(), "42"), uroflow.ErrNotFound)
	assert.ErrorIs(t, store.DeleteReport(context.Background(), "not-a-number"), uroflow.ErrNotFound)
}
