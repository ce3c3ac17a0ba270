package postgres

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/syncstream/syncapi/synctypes"
)

type filterMocks struct {
	mock            sqlmock.Sqlmock
	selectFilter    *sqlmock.ExpectedPrepare
	selectByContent *sqlmock.ExpectedPrepare
	insert          *sqlmock.ExpectedPrepare
}

func newFilterTable(t *testing.T) (*filterStatements, filterMocks) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	m := filterMocks{mock: mock}
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS syncapi_filter")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	m.selectFilter = mock.ExpectPrepare(regexp.QuoteMeta(selectFilterSQL))
	m.selectByContent = mock.ExpectPrepare(regexp.QuoteMeta(selectFilterIDByContentSQL))
	m.insert = mock.ExpectPrepare(regexp.QuoteMeta(insertFilterSQL))

	table, err := NewPostgresFilterTable(db)
	require.NoError(t, err)
	return table.(*filterStatements), m
}

func canonicalFilter(t *testing.T, filter *synctypes.Filter) []byte {
	t.Helper()
	js, err := json.Marshal(filter)
	require.NoError(t, err)
	js, err = gomatrixserverlib.CanonicalJSON(js)
	require.NoError(t, err)
	return js
}

func TestInsertFilterReturnsExistingID(t *testing.T) {
	table, m := newFilterTable(t)
	filter := synctypes.DefaultFilter()

	m.selectByContent.ExpectQuery().
		WithArgs("alice", canonicalFilter(t, &filter)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("3"))

	id, err := table.InsertFilter(context.Background(), nil, &filter, "alice")
	require.NoError(t, err)
	assert.Equal(t, "3", id)
	assert.NoError(t, m.mock.ExpectationsWereMet())
}

func TestInsertFilterInsertsNewFilter(t *testing.T) {
	table, m := newFilterTable(t)
	filter := synctypes.DefaultFilter()
	filter.EventFields = []string{"content.body"}
	canonical := canonicalFilter(t, &filter)

	m.selectByContent.ExpectQuery().
		WithArgs("alice", canonical).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	m.insert.ExpectQuery().
		WithArgs(canonical, "alice").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := table.InsertFilter(context.Background(), nil, &filter, "alice")
	require.NoError(t, err)
	assert.Equal(t, "7", id)
	assert.NoError(t, m.mock.ExpectationsWereMet())
}

func TestSelectFilter(t *testing.T) {
	table, m := newFilterTable(t)
	want := synctypes.DefaultFilter()
	want.Room.Timeline.Limit = 20

	m.selectFilter.ExpectQuery().
		WithArgs("alice", "3").
		WillReturnRows(sqlmock.NewRows([]string{"filter"}).AddRow(canonicalFilter(t, &want)))

	var got synctypes.Filter
	require.NoError(t, table.SelectFilter(context.Background(), nil, &got, "alice", "3"))
	assert.Equal(t, want, got)
	assert.NoError(t, m.mock.ExpectationsWereMet())
}
