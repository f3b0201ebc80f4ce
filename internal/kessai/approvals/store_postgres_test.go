package approvals_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Treynis/ejbca/internal/kessai/approvals"
	"github.com/Treynis/ejbca/internal/kessai/store"
)

var caseColumns = []string{
	"row_id", "case_id", "profile_id", "action_json", "votes_json", "old_votes_json",
	"status", "ca_id", "end_entity_profile_id", "requested_at", "expires_at", "version",
}

func newMockStore(t *testing.T) (*approvals.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return approvals.NewStore(store.Wrap(db, store.Postgres)), mock
}

func TestPostgresStore_Load(t *testing.T) {
	cases, mock := newMockStore(t)
	requested := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE case_id = $1 AND superseded_at = 0")).
		WithArgs("abc").
		WillReturnRows(sqlmock.NewRows(caseColumns).AddRow(
			7, "abc", "pair",
			`{"kind":"activate_ca_key","executable":true,"validity_duration":0,"requester":{"issuer_dn":"CN=CA","serial":"aa"},"activate_ca_key":{"ca_id":3,"authentication_code":"x"}}`,
			`[{"id":"v1","step_id":1,"partition_id":1,"admin":{"issuer_dn":"CN=CA","serial":"01"},"accepted":true,"cast_at":"2026-03-01T09:05:00Z"}]`,
			`[]`, "pending", 3, 0, requested.UnixNano(), requested.Add(time.Hour).UnixNano(), 2,
		))

	c, err := cases.Load(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, approvals.StatusPending, c.Status)
	assert.Equal(t, int64(2), c.Version)
	assert.Equal(t, 3, c.Action.ActivateCAKey.CAID)
	assert.True(t, c.RequestedAt.Equal(requested))
	require.Len(t, c.Votes, 1)
	assert.Equal(t, "01", c.Votes[0].Admin.Serial)
}

func TestPostgresStore_LoadMissing(t *testing.T) {
	cases, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE case_id = $1 AND superseded_at = 0")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(caseColumns))

	_, err := cases.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, approvals.ErrRequestNotFound)
}

func TestPostgresStore_StaleSaveConflicts(t *testing.T) {
	cases, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE approval_cases")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "rejected",
			sqlmock.AnyArg(), int64(5), sqlmock.AnyArg(), int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	c := &approvals.Case{ID: "abc", Status: approvals.StatusRejected, Action: activateCA("x")}
	err := cases.CompareAndSave(context.Background(), c, 4)
	assert.ErrorIs(t, err, approvals.ErrConflict)
	assert.Equal(t, int64(0), c.Version)
}

func TestPostgresStore_Create(t *testing.T) {
	cases, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := pendingCase(t, "foo123", now)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, expires_at FROM approval_cases WHERE case_id = $1 AND superseded_at = 0")).
		WithArgs(c.ID).
		WillReturnRows(sqlmock.NewRows([]string{"status", "expires_at"}).
			AddRow("executed", now.Add(-time.Hour).UnixNano()))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE approval_cases SET superseded_at = $1 WHERE case_id = $2 AND superseded_at = 0")).
		WithArgs(now.UnixNano(), c.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("RETURNING row_id")).
		WillReturnRows(sqlmock.NewRows([]string{"row_id"}).AddRow(42))
	mock.ExpectCommit()

	require.NoError(t, cases.Create(context.Background(), c))
	assert.Equal(t, int64(1), c.Version)
}

func TestPostgresStore_CreateBlockedByLiveCase(t *testing.T) {
	cases, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := pendingCase(t, "foo123", now)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, expires_at FROM approval_cases WHERE case_id = $1 AND superseded_at = 0")).
		WithArgs(c.ID).
		WillReturnRows(sqlmock.NewRows([]string{"status", "expires_at"}).
			AddRow("pending", now.Add(time.Minute).UnixNano()))
	mock.ExpectRollback()

	assert.ErrorIs(t, cases.Create(context.Background(), c), approvals.ErrAlreadyPending)
}

func TestPostgresStore_Purge(t *testing.T) {
	cases, mock := newMockStore(t)
	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM approval_cases WHERE expires_at < $1 AND status <> $2")).
		WithArgs(cutoff.UnixNano(), "executing").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := cases.Purge(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
