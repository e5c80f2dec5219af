package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/coverwatch/internal/catalog"
)

func TestLedgerAppendCopiesRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ledger, err := NewLedger(mock, "")
	require.NoError(t, err)

	obs := []catalog.Observation{
		{CycleID: "01890a5d-ac96-774b-bcce-b302099a8057", ID: "9781974700000", Record: catalog.FingerprintRecord{Date: "2024-05-01", Hash: "aaa"}, New: true},
		{CycleID: "01890a5d-ac96-774b-bcce-b302099a8057", ID: "9781974700017", Record: catalog.FingerprintRecord{Date: "2024-05-01", Hash: "bbb"}},
	}
	mock.ExpectCopyFrom(pgx.Identifier{"fingerprint_observations"}, ledgerColumns).
		WillReturnResult(2)

	require.NoError(t, ledger.Append(context.Background(), obs))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerAppendEmptyIsNoop(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ledger, err := NewLedger(mock, "observations")
	require.NoError(t, err)
	require.NoError(t, ledger.Append(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerAppendFailures(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ledger, err := NewLedger(mock, "")
	require.NoError(t, err)

	err = ledger.Append(context.Background(), []catalog.Observation{
		{CycleID: "c", ID: "1", Record: catalog.FingerprintRecord{Date: "01/05/2024", Hash: "x"}},
	})
	require.Error(t, err)

	err = ledger.Append(context.Background(), []catalog.Observation{
		{ID: "1", Record: catalog.FingerprintRecord{Date: "2024-05-01", Hash: "x"}},
	})
	require.Error(t, err)

	mock.ExpectCopyFrom(pgx.Identifier{"fingerprint_observations"}, ledgerColumns).
		WillReturnError(errors.New("relation does not exist"))
	err = ledger.Append(context.Background(), []catalog.Observation{
		{CycleID: "c", ID: "1", Record: catalog.FingerprintRecord{Date: "2024-05-01", Hash: "x"}},
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewLedgerRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewLedger(mock, "observations; DROP TABLE x")
	require.Error(t, err)
	_, err = NewLedger(nil, "")
	require.Error(t, err)
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS cycle_runs").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS stage_stats").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS fingerprint_observations").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, EnsureSchema(context.Background(), mock, ""))
	require.NoError(t, mock.ExpectationsWereMet())

	require.Error(t, EnsureSchema(context.Background(), mock, "bad name"))
}
