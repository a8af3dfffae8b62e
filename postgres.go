package tellerd

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	pgInsertTxnSQL = `
		INSERT INTO transactions (id, typ, amount, from_acct, to_acct, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7);
	`

	pgSelectTxnForUpdateSQL = `
		SELECT typ, amount, from_acct, to_acct, status, created_at
		FROM transactions
		WHERE id = $1
		FOR UPDATE;
	`

	pgFlipTxnStatusSQL = `
		UPDATE transactions
		SET status = $1
		WHERE id = $2 AND status = 'PENDING_REVIEW';
	`

	// Rows are locked in ascending pub_id order regardless of transfer
	// direction so opposing concurrent transfers cannot deadlock.
	pgLockAcctsSQL = `
		SELECT pub_id, balance
		FROM accounts
		WHERE pub_id = ANY($1)
		ORDER BY pub_id
		FOR UPDATE;
	`

	pgUpdateAcctSQL = `
		UPDATE accounts
		SET balance = $1
		WHERE pub_id = $2;
	`

	pgDebitEntrySQL = `
		INSERT INTO entries (t, amount, tx_id, acct_id)
		VALUES ('debit', $1, $2, $3);
	`

	pgCreditEntrySQL = `
		INSERT INTO entries (t, amount, tx_id, acct_id)
		VALUES ('credit', $1, $2, $3);
	`

	pgSelectTxnSQL = `
		SELECT id, typ, amount, from_acct, to_acct, status, created_at
		FROM transactions
	`
)

type PostgresEndpoint struct {
	pool *pgxpool.Pool
	log  *zerolog.Logger
}

var (
	_ Repository = (*PostgresEndpoint)(nil)
)

func NewPostgresEndpoint(connStr string, log *zerolog.Logger) (*PostgresEndpoint, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, err
	}

	if err = pool.Ping(context.Background()); err != nil {
		return nil, err
	}

	endpt := &PostgresEndpoint{
		pool: pool,
		log:  log,
	}
	return endpt, err
}

func (pg *PostgresEndpoint) Close() {
	pg.pool.Close()
}

func (pg *PostgresEndpoint) RecordCompleted(txn Transaction) (*decimal.Decimal, error) {
	ctx := context.Background()
	conn, err := pg.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}

	if _, err = tx.Exec(ctx, pgInsertTxnSQL,
		txn.ID, txn.Type, txn.Amount, acctParam(txn.FromAcct), acctParam(txn.ToAcct),
		StatusCompleted, txn.CreatedAt,
	); err != nil {
		pg.rollback(ctx, tx, txn.ID)
		return nil, err
	}

	bal, err := pg.applyTxn(ctx, tx, &txn)
	if err != nil {
		pg.rollback(ctx, tx, txn.ID)
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return bal, nil
}

func (pg *PostgresEndpoint) RecordPending(txn Transaction) error {
	ctx := context.Background()
	conn, err := pg.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, pgInsertTxnSQL,
		txn.ID, txn.Type, txn.Amount, acctParam(txn.FromAcct), acctParam(txn.ToAcct),
		StatusPendingReview, txn.CreatedAt,
	)
	return err
}

func (pg *PostgresEndpoint) ApproveTransaction(id snowflake.ID) (*Transaction, error) {
	ctx := context.Background()
	conn, err := pg.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}

	txn, err := pg.lockPending(ctx, tx, id)
	if err != nil {
		pg.rollback(ctx, tx, id)
		return nil, err
	}

	// Funds are re-validated here, under the same row locks as the
	// auto-complete path; the balance may have moved since the request.
	if _, err = pg.applyTxn(ctx, tx, txn); err != nil {
		pg.rollback(ctx, tx, id)
		return nil, err
	}

	if _, err = tx.Exec(ctx, pgFlipTxnStatusSQL, StatusCompleted, id); err != nil {
		pg.rollback(ctx, tx, id)
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	txn.Status = StatusCompleted
	return txn, nil
}

func (pg *PostgresEndpoint) CancelTransaction(id snowflake.ID) (*Transaction, error) {
	ctx := context.Background()
	conn, err := pg.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}

	txn, err := pg.lockPending(ctx, tx, id)
	if err != nil {
		pg.rollback(ctx, tx, id)
		return nil, err
	}

	if _, err = tx.Exec(ctx, pgFlipTxnStatusSQL, StatusCancelled, id); err != nil {
		pg.rollback(ctx, tx, id)
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	txn.Status = StatusCancelled
	return txn, nil
}

// lockPending loads a transaction row under FOR UPDATE and verifies it is
// still reviewable.
func (pg *PostgresEndpoint) lockPending(ctx context.Context, tx pgx.Tx, id snowflake.ID) (*Transaction, error) {
	row := tx.QueryRow(ctx, pgSelectTxnForUpdateSQL, id)
	txn := Transaction{ID: id}
	var from, to *int64
	if err := row.Scan(&txn.Type, &txn.Amount, &from, &to, &txn.Status, &txn.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTxnNotFound{ID: id}
		}
		return nil, err
	}
	txn.FromAcct = acctFromCol(from)
	txn.ToAcct = acctFromCol(to)
	if txn.Status != StatusPendingReview {
		return nil, ErrInvalidStateTransition{ID: id, Status: txn.Status}
	}
	return &txn, nil
}

// applyTxn is the transfer executor: the only code that mutates balances.
// It must run inside an open storage transaction; locks on every touched
// account row are held until commit or rollback.
func (pg *PostgresEndpoint) applyTxn(ctx context.Context, tx pgx.Tx, txn *Transaction) (*decimal.Decimal, error) {
	ids := make([]int64, 0, 2)
	if txn.FromAcct != nil {
		ids = append(ids, txn.FromAcct.Int64())
	}
	if txn.ToAcct != nil {
		ids = append(ids, txn.ToAcct.Int64())
	}

	balances := make(map[int64]decimal.Decimal, len(ids))
	rows, err := tx.Query(ctx, pgLockAcctsSQL, ids)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var (
			rid  int64
			rbal decimal.Decimal
		)
		if err = rows.Scan(&rid, &rbal); err != nil {
			rows.Close()
			return nil, err
		}
		balances[rid] = rbal
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := balances[id]; !ok {
			return nil, ErrAccountNotFound{ID: snowflake.ID(id)}
		}
	}

	var acting decimal.Decimal
	batch := &pgx.Batch{}
	switch txn.Type {
	case TxnDeposit:
		to := txn.ToAcct.Int64()
		acting = balances[to].Add(txn.Amount)
		batch.Queue(pgUpdateAcctSQL, acting, to)
		batch.Queue(pgCreditEntrySQL, txn.Amount, txn.ID, to)
	case TxnWithdrawal:
		from := txn.FromAcct.Int64()
		if balances[from].LessThan(txn.Amount) {
			return nil, ErrInsufficientFunds{AcctID: *txn.FromAcct, Balance: balances[from], Amount: txn.Amount}
		}
		acting = balances[from].Sub(txn.Amount)
		batch.Queue(pgUpdateAcctSQL, acting, from)
		batch.Queue(pgDebitEntrySQL, txn.Amount, txn.ID, from)
	case TxnTransfer:
		from, to := txn.FromAcct.Int64(), txn.ToAcct.Int64()
		if balances[from].LessThan(txn.Amount) {
			return nil, ErrInsufficientFunds{AcctID: *txn.FromAcct, Balance: balances[from], Amount: txn.Amount}
		}
		acting = balances[from].Sub(txn.Amount)
		batch.Queue(pgUpdateAcctSQL, acting, from)
		batch.Queue(pgUpdateAcctSQL, balances[to].Add(txn.Amount), to)
		batch.Queue(pgDebitEntrySQL, txn.Amount, txn.ID, from)
		batch.Queue(pgCreditEntrySQL, txn.Amount, txn.ID, to)
	default:
		return nil, fmt.Errorf("unknown transaction type %q", txn.Type)
	}

	btresults := tx.SendBatch(ctx, batch)
	defer btresults.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err = btresults.Exec(); err != nil {
			return nil, err
		}
	}

	return &acting, nil
}

func (pg *PostgresEndpoint) CreateAccount(req CreateAccountReq) error {
	ctx := context.Background()
	conn, err := pg.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	sql := `
	INSERT INTO accounts (pub_id, owner_username, typ, balance)
	VALUES ($1, $2, $3, $4);
	`

	if _, err = conn.Exec(ctx, sql, req.AcctID, req.Owner, req.Type, req.OpeningBalance); err != nil {
		return err
	}

	return err
}

func (pg *PostgresEndpoint) GetAccount(id snowflake.ID) (*Account, error) {
	ctx := context.Background()
	conn, err := pg.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	sql := `
	SELECT owner_username, typ, balance
	FROM accounts
	WHERE pub_id = $1;
	`

	row := conn.QueryRow(ctx, sql, id)
	acct := &Account{AcctID: id}
	if err = row.Scan(&acct.Owner, &acct.Type, &acct.Balance); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound{ID: id}
		}
		return nil, err
	}

	return acct, err
}

func (pg *PostgresEndpoint) GetUser(username string) (*User, error) {
	ctx := context.Background()
	conn, err := pg.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	sql := `
	SELECT role, active
	FROM users
	WHERE username = $1;
	`

	row := conn.QueryRow(ctx, sql, username)
	usr := &User{Username: username}
	if err = row.Scan(&usr.Role, &usr.Active); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUserNotFound{Username: username}
		}
		return nil, err
	}

	return usr, err
}

// SaveUser is used by the seeder binary; the engine itself never writes users.
func (pg *PostgresEndpoint) SaveUser(username, credential string, role Role, active bool) error {
	ctx := context.Background()
	conn, err := pg.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	sql := `
	INSERT INTO users (username, credential, role, active)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (username) DO NOTHING;
	`

	_, err = conn.Exec(ctx, sql, username, credential, role, active)
	return err
}

func (pg *PostgresEndpoint) GetTransaction(id snowflake.ID) (*Transaction, error) {
	ctx := context.Background()
	conn, err := pg.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, pgSelectTxnSQL+` WHERE id = $1;`, id)
	txn, err := scanPgTxn(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTxnNotFound{ID: id}
		}
		return nil, err
	}
	return txn, nil
}

func (pg *PostgresEndpoint) PendingTransactions() ([]Transaction, error) {
	return pg.selectTxns(` WHERE status = 'PENDING_REVIEW' ORDER BY created_at ASC;`)
}

func (pg *PostgresEndpoint) AccountHistory(id snowflake.ID) ([]Transaction, error) {
	return pg.selectTxns(` WHERE from_acct = $1 OR to_acct = $1 ORDER BY created_at DESC;`, id)
}

func (pg *PostgresEndpoint) selectTxns(clause string, args ...interface{}) ([]Transaction, error) {
	ctx := context.Background()
	conn, err := pg.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, pgSelectTxnSQL+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []Transaction
	for rows.Next() {
		txn, err := scanPgTxn(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *txn)
	}
	return txns, rows.Err()
}

func scanPgTxn(row pgx.Row) (*Transaction, error) {
	var (
		txn      Transaction
		from, to *int64
	)
	if err := row.Scan(&txn.ID, &txn.Type, &txn.Amount, &from, &to, &txn.Status, &txn.CreatedAt); err != nil {
		return nil, err
	}
	txn.FromAcct = acctFromCol(from)
	txn.ToAcct = acctFromCol(to)
	return &txn, nil
}

func (pg *PostgresEndpoint) rollback(ctx context.Context, tx pgx.Tx, id snowflake.ID) {
	if err := tx.Rollback(ctx); err != nil && err != pgx.ErrTxClosed {
		pg.log.Err(err).Msgf("transaction `%v` rollback fail", id)
	}
}

func acctParam(id *snowflake.ID) *int64 {
	if id == nil {
		return nil
	}
	v := id.Int64()
	return &v
}

func acctFromCol(v *int64) *snowflake.ID {
	if v == nil {
		return nil
	}
	id := snowflake.ID(*v)
	return &id
}
