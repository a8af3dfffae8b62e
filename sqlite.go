package tellerd

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var sqliteSchema = `
	CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		credential TEXT NOT NULL,
		role TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS accounts (
		pub_id INTEGER PRIMARY KEY,
		owner_username TEXT NOT NULL REFERENCES users(username),
		typ TEXT NOT NULL,
		balance TEXT NOT NULL DEFAULT '0'
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY,
		typ TEXT NOT NULL,
		amount TEXT NOT NULL,
		from_acct INTEGER REFERENCES accounts(pub_id),
		to_acct INTEGER REFERENCES accounts(pub_id),
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);
	CREATE INDEX IF NOT EXISTS idx_transactions_from ON transactions(from_acct);
	CREATE INDEX IF NOT EXISTS idx_transactions_to ON transactions(to_acct);

	CREATE TABLE IF NOT EXISTS entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		t TEXT NOT NULL CHECK (t IN ('debit','credit')),
		amount TEXT NOT NULL,
		tx_id INTEGER NOT NULL REFERENCES transactions(id),
		acct_id INTEGER NOT NULL REFERENCES accounts(pub_id)
	);
`

// SQLiteEndpoint keeps the whole ledger in one database file, the way the
// back office is deployed on a single teller workstation. Transactions are
// opened with _txlock=immediate, so writers serialize at the database level
// and per-account lock ordering is moot.
type SQLiteEndpoint struct {
	db  *sql.DB
	log *zerolog.Logger
}

var (
	_ Repository = (*SQLiteEndpoint)(nil)
)

func NewSQLiteEndpoint(path string, log *zerolog.Logger) (*SQLiteEndpoint, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err = db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	endpt := &SQLiteEndpoint{
		db:  db,
		log: log,
	}
	return endpt, nil
}

func (s *SQLiteEndpoint) Close() error {
	return s.db.Close()
}

func (s *SQLiteEndpoint) RecordCompleted(txn Transaction) (*decimal.Decimal, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}

	if _, err = tx.Exec(
		`INSERT INTO transactions (id, typ, amount, from_acct, to_acct, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?);`,
		txn.ID.Int64(), txn.Type, txn.Amount.String(), acctParam(txn.FromAcct), acctParam(txn.ToAcct),
		StatusCompleted, txn.CreatedAt.UTC(),
	); err != nil {
		s.rollback(tx, txn.ID)
		return nil, err
	}

	bal, err := s.applyTxn(tx, &txn)
	if err != nil {
		s.rollback(tx, txn.ID)
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return bal, nil
}

func (s *SQLiteEndpoint) RecordPending(txn Transaction) error {
	_, err := s.db.Exec(
		`INSERT INTO transactions (id, typ, amount, from_acct, to_acct, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?);`,
		txn.ID.Int64(), txn.Type, txn.Amount.String(), acctParam(txn.FromAcct), acctParam(txn.ToAcct),
		StatusPendingReview, txn.CreatedAt.UTC(),
	)
	return err
}

func (s *SQLiteEndpoint) ApproveTransaction(id snowflake.ID) (*Transaction, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}

	txn, err := s.loadPending(tx, id)
	if err != nil {
		s.rollback(tx, id)
		return nil, err
	}

	// Re-validates funds at approval time; the request-time check is stale.
	if _, err = s.applyTxn(tx, txn); err != nil {
		s.rollback(tx, id)
		return nil, err
	}

	if err = s.flipStatus(tx, id, StatusCompleted); err != nil {
		s.rollback(tx, id)
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}
	txn.Status = StatusCompleted
	return txn, nil
}

func (s *SQLiteEndpoint) CancelTransaction(id snowflake.ID) (*Transaction, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}

	txn, err := s.loadPending(tx, id)
	if err != nil {
		s.rollback(tx, id)
		return nil, err
	}

	if err = s.flipStatus(tx, id, StatusCancelled); err != nil {
		s.rollback(tx, id)
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}
	txn.Status = StatusCancelled
	return txn, nil
}

func (s *SQLiteEndpoint) loadPending(tx *sql.Tx, id snowflake.ID) (*Transaction, error) {
	row := tx.QueryRow(
		`SELECT typ, amount, from_acct, to_acct, status, created_at
		 FROM transactions WHERE id = ?;`, id.Int64())
	txn := Transaction{ID: id}
	var (
		amount   string
		from, to sql.NullInt64
	)
	if err := row.Scan(&txn.Type, &amount, &from, &to, &txn.Status, &txn.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrTxnNotFound{ID: id}
		}
		return nil, err
	}
	var err error
	if txn.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	txn.FromAcct = acctFromNull(from)
	txn.ToAcct = acctFromNull(to)
	if txn.Status != StatusPendingReview {
		return nil, ErrInvalidStateTransition{ID: id, Status: txn.Status}
	}
	return &txn, nil
}

// flipStatus is guarded on PENDING_REVIEW so a terminal row can never be
// rewritten, even by a racing reviewer.
func (s *SQLiteEndpoint) flipStatus(tx *sql.Tx, id snowflake.ID, to TxnStatus) error {
	res, err := tx.Exec(
		`UPDATE transactions SET status = ? WHERE id = ? AND status = 'PENDING_REVIEW';`,
		to, id.Int64())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInvalidStateTransition{ID: id, Status: to}
	}
	return nil
}

// applyTxn mirrors the Postgres executor over an immediate SQLite
// transaction: read balances, check, write, append entries.
func (s *SQLiteEndpoint) applyTxn(tx *sql.Tx, txn *Transaction) (*decimal.Decimal, error) {
	readBal := func(id snowflake.ID) (decimal.Decimal, error) {
		var raw string
		err := tx.QueryRow(`SELECT balance FROM accounts WHERE pub_id = ?;`, id.Int64()).Scan(&raw)
		if err == sql.ErrNoRows {
			return decimal.Zero, ErrAccountNotFound{ID: id}
		}
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(raw)
	}
	writeBal := func(id snowflake.ID, bal decimal.Decimal) error {
		_, err := tx.Exec(`UPDATE accounts SET balance = ? WHERE pub_id = ?;`, bal.String(), id.Int64())
		return err
	}
	entry := func(t string, id snowflake.ID) error {
		_, err := tx.Exec(
			`INSERT INTO entries (t, amount, tx_id, acct_id) VALUES (?, ?, ?, ?);`,
			t, txn.Amount.String(), txn.ID.Int64(), id.Int64())
		return err
	}

	switch txn.Type {
	case TxnDeposit:
		bal, err := readBal(*txn.ToAcct)
		if err != nil {
			return nil, err
		}
		bal = bal.Add(txn.Amount)
		if err = writeBal(*txn.ToAcct, bal); err != nil {
			return nil, err
		}
		if err = entry("credit", *txn.ToAcct); err != nil {
			return nil, err
		}
		return &bal, nil
	case TxnWithdrawal:
		bal, err := readBal(*txn.FromAcct)
		if err != nil {
			return nil, err
		}
		if bal.LessThan(txn.Amount) {
			return nil, ErrInsufficientFunds{AcctID: *txn.FromAcct, Balance: bal, Amount: txn.Amount}
		}
		bal = bal.Sub(txn.Amount)
		if err = writeBal(*txn.FromAcct, bal); err != nil {
			return nil, err
		}
		if err = entry("debit", *txn.FromAcct); err != nil {
			return nil, err
		}
		return &bal, nil
	case TxnTransfer:
		fromBal, err := readBal(*txn.FromAcct)
		if err != nil {
			return nil, err
		}
		toBal, err := readBal(*txn.ToAcct)
		if err != nil {
			return nil, err
		}
		if fromBal.LessThan(txn.Amount) {
			return nil, ErrInsufficientFunds{AcctID: *txn.FromAcct, Balance: fromBal, Amount: txn.Amount}
		}
		fromBal = fromBal.Sub(txn.Amount)
		if err = writeBal(*txn.FromAcct, fromBal); err != nil {
			return nil, err
		}
		if err = writeBal(*txn.ToAcct, toBal.Add(txn.Amount)); err != nil {
			return nil, err
		}
		if err = entry("debit", *txn.FromAcct); err != nil {
			return nil, err
		}
		if err = entry("credit", *txn.ToAcct); err != nil {
			return nil, err
		}
		return &fromBal, nil
	}
	return nil, fmt.Errorf("unknown transaction type %q", txn.Type)
}

func (s *SQLiteEndpoint) CreateAccount(req CreateAccountReq) error {
	_, err := s.db.Exec(
		`INSERT INTO accounts (pub_id, owner_username, typ, balance) VALUES (?, ?, ?, ?);`,
		req.AcctID.Int64(), req.Owner, req.Type, req.OpeningBalance.String())
	return err
}

func (s *SQLiteEndpoint) GetAccount(id snowflake.ID) (*Account, error) {
	row := s.db.QueryRow(
		`SELECT owner_username, typ, balance FROM accounts WHERE pub_id = ?;`, id.Int64())
	acct := &Account{AcctID: id}
	var raw string
	if err := row.Scan(&acct.Owner, &acct.Type, &raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrAccountNotFound{ID: id}
		}
		return nil, err
	}
	bal, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, err
	}
	acct.Balance = bal
	return acct, nil
}

func (s *SQLiteEndpoint) GetUser(username string) (*User, error) {
	row := s.db.QueryRow(`SELECT role, active FROM users WHERE username = ?;`, username)
	usr := &User{Username: username}
	if err := row.Scan(&usr.Role, &usr.Active); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUserNotFound{Username: username}
		}
		return nil, err
	}
	return usr, nil
}

// SaveUser is used by the seeder binary; the engine itself never writes users.
func (s *SQLiteEndpoint) SaveUser(username, credential string, role Role, active bool) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO users (username, credential, role, active) VALUES (?, ?, ?, ?);`,
		username, credential, role, active)
	return err
}

func (s *SQLiteEndpoint) GetTransaction(id snowflake.ID) (*Transaction, error) {
	row := s.db.QueryRow(
		`SELECT id, typ, amount, from_acct, to_acct, status, created_at
		 FROM transactions WHERE id = ?;`, id.Int64())
	txn, err := scanLiteTxn(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrTxnNotFound{ID: id}
		}
		return nil, err
	}
	return txn, nil
}

func (s *SQLiteEndpoint) PendingTransactions() ([]Transaction, error) {
	return s.selectTxns(
		`SELECT id, typ, amount, from_acct, to_acct, status, created_at
		 FROM transactions WHERE status = 'PENDING_REVIEW' ORDER BY created_at ASC;`)
}

func (s *SQLiteEndpoint) AccountHistory(id snowflake.ID) ([]Transaction, error) {
	return s.selectTxns(
		`SELECT id, typ, amount, from_acct, to_acct, status, created_at
		 FROM transactions WHERE from_acct = ? OR to_acct = ? ORDER BY created_at DESC;`,
		id.Int64(), id.Int64())
}

func (s *SQLiteEndpoint) selectTxns(query string, args ...interface{}) ([]Transaction, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []Transaction
	for rows.Next() {
		txn, err := scanLiteTxn(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *txn)
	}
	return txns, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLiteTxn(row rowScanner) (*Transaction, error) {
	var (
		txn       Transaction
		rid       int64
		amount    string
		from, to  sql.NullInt64
		createdAt time.Time
	)
	if err := row.Scan(&rid, &txn.Type, &amount, &from, &to, &txn.Status, &createdAt); err != nil {
		return nil, err
	}
	txn.ID = snowflake.ID(rid)
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, err
	}
	txn.Amount = amt
	txn.FromAcct = acctFromNull(from)
	txn.ToAcct = acctFromNull(to)
	txn.CreatedAt = createdAt.UTC()
	return &txn, nil
}

func (s *SQLiteEndpoint) rollback(tx *sql.Tx, id snowflake.ID) {
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		s.log.Err(err).Msgf("transaction `%v` rollback fail", id)
	}
}

func acctFromNull(v sql.NullInt64) *snowflake.ID {
	if !v.Valid {
		return nil
	}
	id := snowflake.ID(v.Int64)
	return &id
}
