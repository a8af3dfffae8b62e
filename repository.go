package tellerd

import (
	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Repository is the durable ledger store and transaction log. Implementations
// must serialize balance mutations per account and apply multi-account
// mutations atomically; every method that applies a Transaction holds its
// row locks for the whole read-check-write sequence.
type Repository interface {
	CreateAccount(req CreateAccountReq) error
	GetAccount(id snowflake.ID) (*Account, error)
	GetUser(username string) (*User, error)

	// RecordCompleted applies txn's balance mutation and writes its log row
	// in status COMPLETED within a single storage transaction. It returns
	// the new balance of the acting account (ToAcct for deposits, FromAcct
	// otherwise). Fails with ErrInsufficientFunds or ErrAccountNotFound
	// leaving all balances untouched.
	RecordCompleted(txn Transaction) (*decimal.Decimal, error)

	// RecordPending writes txn's log row in status PENDING_REVIEW. No
	// balance effect.
	RecordPending(txn Transaction) error

	// ApproveTransaction re-applies the stored mutation of a PENDING_REVIEW
	// transaction and flips it to COMPLETED, atomically. On failure the row
	// stays PENDING_REVIEW and the error is returned; a terminal row yields
	// ErrInvalidStateTransition, an unknown id ErrTxnNotFound.
	ApproveTransaction(id snowflake.ID) (*Transaction, error)

	// CancelTransaction flips a PENDING_REVIEW transaction to CANCELLED.
	// No balance effect. Same failure taxonomy as ApproveTransaction.
	CancelTransaction(id snowflake.ID) (*Transaction, error)

	GetTransaction(id snowflake.ID) (*Transaction, error)

	// PendingTransactions returns all PENDING_REVIEW transactions ordered
	// by creation time, oldest first.
	PendingTransactions() ([]Transaction, error)

	// AccountHistory returns all transactions touching the account, newest
	// first.
	AccountHistory(id snowflake.ID) ([]Transaction, error)
}
