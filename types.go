package tellerd

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type AccountType string

const (
	AcctChequing AccountType = "CHEQUING"
	AcctSavings  AccountType = "SAVINGS"
	AcctCredit   AccountType = "CREDIT"
)

func (t AccountType) Valid() bool {
	switch t {
	case AcctChequing, AcctSavings, AcctCredit:
		return true
	}
	return false
}

// Account is a permanent ledger entry. Balances are mutated only through
// Repository operations that apply a Transaction.
type Account struct {
	AcctID  snowflake.ID    `json:"account_id"`
	Owner   string          `json:"owner"`
	Type    AccountType     `json:"type"`
	Balance decimal.Decimal `json:"balance"`
}

type TxnType string

const (
	TxnDeposit    TxnType = "DEPOSIT"
	TxnWithdrawal TxnType = "WITHDRAWAL"
	TxnTransfer   TxnType = "TRANSFER"
)

type TxnStatus string

const (
	StatusPendingReview TxnStatus = "PENDING_REVIEW"
	StatusCompleted     TxnStatus = "COMPLETED"
	StatusCancelled     TxnStatus = "CANCELLED"
)

// Terminal reports whether no further status transition is permitted.
func (s TxnStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Transaction is a money movement record. FromAcct is nil for deposits,
// ToAcct is nil for withdrawals. Once the status is terminal the record
// never changes again.
type Transaction struct {
	ID        snowflake.ID    `json:"transaction_id"`
	Type      TxnType         `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	FromAcct  *snowflake.ID   `json:"from_account,omitempty"`
	ToAcct    *snowflake.ID   `json:"to_account,omitempty"`
	Status    TxnStatus       `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleTeller   Role = "TELLER"
	RoleAdmin    Role = "ADMIN"
)

// User is consumed for authorization only; this engine never writes users.
type User struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
	Active   bool   `json:"active"`
}

// Session identifies the caller of an operation. It is carried explicitly in
// every request instead of living in process-wide state; the stored user
// record, not the session, is authoritative for role and active status.
type Session struct {
	Username string `json:"-"`
}
