package tellerd

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var (
	ErrInternalServer = errors.New("internal server error")
	ErrOverloaded     = errors.New("service overloaded")
)

type ErrBadRequest struct {
	Fields map[string]string
}

func (e ErrBadRequest) Error() string {
	return fmt.Sprintf("missing/invalid params: %v", e.Fields)
}

type ErrInvalidAmount struct {
	Amount string `json:"amount"`
}

func (e ErrInvalidAmount) Error() string {
	return fmt.Sprintf("amount must be a positive decimal, got %q", e.Amount)
}

type ErrAccountNotFound struct {
	ID snowflake.ID `json:"account_id"`
}

func (e ErrAccountNotFound) Error() string {
	return fmt.Sprintf("account `%v` not found", e.ID)
}

type ErrInsufficientFunds struct {
	AcctID  snowflake.ID    `json:"account_id"`
	Balance decimal.Decimal `json:"balance"`
	Amount  decimal.Decimal `json:"amount"`
}

func (e ErrInsufficientFunds) Error() string {
	return fmt.Sprintf("account `%v` balance %s cannot cover %s", e.AcctID, e.Balance, e.Amount)
}

type ErrTxnNotFound struct {
	ID snowflake.ID `json:"transaction_id"`
}

func (e ErrTxnNotFound) Error() string {
	return fmt.Sprintf("transaction `%v` not found", e.ID)
}

// ErrInvalidStateTransition is returned on approve/deny of a transaction that
// is not in PENDING_REVIEW. Status carries the terminal status the record
// already holds.
type ErrInvalidStateTransition struct {
	ID     snowflake.ID `json:"transaction_id"`
	Status TxnStatus    `json:"status"`
}

func (e ErrInvalidStateTransition) Error() string {
	return fmt.Sprintf("transaction `%v` is %s and cannot transition", e.ID, e.Status)
}

type ErrUserNotFound struct {
	Username string `json:"username"`
}

func (e ErrUserNotFound) Error() string {
	return fmt.Sprintf("user %q not found", e.Username)
}

type ErrUnauthorized struct {
	Username string `json:"username"`
	Reason   string `json:"reason"`
}

func (e ErrUnauthorized) Error() string {
	return fmt.Sprintf("user %q not permitted: %s", e.Username, e.Reason)
}
