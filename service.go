package tellerd

import (
	"io"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type CreateAccountReq struct {
	Owner          string          `json:"owner"`
	Type           AccountType     `json:"type"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	AcctID         snowflake.ID    `json:"-"`
	Session        Session         `json:"-"`
}

type ChargeReq struct {
	Amount  decimal.Decimal `json:"amount"`
	AcctID  snowflake.ID    `json:"-"`
	Session Session         `json:"-"`
}

type TransferReq struct {
	Amount   decimal.Decimal `json:"amount"`
	FromAcct snowflake.ID    `json:"from_account"`
	ToAcct   snowflake.ID    `json:"to_account"`
	Session  Session         `json:"-"`
}

type ReviewReq struct {
	TxnID   snowflake.ID `json:"-"`
	Session Session      `json:"-"`
}

type AcctReq struct {
	AcctID  snowflake.ID `json:"-"`
	Session Session      `json:"-"`
}

// TxnResult reports how a money-movement request was settled. Balance is set
// only when the transaction completed immediately.
type TxnResult struct {
	TxnID   snowflake.ID     `json:"transaction_id"`
	Status  TxnStatus        `json:"status"`
	Balance *decimal.Decimal `json:"balance,omitempty"`
}

type Service interface {
	CreateAccount(CreateAccountReq) (*Account, error)
	Deposit(ChargeReq) (*TxnResult, error)
	Withdraw(ChargeReq) (*TxnResult, error)
	Transfer(TransferReq) (*TxnResult, error)
	Approve(ReviewReq) (*Transaction, error)
	Deny(ReviewReq) (*Transaction, error)
	PendingTransactions(Session) ([]Transaction, error)
	Balance(AcctReq) (*decimal.Decimal, error)
	History(AcctReq) ([]Transaction, error)
	Statement(io.Writer, AcctReq) error
}

func NewService(repo Repository, clf Classifier, node *snowflake.Node, log *zerolog.Logger) (*serviceImpl, error) {
	if repo == nil || node == nil {
		return nil, ErrInternalServer
	}
	return &serviceImpl{
		repo: repo,
		clf:  clf,
		node: node,
		log:  log,
	}, nil
}

type serviceImpl struct {
	repo Repository
	clf  Classifier
	node *snowflake.Node
	log  *zerolog.Logger
}

func (s *serviceImpl) CreateAccount(req CreateAccountReq) (*Account, error) {
	if req.AcctID == 0 {
		req.AcctID = s.node.Generate()
	}
	if err := s.repo.CreateAccount(req); err != nil {
		return nil, err
	}
	s.log.Info().
		Str("account", req.AcctID.String()).
		Str("owner", req.Owner).
		Msg("account created")
	return &Account{
		AcctID:  req.AcctID,
		Owner:   req.Owner,
		Type:    req.Type,
		Balance: req.OpeningBalance,
	}, nil
}

func (s *serviceImpl) Deposit(req ChargeReq) (*TxnResult, error) {
	txn := Transaction{
		ID:        s.node.Generate(),
		Type:      TxnDeposit,
		Amount:    req.Amount,
		ToAcct:    &req.AcctID,
		CreatedAt: time.Now().UTC(),
	}
	return s.settle(txn)
}

func (s *serviceImpl) Withdraw(req ChargeReq) (*TxnResult, error) {
	txn := Transaction{
		ID:        s.node.Generate(),
		Type:      TxnWithdrawal,
		Amount:    req.Amount,
		FromAcct:  &req.AcctID,
		CreatedAt: time.Now().UTC(),
	}
	return s.settle(txn)
}

func (s *serviceImpl) Transfer(req TransferReq) (*TxnResult, error) {
	txn := Transaction{
		ID:        s.node.Generate(),
		Type:      TxnTransfer,
		Amount:    req.Amount,
		FromAcct:  &req.FromAcct,
		ToAcct:    &req.ToAcct,
		CreatedAt: time.Now().UTC(),
	}
	return s.settle(txn)
}

// settle routes a freshly built transaction through risk classification:
// either the mutation applies now and the record is logged COMPLETED, or the
// record is logged PENDING_REVIEW untouched by the executor.
func (s *serviceImpl) settle(txn Transaction) (*TxnResult, error) {
	if s.clf.Classify(txn.Amount) == RequiresReview {
		txn.Status = StatusPendingReview
		if err := s.repo.RecordPending(txn); err != nil {
			return nil, err
		}
		s.log.Info().
			Str("transaction", txn.ID.String()).
			Str("type", string(txn.Type)).
			Str("amount", txn.Amount.String()).
			Msg("transaction held for review")
		return &TxnResult{TxnID: txn.ID, Status: StatusPendingReview}, nil
	}

	txn.Status = StatusCompleted
	bal, err := s.repo.RecordCompleted(txn)
	if err != nil {
		return nil, err
	}
	return &TxnResult{TxnID: txn.ID, Status: StatusCompleted, Balance: bal}, nil
}

func (s *serviceImpl) Approve(req ReviewReq) (*Transaction, error) {
	txn, err := s.repo.ApproveTransaction(req.TxnID)
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("transaction", txn.ID.String()).
		Str("reviewer", req.Session.Username).
		Msg("transaction approved")
	return txn, nil
}

func (s *serviceImpl) Deny(req ReviewReq) (*Transaction, error) {
	txn, err := s.repo.CancelTransaction(req.TxnID)
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("transaction", txn.ID.String()).
		Str("reviewer", req.Session.Username).
		Msg("transaction denied")
	return txn, nil
}

func (s *serviceImpl) PendingTransactions(_ Session) ([]Transaction, error) {
	return s.repo.PendingTransactions()
}

func (s *serviceImpl) Balance(req AcctReq) (*decimal.Decimal, error) {
	acct, err := s.repo.GetAccount(req.AcctID)
	if err != nil {
		return nil, err
	}
	return &acct.Balance, nil
}

func (s *serviceImpl) History(req AcctReq) ([]Transaction, error) {
	return s.repo.AccountHistory(req.AcctID)
}

func (s *serviceImpl) Statement(w io.Writer, req AcctReq) error {
	acct, err := s.repo.GetAccount(req.AcctID)
	if err != nil {
		return err
	}
	txns, err := s.repo.AccountHistory(req.AcctID)
	if err != nil {
		return err
	}
	return writeStatementPDF(w, acct, txns)
}
