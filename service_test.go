package tellerd_test

import (
	"bytes"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/corebank/tellerd"
	"github.com/corebank/tellerd/mocks"
)

func newTestService(t *testing.T, repo tellerd.Repository) tellerd.Service {
	t.Helper()
	node, err := snowflake.NewNode(111)
	require.Nil(t, err)
	log := zerolog.Nop()
	svc, err := tellerd.NewService(repo, tellerd.DefaultClassifier(), node, &log)
	require.Nil(t, err)
	return svc
}

func TestServiceDeposit(t *testing.T) {
	t.Run("completes immediately at or below the review threshold", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := newTestService(tt, repo)

		acctID := snowflake.ParseInt64(7241407009730334720)
		amount := decimal.RequireFromString("1234.56")
		newBal := decimal.RequireFromString("1734.56")
		repo.EXPECT().
			RecordCompleted(gomock.AssignableToTypeOf(tellerd.Transaction{})).
			DoAndReturn(func(txn tellerd.Transaction) (*decimal.Decimal, error) {
				as.Equal(tellerd.TxnDeposit, txn.Type)
				as.Equal(tellerd.StatusCompleted, txn.Status)
				as.Nil(txn.FromAcct)
				reqrd.NotNil(txn.ToAcct)
				as.Equal(acctID, *txn.ToAcct)
				as.True(amount.Equal(txn.Amount))
				as.False(txn.CreatedAt.IsZero())
				return &newBal, nil
			})

		res, err := svc.Deposit(tellerd.ChargeReq{Amount: amount, AcctID: acctID})
		reqrd.Nil(err)
		as.Equal(tellerd.StatusCompleted, res.Status)
		reqrd.NotNil(res.Balance)
		as.True(newBal.Equal(*res.Balance))
	})

	t.Run("is held for review above the threshold with no balance effect", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := newTestService(tt, repo)

		acctID := snowflake.ParseInt64(7241407009730334720)
		repo.EXPECT().
			RecordPending(gomock.AssignableToTypeOf(tellerd.Transaction{})).
			DoAndReturn(func(txn tellerd.Transaction) error {
				as.Equal(tellerd.StatusPendingReview, txn.Status)
				return nil
			})

		res, err := svc.Deposit(tellerd.ChargeReq{
			Amount: decimal.RequireFromString("15000"),
			AcctID: acctID,
		})
		reqrd.Nil(err)
		as.Equal(tellerd.StatusPendingReview, res.Status)
		as.Nil(res.Balance)
	})
}

func TestServiceWithdraw(t *testing.T) {
	t.Run("surfaces insufficient funds from the ledger", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := newTestService(tt, repo)

		acctID := snowflake.ParseInt64(7241407009730334720)
		repo.EXPECT().
			RecordCompleted(gomock.AssignableToTypeOf(tellerd.Transaction{})).
			Return(nil, tellerd.ErrInsufficientFunds{AcctID: acctID})

		res, err := svc.Withdraw(tellerd.ChargeReq{
			Amount: decimal.NewFromInt(500),
			AcctID: acctID,
		})
		as.Nil(res)
		as.ErrorAs(err, &tellerd.ErrInsufficientFunds{})
	})
}

func TestServiceTransfer(t *testing.T) {
	t.Run("records both parties on the log record", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := newTestService(tt, repo)

		from := snowflake.ParseInt64(7241407009730334720)
		to := snowflake.ParseInt64(7241407009730334721)
		newBal := decimal.NewFromInt(450)
		repo.EXPECT().
			RecordCompleted(gomock.AssignableToTypeOf(tellerd.Transaction{})).
			DoAndReturn(func(txn tellerd.Transaction) (*decimal.Decimal, error) {
				as.Equal(tellerd.TxnTransfer, txn.Type)
				reqrd.NotNil(txn.FromAcct)
				reqrd.NotNil(txn.ToAcct)
				as.Equal(from, *txn.FromAcct)
				as.Equal(to, *txn.ToAcct)
				return &newBal, nil
			})

		res, err := svc.Transfer(tellerd.TransferReq{
			Amount:   decimal.NewFromInt(50),
			FromAcct: from,
			ToAcct:   to,
		})
		reqrd.Nil(err)
		as.Equal(tellerd.StatusCompleted, res.Status)
	})
}

func TestServiceApprove(t *testing.T) {
	t.Run("returns the completed transaction", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := newTestService(tt, repo)

		txnID := snowflake.ParseInt64(7241301734201495552)
		repo.EXPECT().
			ApproveTransaction(txnID).
			Return(&tellerd.Transaction{ID: txnID, Status: tellerd.StatusCompleted}, nil)

		txn, err := svc.Approve(tellerd.ReviewReq{TxnID: txnID, Session: tellerd.Session{Username: "teller"}})
		reqrd.Nil(err)
		as.Equal(tellerd.StatusCompleted, txn.Status)
	})

	t.Run("passes a failed approval through untouched", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := newTestService(tt, repo)

		txnID := snowflake.ParseInt64(7241301734201495552)
		repo.EXPECT().
			ApproveTransaction(txnID).
			Return(nil, tellerd.ErrInsufficientFunds{})

		txn, err := svc.Approve(tellerd.ReviewReq{TxnID: txnID})
		as.Nil(txn)
		as.ErrorAs(err, &tellerd.ErrInsufficientFunds{})
	})
}

func TestServiceDeny(t *testing.T) {
	t.Run("returns the cancelled transaction", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := newTestService(tt, repo)

		txnID := snowflake.ParseInt64(7241301734201495552)
		repo.EXPECT().
			CancelTransaction(txnID).
			Return(&tellerd.Transaction{ID: txnID, Status: tellerd.StatusCancelled}, nil)

		txn, err := svc.Deny(tellerd.ReviewReq{TxnID: txnID, Session: tellerd.Session{Username: "admin"}})
		reqrd.Nil(err)
		as.Equal(tellerd.StatusCancelled, txn.Status)
	})

	t.Run("refuses a terminal transaction", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := newTestService(tt, repo)

		txnID := snowflake.ParseInt64(7241301734201495552)
		repo.EXPECT().
			CancelTransaction(txnID).
			Return(nil, tellerd.ErrInvalidStateTransition{ID: txnID, Status: tellerd.StatusCompleted})

		txn, err := svc.Deny(tellerd.ReviewReq{TxnID: txnID})
		as.Nil(txn)
		as.ErrorAs(err, &tellerd.ErrInvalidStateTransition{})
	})
}

func TestServiceStatement(t *testing.T) {
	t.Run("renders a PDF for the account history", func(tt *testing.T) {
		as := assert.New(tt)
		reqrd := require.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := newTestService(tt, repo)

		acctID := snowflake.ParseInt64(7241407009730334720)
		repo.EXPECT().
			GetAccount(acctID).
			Return(&tellerd.Account{
				AcctID:  acctID,
				Owner:   "test",
				Type:    tellerd.AcctChequing,
				Balance: decimal.NewFromInt(300),
			}, nil)
		toAcct := acctID
		repo.EXPECT().
			AccountHistory(acctID).
			Return([]tellerd.Transaction{
				{
					ID:     snowflake.ParseInt64(7241301734201495552),
					Type:   tellerd.TxnDeposit,
					Amount: decimal.NewFromInt(300),
					ToAcct: &toAcct,
					Status: tellerd.StatusCompleted,
				},
			}, nil)

		buf := new(bytes.Buffer)
		err := svc.Statement(buf, tellerd.AcctReq{AcctID: acctID})
		reqrd.Nil(err)
		as.True(bytes.HasPrefix(buf.Bytes(), []byte("%PDF")))
	})
}
