package tellerd_test

import (
	"bytes"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/mock/gomock"

	"github.com/corebank/tellerd"
	"github.com/corebank/tellerd/mocks"
)

func activeUser(name string, role tellerd.Role) *tellerd.User {
	return &tellerd.User{Username: name, Role: role, Active: true}
}

func TestValidationMWCreateAccount(t *testing.T) {
	t.Run("returns error on unknown account type", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := mocks.NewMockService(ctrl)
		v := tellerd.NewValidationMiddleware(repo)(svc)

		repo.EXPECT().
			GetUser("teller").
			Return(activeUser("teller", tellerd.RoleTeller), nil)
		req := tellerd.CreateAccountReq{
			Owner:   "test",
			Type:    tellerd.AccountType("MONEY_MARKET"),
			Session: tellerd.Session{Username: "teller"},
		}
		acct, err := v.CreateAccount(req)
		as.NotNil(err)
		as.ErrorAs(err, &tellerd.ErrBadRequest{})
		as.Nil(acct)
	})

	t.Run("returns error on negative opening balance", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := mocks.NewMockService(ctrl)
		v := tellerd.NewValidationMiddleware(repo)(svc)

		repo.EXPECT().
			GetUser("teller").
			Return(activeUser("teller", tellerd.RoleTeller), nil)
		req := tellerd.CreateAccountReq{
			Owner:          "test",
			Type:           tellerd.AcctSavings,
			OpeningBalance: decimal.NewFromInt(-100),
			Session:        tellerd.Session{Username: "teller"},
		}
		acct, err := v.CreateAccount(req)
		as.NotNil(err)
		as.ErrorAs(err, &tellerd.ErrInvalidAmount{})
		as.Nil(acct)
	})

	t.Run("returns error when the caller is a customer", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := mocks.NewMockService(ctrl)
		v := tellerd.NewValidationMiddleware(repo)(svc)

		repo.EXPECT().
			GetUser("test").
			Return(activeUser("test", tellerd.RoleCustomer), nil)
		req := tellerd.CreateAccountReq{
			Owner:   "test",
			Type:    tellerd.AcctChequing,
			Session: tellerd.Session{Username: "test"},
		}
		acct, err := v.CreateAccount(req)
		as.NotNil(err)
		as.ErrorAs(err, &tellerd.ErrUnauthorized{})
		as.Nil(acct)
	})

	t.Run("returns error on unknown owner", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := mocks.NewMockService(ctrl)
		v := tellerd.NewValidationMiddleware(repo)(svc)

		repo.EXPECT().
			GetUser("admin").
			Return(activeUser("admin", tellerd.RoleAdmin), nil)
		repo.EXPECT().
			GetUser("ghost").
			Return(nil, tellerd.ErrUserNotFound{Username: "ghost"})
		req := tellerd.CreateAccountReq{
			Owner:   "ghost",
			Type:    tellerd.AcctChequing,
			Session: tellerd.Session{Username: "admin"},
		}
		acct, err := v.CreateAccount(req)
		as.NotNil(err)
		as.ErrorAs(err, &tellerd.ErrBadRequest{})
		as.Nil(acct)
	})
}

func TestValidationMWSession(t *testing.T) {
	t.Run("returns error on missing session", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := mocks.NewMockService(ctrl)
		v := tellerd.NewValidationMiddleware(repo)(svc)

		res, err := v.Deposit(tellerd.ChargeReq{Amount: decimal.NewFromInt(50)})
		as.NotNil(err)
		as.ErrorAs(err, &tellerd.ErrUnauthorized{})
		as.Nil(res)
	})

	t.Run("returns error on unknown session user", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := mocks.NewMockService(ctrl)
		v := tellerd.NewValidationMiddleware(repo)(svc)

		repo.EXPECT().
			GetUser("ghost").
			Return(nil, tellerd.ErrUserNotFound{Username: "ghost"})
		res, err := v.Deposit(tellerd.ChargeReq{
			Amount:  decimal.NewFromInt(50),
			Session: tellerd.Session{Username: "ghost"},
		})
		as.NotNil(err)
		as.ErrorAs(err, &tellerd.ErrUnauthorized{})
		as.Nil(res)
	})

	t.Run("returns error on deactivated user", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := mocks.NewMockService(ctrl)
		v := tellerd.NewValidationMiddleware(repo)(svc)

		repo.EXPECT().
			GetUser("dormant").
			Return(&tellerd.User{Username: "dormant", Role: tellerd.RoleCustomer}, nil)
		res, err := v.Deposit(tellerd.ChargeReq{
			Amount:  decimal.NewFromInt(50),
			Session: tellerd.Session{Username: "dormant"},
		})
		as.NotNil(err)
		as.ErrorAs(err, &tellerd.ErrUnauthorized{})
		as.Nil(res)
	})
}

func TestValidationMWWithdraw(t *testing.T) {
	t.Run("returns error on non-positive amount", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := mocks.NewMockService(ctrl)
		v := tellerd.NewValidationMiddleware(repo)(svc)

		repo.EXPECT().
			GetUser("test").
			Return(activeUser("test", tellerd.RoleCustomer), nil).
			Times(2)
		for _, amt := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-123)} {
			res, err := v.Withdraw(tellerd.ChargeReq{
				Amount:  amt,
				Session: tellerd.Session{Username: "test"},
			})
			as.NotNil(err)
			as.ErrorAs(err, &tellerd.ErrInvalidAmount{})
			as.Nil(res)
		}
	})

	t.Run("returns error on non-existent account", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := mocks.NewMockService(ctrl)
		v := tellerd.NewValidationMiddleware(repo)(svc)

		acctID := snowflake.ParseInt64(7241722241547767808)
		repo.EXPECT().
			GetUser("test").
			Return(activeUser("test", tellerd.RoleCustomer), nil)
		repo.EXPECT().
			GetAccount(acctID).
			Return(nil, tellerd.ErrAccountNotFound{ID: acctID})
		res, err := v.Withdraw(tellerd.ChargeReq{
			Amount:  decimal.NewFromInt(123),
			AcctID:  acctID,
			Session: tellerd.Session{Username: "test"},
		})
		as.NotNil(err)
		as.ErrorAs(err, &tellerd.ErrAccountNotFound{})
		as.Nil(res)
	})

	t.Run("returns error when a customer charges another customer's account", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := mocks.NewMockService(ctrl)
		v := tellerd.NewValidationMiddleware(repo)(svc)

		acctID := snowflake.ParseInt64(7241722241547767808)
		repo.EXPECT().
			GetUser("test").
			Return(activeUser("test", tellerd.RoleCustomer), nil)
		repo.EXPECT().
			GetAccount(acctID).
			Return(&tellerd.Account{AcctID: acctID, Owner: "someone-else"}, nil)
		res, err := v.Withdraw(tellerd.ChargeReq{
			Amount:  decimal.NewFromInt(123),
			AcctID:  acctID,
			Session: tellerd.Session{Username: "test"},
		})
		as.NotNil(err)
		as.ErrorAs(err, &tellerd.ErrUnauthorized{})
		as.Nil(res)
	})

	t.Run("lets a teller charge any account", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := mocks.NewMockService(ctrl)
		v := tellerd.NewValidationMiddleware(repo)(svc)

		acctID := snowflake.ParseInt64(7241722241547767808)
		repo.EXPECT().
			GetUser("teller").
			Return(activeUser("teller", tellerd.RoleTeller), nil)
		repo.EXPECT().
			GetAccount(acctID).
			Return(&tellerd.Account{AcctID: acctID, Owner: "test"}, nil)
		svc.EXPECT().
			Withdraw(gomock.AssignableToTypeOf(tellerd.ChargeReq{})).
			Return(&tellerd.TxnResult{Status: tellerd.StatusCompleted}, nil)
		res, err := v.Withdraw(tellerd.ChargeReq{
			Amount:  decimal.NewFromInt(123),
			AcctID:  acctID,
			Session: tellerd.Session{Username: "teller"},
		})
		as.Nil(err)
		as.NotNil(res)
	})
}

func TestValidationMWTransfer(t *testing.T) {
	t.Run("returns error when source and destination match", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := mocks.NewMockService(ctrl)
		v := tellerd.NewValidationMiddleware(repo)(svc)

		acctID := snowflake.ParseInt64(7241722241547767808)
		repo.EXPECT().
			GetUser("test").
			Return(activeUser("test", tellerd.RoleCustomer), nil)
		res, err := v.Transfer(tellerd.TransferReq{
			Amount:   decimal.NewFromInt(50),
			FromAcct: acctID,
			ToAcct:   acctID,
			Session:  tellerd.Session{Username: "test"},
		})
		as.NotNil(err)
		as.ErrorAs(err, &tellerd.ErrBadRequest{})
		as.Nil(res)
	})

	t.Run("returns error on missing destination account", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := mocks.NewMockService(ctrl)
		v := tellerd.NewValidationMiddleware(repo)(svc)

		from := snowflake.ParseInt64(7241722241547767808)
		to := snowflake.ParseInt64(7241722241547767809)
		repo.EXPECT().
			GetUser("test").
			Return(activeUser("test", tellerd.RoleCustomer), nil)
		repo.EXPECT().
			GetAccount(from).
			Return(&tellerd.Account{AcctID: from, Owner: "test"}, nil)
		repo.EXPECT().
			GetAccount(to).
			Return(nil, tellerd.ErrAccountNotFound{ID: to})
		res, err := v.Transfer(tellerd.TransferReq{
			Amount:   decimal.NewFromInt(50),
			FromAcct: from,
			ToAcct:   to,
			Session:  tellerd.Session{Username: "test"},
		})
		as.NotNil(err)
		as.ErrorAs(err, &tellerd.ErrAccountNotFound{})
		as.Nil(res)
	})
}

func TestValidationMWReview(t *testing.T) {
	t.Run("returns error when a customer approves", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := mocks.NewMockService(ctrl)
		v := tellerd.NewValidationMiddleware(repo)(svc)

		repo.EXPECT().
			GetUser("test").
			Return(activeUser("test", tellerd.RoleCustomer), nil)
		txn, err := v.Approve(tellerd.ReviewReq{
			TxnID:   snowflake.ParseInt64(7241301734201495552),
			Session: tellerd.Session{Username: "test"},
		})
		as.NotNil(err)
		as.ErrorAs(err, &tellerd.ErrUnauthorized{})
		as.Nil(txn)
	})

	t.Run("returns error when a customer lists the review queue", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := mocks.NewMockService(ctrl)
		v := tellerd.NewValidationMiddleware(repo)(svc)

		repo.EXPECT().
			GetUser("test").
			Return(activeUser("test", tellerd.RoleCustomer), nil)
		txns, err := v.PendingTransactions(tellerd.Session{Username: "test"})
		as.NotNil(err)
		as.ErrorAs(err, &tellerd.ErrUnauthorized{})
		as.Nil(txns)
	})

	t.Run("lets an admin deny", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := mocks.NewMockService(ctrl)
		v := tellerd.NewValidationMiddleware(repo)(svc)

		txnID := snowflake.ParseInt64(7241301734201495552)
		repo.EXPECT().
			GetUser("admin").
			Return(activeUser("admin", tellerd.RoleAdmin), nil)
		svc.EXPECT().
			Deny(gomock.AssignableToTypeOf(tellerd.ReviewReq{})).
			Return(&tellerd.Transaction{ID: txnID, Status: tellerd.StatusCancelled}, nil)
		txn, err := v.Deny(tellerd.ReviewReq{
			TxnID:   txnID,
			Session: tellerd.Session{Username: "admin"},
		})
		as.Nil(err)
		as.NotNil(txn)
	})
}

func TestValidationMWStatement(t *testing.T) {
	t.Run("returns error on another customer's account", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := mocks.NewMockService(ctrl)
		v := tellerd.NewValidationMiddleware(repo)(svc)

		acctID := snowflake.ParseInt64(7241722241547767808)
		repo.EXPECT().
			GetUser("test").
			Return(activeUser("test", tellerd.RoleCustomer), nil)
		repo.EXPECT().
			GetAccount(acctID).
			Return(&tellerd.Account{AcctID: acctID, Owner: "someone-else"}, nil)
		w := &bytes.Buffer{}
		err := v.Statement(w, tellerd.AcctReq{
			AcctID:  acctID,
			Session: tellerd.Session{Username: "test"},
		})
		as.NotNil(err)
		as.ErrorAs(err, &tellerd.ErrUnauthorized{})
	})
}
