package tellerd

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"
)

var (
	_ Service = (*validationMiddleware)(nil)
)

type Middleware func(Service) Service

// validationMiddleware rejects malformed or unauthorized requests before
// they reach the engine. The stored user record is authoritative: claimed
// roles in the session are ignored.
type validationMiddleware struct {
	next Service
	repo Repository
}

func NewValidationMiddleware(repo Repository) Middleware {
	return func(svc Service) Service {
		return &validationMiddleware{
			next: svc,
			repo: repo,
		}
	}
}

func (v *validationMiddleware) caller(s Session) (*User, error) {
	if s.Username == "" {
		return nil, ErrUnauthorized{Reason: "missing session"}
	}
	usr, err := v.repo.GetUser(s.Username)
	if err != nil {
		var nf ErrUserNotFound
		if errors.As(err, &nf) {
			return nil, ErrUnauthorized{Username: s.Username, Reason: "unknown user"}
		}
		return nil, err
	}
	if !usr.Active {
		return nil, ErrUnauthorized{Username: s.Username, Reason: "user deactivated"}
	}
	return usr, nil
}

func (v *validationMiddleware) reviewer(s Session) error {
	usr, err := v.caller(s)
	if err != nil {
		return err
	}
	if usr.Role != RoleTeller && usr.Role != RoleAdmin {
		return ErrUnauthorized{Username: s.Username, Reason: "review requires teller or admin role"}
	}
	return nil
}

func checkAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount{Amount: amount.String()}
	}
	return nil
}

// mustAccess allows tellers and admins to act on any account; customers only
// on their own.
func (v *validationMiddleware) mustAccess(usr *User, acctID snowflake.ID) error {
	acct, err := v.repo.GetAccount(acctID)
	if err != nil {
		return err
	}
	if usr.Role == RoleCustomer && acct.Owner != usr.Username {
		return ErrUnauthorized{Username: usr.Username, Reason: "account belongs to another customer"}
	}
	return nil
}

func (v *validationMiddleware) CreateAccount(req CreateAccountReq) (*Account, error) {
	usr, err := v.caller(req.Session)
	if err != nil {
		return nil, err
	}
	if usr.Role != RoleTeller && usr.Role != RoleAdmin {
		return nil, ErrUnauthorized{Username: usr.Username, Reason: "account creation requires teller or admin role"}
	}
	if !req.Type.Valid() {
		return nil, ErrBadRequest{Fields: map[string]string{"type": "unknown account type"}}
	}
	if req.OpeningBalance.IsNegative() {
		return nil, ErrInvalidAmount{Amount: req.OpeningBalance.String()}
	}
	if _, err = v.repo.GetUser(req.Owner); err != nil {
		var nf ErrUserNotFound
		if errors.As(err, &nf) {
			return nil, ErrBadRequest{Fields: map[string]string{"owner": "unknown user"}}
		}
		return nil, err
	}
	return v.next.CreateAccount(req)
}

func (v *validationMiddleware) Deposit(req ChargeReq) (*TxnResult, error) {
	if _, err := v.caller(req.Session); err != nil {
		return nil, err
	}
	if err := checkAmount(req.Amount); err != nil {
		return nil, err
	}
	// Anyone may pay into an existing account.
	if _, err := v.repo.GetAccount(req.AcctID); err != nil {
		return nil, err
	}
	return v.next.Deposit(req)
}

func (v *validationMiddleware) Withdraw(req ChargeReq) (*TxnResult, error) {
	usr, err := v.caller(req.Session)
	if err != nil {
		return nil, err
	}
	if err = checkAmount(req.Amount); err != nil {
		return nil, err
	}
	if err = v.mustAccess(usr, req.AcctID); err != nil {
		return nil, err
	}
	return v.next.Withdraw(req)
}

func (v *validationMiddleware) Transfer(req TransferReq) (*TxnResult, error) {
	usr, err := v.caller(req.Session)
	if err != nil {
		return nil, err
	}
	if err = checkAmount(req.Amount); err != nil {
		return nil, err
	}
	if req.FromAcct == req.ToAcct {
		return nil, ErrBadRequest{Fields: map[string]string{"to_account": "must differ from from_account"}}
	}
	if err = v.mustAccess(usr, req.FromAcct); err != nil {
		return nil, err
	}
	if _, err = v.repo.GetAccount(req.ToAcct); err != nil {
		return nil, err
	}
	return v.next.Transfer(req)
}

func (v *validationMiddleware) Approve(req ReviewReq) (*Transaction, error) {
	if err := v.reviewer(req.Session); err != nil {
		return nil, err
	}
	return v.next.Approve(req)
}

func (v *validationMiddleware) Deny(req ReviewReq) (*Transaction, error) {
	if err := v.reviewer(req.Session); err != nil {
		return nil, err
	}
	return v.next.Deny(req)
}

func (v *validationMiddleware) PendingTransactions(s Session) ([]Transaction, error) {
	if err := v.reviewer(s); err != nil {
		return nil, err
	}
	return v.next.PendingTransactions(s)
}

func (v *validationMiddleware) Balance(req AcctReq) (*decimal.Decimal, error) {
	usr, err := v.caller(req.Session)
	if err != nil {
		return nil, err
	}
	if err = v.mustAccess(usr, req.AcctID); err != nil {
		return nil, err
	}
	return v.next.Balance(req)
}

func (v *validationMiddleware) History(req AcctReq) ([]Transaction, error) {
	usr, err := v.caller(req.Session)
	if err != nil {
		return nil, err
	}
	if err = v.mustAccess(usr, req.AcctID); err != nil {
		return nil, err
	}
	return v.next.History(req)
}

func (v *validationMiddleware) Statement(w io.Writer, req AcctReq) error {
	usr, err := v.caller(req.Session)
	if err != nil {
		return err
	}
	if err = v.mustAccess(usr, req.AcctID); err != nil {
		return err
	}
	return v.next.Statement(w, req)
}

//
// Rate limiting middlewares
//

// limitMiddleware limits the number of in-flight requests to the service by
// using a weighted semaphore, i.e., x/sync/semaphore.Semaphore with an
// acquisition timeout. Requests that cannot acquire a token within the
// timeout are shed with ErrOverloaded.
type limitMiddleware struct {
	next    Service
	limits  *ServiceLimits
	timeout time.Duration
}

var (
	_ Service = (*limitMiddleware)(nil)
)

type ServiceLimits struct {
	CreateAccount *semaphore.Weighted
	Charge        *semaphore.Weighted
	Review        *semaphore.Weighted
	Read          *semaphore.Weighted
	Statement     *semaphore.Weighted
}

// NewServiceLimits sizes each semaphore to n in-flight requests.
func NewServiceLimits(n int64) *ServiceLimits {
	return &ServiceLimits{
		CreateAccount: semaphore.NewWeighted(n),
		Charge:        semaphore.NewWeighted(n),
		Review:        semaphore.NewWeighted(n),
		Read:          semaphore.NewWeighted(n),
		Statement:     semaphore.NewWeighted(n),
	}
}

func NewLimitMiddleware(limits *ServiceLimits, timeout time.Duration) Middleware {
	return func(next Service) Service {
		return &limitMiddleware{
			next:    next,
			limits:  limits,
			timeout: timeout,
		}
	}
}

func (l *limitMiddleware) acquire(sem *semaphore.Weighted) (func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, ErrOverloaded
	}
	return func() { sem.Release(1) }, nil
}

func (l *limitMiddleware) CreateAccount(req CreateAccountReq) (*Account, error) {
	release, err := l.acquire(l.limits.CreateAccount)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.CreateAccount(req)
}

func (l *limitMiddleware) Deposit(req ChargeReq) (*TxnResult, error) {
	release, err := l.acquire(l.limits.Charge)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.Deposit(req)
}

func (l *limitMiddleware) Withdraw(req ChargeReq) (*TxnResult, error) {
	release, err := l.acquire(l.limits.Charge)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.Withdraw(req)
}

func (l *limitMiddleware) Transfer(req TransferReq) (*TxnResult, error) {
	release, err := l.acquire(l.limits.Charge)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.Transfer(req)
}

func (l *limitMiddleware) Approve(req ReviewReq) (*Transaction, error) {
	release, err := l.acquire(l.limits.Review)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.Approve(req)
}

func (l *limitMiddleware) Deny(req ReviewReq) (*Transaction, error) {
	release, err := l.acquire(l.limits.Review)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.Deny(req)
}

func (l *limitMiddleware) PendingTransactions(s Session) ([]Transaction, error) {
	release, err := l.acquire(l.limits.Read)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.PendingTransactions(s)
}

func (l *limitMiddleware) Balance(req AcctReq) (*decimal.Decimal, error) {
	release, err := l.acquire(l.limits.Read)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.Balance(req)
}

func (l *limitMiddleware) History(req AcctReq) ([]Transaction, error) {
	release, err := l.acquire(l.limits.Read)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.History(req)
}

func (l *limitMiddleware) Statement(w io.Writer, req AcctReq) error {
	release, err := l.acquire(l.limits.Statement)
	if err != nil {
		return err
	}
	defer release()
	return l.next.Statement(w, req)
}

type ServiceBreaker struct {
	CreateAccount *gobreaker.TwoStepCircuitBreaker[*Account]
	Deposit       *gobreaker.TwoStepCircuitBreaker[*TxnResult]
	Withdraw      *gobreaker.TwoStepCircuitBreaker[*TxnResult]
	Transfer      *gobreaker.TwoStepCircuitBreaker[*TxnResult]
	Approve       *gobreaker.TwoStepCircuitBreaker[*Transaction]
	Deny          *gobreaker.TwoStepCircuitBreaker[*Transaction]
	Pending       *gobreaker.TwoStepCircuitBreaker[[]Transaction]
	Balance       *gobreaker.TwoStepCircuitBreaker[*decimal.Decimal]
	History       *gobreaker.TwoStepCircuitBreaker[[]Transaction]
	Statement     *gobreaker.TwoStepCircuitBreaker[interface{}]
}

// NewServiceBreaker builds one breaker per service method from shared
// settings; the Name field is overridden per method.
func NewServiceBreaker(st gobreaker.Settings) *ServiceBreaker {
	named := func(n string) gobreaker.Settings {
		s := st
		s.Name = n
		return s
	}
	return &ServiceBreaker{
		CreateAccount: gobreaker.NewTwoStepCircuitBreaker[*Account](named("CreateAccount")),
		Deposit:       gobreaker.NewTwoStepCircuitBreaker[*TxnResult](named("Deposit")),
		Withdraw:      gobreaker.NewTwoStepCircuitBreaker[*TxnResult](named("Withdraw")),
		Transfer:      gobreaker.NewTwoStepCircuitBreaker[*TxnResult](named("Transfer")),
		Approve:       gobreaker.NewTwoStepCircuitBreaker[*Transaction](named("Approve")),
		Deny:          gobreaker.NewTwoStepCircuitBreaker[*Transaction](named("Deny")),
		Pending:       gobreaker.NewTwoStepCircuitBreaker[[]Transaction](named("Pending")),
		Balance:       gobreaker.NewTwoStepCircuitBreaker[*decimal.Decimal](named("Balance")),
		History:       gobreaker.NewTwoStepCircuitBreaker[[]Transaction](named("History")),
		Statement:     gobreaker.NewTwoStepCircuitBreaker[interface{}](named("Statement")),
	}
}

// circuitBreakMiddleware is a middleware that implements the circuit breaker
// pattern. It works in conjunction with limitMiddleware to shed load when the
// storage layer is struggling to release tokens from the limit semaphores
// within the request deadline. Business rejections (insufficient funds, bad
// state, unauthorized) do not count against the breaker; only infrastructure
// failures do.
type circuitBreakMiddleware struct {
	next  Service
	brkrs *ServiceBreaker
}

var (
	_ Service = (*circuitBreakMiddleware)(nil)
)

func NewCircuitBreakMiddleware(brkrs *ServiceBreaker) Middleware {
	return func(next Service) Service {
		return &circuitBreakMiddleware{
			next:  next,
			brkrs: brkrs,
		}
	}
}

// businessErr reports whether err is a rejection the caller earned rather
// than a sign of infrastructure trouble.
func businessErr(err error) bool {
	var (
		badReq       ErrBadRequest
		invAmount    ErrInvalidAmount
		acctNF       ErrAccountNotFound
		insufficient ErrInsufficientFunds
		txnNF        ErrTxnNotFound
		invState     ErrInvalidStateTransition
		userNF       ErrUserNotFound
		unauthorized ErrUnauthorized
	)
	return errors.As(err, &badReq) ||
		errors.As(err, &invAmount) ||
		errors.As(err, &acctNF) ||
		errors.As(err, &insufficient) ||
		errors.As(err, &txnNF) ||
		errors.As(err, &invState) ||
		errors.As(err, &userNF) ||
		errors.As(err, &unauthorized)
}

func (c *circuitBreakMiddleware) CreateAccount(req CreateAccountReq) (*Account, error) {
	done, err := c.brkrs.CreateAccount.Allow()
	if err != nil {
		return nil, err
	}
	acct, err := c.next.CreateAccount(req)
	done(err == nil || businessErr(err))
	return acct, err
}

func (c *circuitBreakMiddleware) Deposit(req ChargeReq) (*TxnResult, error) {
	done, err := c.brkrs.Deposit.Allow()
	if err != nil {
		return nil, err
	}
	res, err := c.next.Deposit(req)
	done(err == nil || businessErr(err))
	return res, err
}

func (c *circuitBreakMiddleware) Withdraw(req ChargeReq) (*TxnResult, error) {
	done, err := c.brkrs.Withdraw.Allow()
	if err != nil {
		return nil, err
	}
	res, err := c.next.Withdraw(req)
	done(err == nil || businessErr(err))
	return res, err
}

func (c *circuitBreakMiddleware) Transfer(req TransferReq) (*TxnResult, error) {
	done, err := c.brkrs.Transfer.Allow()
	if err != nil {
		return nil, err
	}
	res, err := c.next.Transfer(req)
	done(err == nil || businessErr(err))
	return res, err
}

func (c *circuitBreakMiddleware) Approve(req ReviewReq) (*Transaction, error) {
	done, err := c.brkrs.Approve.Allow()
	if err != nil {
		return nil, err
	}
	txn, err := c.next.Approve(req)
	done(err == nil || businessErr(err))
	return txn, err
}

func (c *circuitBreakMiddleware) Deny(req ReviewReq) (*Transaction, error) {
	done, err := c.brkrs.Deny.Allow()
	if err != nil {
		return nil, err
	}
	txn, err := c.next.Deny(req)
	done(err == nil || businessErr(err))
	return txn, err
}

func (c *circuitBreakMiddleware) PendingTransactions(s Session) ([]Transaction, error) {
	done, err := c.brkrs.Pending.Allow()
	if err != nil {
		return nil, err
	}
	txns, err := c.next.PendingTransactions(s)
	done(err == nil || businessErr(err))
	return txns, err
}

func (c *circuitBreakMiddleware) Balance(req AcctReq) (*decimal.Decimal, error) {
	done, err := c.brkrs.Balance.Allow()
	if err != nil {
		return nil, err
	}
	bal, err := c.next.Balance(req)
	done(err == nil || businessErr(err))
	return bal, err
}

func (c *circuitBreakMiddleware) History(req AcctReq) ([]Transaction, error) {
	done, err := c.brkrs.History.Allow()
	if err != nil {
		return nil, err
	}
	txns, err := c.next.History(req)
	done(err == nil || businessErr(err))
	return txns, err
}

func (c *circuitBreakMiddleware) Statement(w io.Writer, req AcctReq) error {
	done, err := c.brkrs.Statement.Allow()
	if err != nil {
		return err
	}
	err = c.next.Statement(w, req)
	done(err == nil || businessErr(err))
	return err
}
