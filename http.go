package tellerd

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
)

type balanceJSONResp struct {
	Balance decimal.Decimal `json:"balance"`
}

func NewHTTPHandler(svc Service, log *zerolog.Logger) http.Handler {
	hndlr := &httpHandler{
		Svc: svc,
		Log: log,
	}
	mux := chi.NewMux()
	mux.NotFound(HTTPNotFound)
	mux.Route("/accounts", func(r chi.Router) {
		r.Post("/", hndlr.CreateAccount)
		r.Route("/{acctID:[0-9]+}", func(rr chi.Router) {
			rr.Post("/deposit", hndlr.Deposit)
			rr.Post("/withdraw", hndlr.Withdraw)
			rr.Get("/balance", hndlr.Balance)
			rr.Get("/history", hndlr.History)
			rr.Get("/statement", hndlr.Statement)
		})
	})
	mux.Post("/transfers", hndlr.Transfer)
	mux.Route("/transactions", func(r chi.Router) {
		r.Get("/pending", hndlr.Pending)
		r.Route("/{txnID:[0-9]+}", func(rr chi.Router) {
			rr.Post("/approve", hndlr.Approve)
			rr.Post("/deny", hndlr.Deny)
		})
	})

	return mux
}

type httpHandler struct {
	Svc Service
	Log *zerolog.Logger
}

// session builds the caller identity from the username header. Credential
// verification happens upstream of this engine; the validation middleware
// still refuses unknown or deactivated users.
func session(r *http.Request) Session {
	return Session{Username: r.Header.Get("username")}
}

func acctIDParam(r *http.Request) (snowflake.ID, error) {
	return snowflake.ParseString(chi.URLParam(r, "acctID"))
}

func (h *httpHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountReq
	if !h.decode(w, r, "create_account", &req) {
		return
	}
	req.Session = session(r)
	acct, err := h.Svc.CreateAccount(req)
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	h.respond(w, acct)
}

func (h *httpHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.charge(w, r, "deposit", h.Svc.Deposit)
}

func (h *httpHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.charge(w, r, "withdraw", h.Svc.Withdraw)
}

func (h *httpHandler) charge(w http.ResponseWriter, r *http.Request, method string, op func(ChargeReq) (*TxnResult, error)) {
	var req ChargeReq
	if !h.decode(w, r, method, &req) {
		return
	}
	acctID, err := acctIDParam(r)
	if err != nil {
		h.Log.Err(err).Str("method", method).Msg("error parsing account ID")
		WriteHTTPError(w, ErrBadRequest{Fields: map[string]string{"acctID": "invalid format"}})
		return
	}
	req.AcctID = acctID
	req.Session = session(r)
	res, err := op(req)
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	h.respond(w, res)
}

func (h *httpHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferReq
	if !h.decode(w, r, "transfer", &req) {
		return
	}
	req.Session = session(r)
	res, err := h.Svc.Transfer(req)
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	h.respond(w, res)
}

func (h *httpHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, "approve", h.Svc.Approve)
}

func (h *httpHandler) Deny(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, "deny", h.Svc.Deny)
}

func (h *httpHandler) review(w http.ResponseWriter, r *http.Request, method string, op func(ReviewReq) (*Transaction, error)) {
	txnID, err := snowflake.ParseString(chi.URLParam(r, "txnID"))
	if err != nil {
		h.Log.Err(err).Str("method", method).Msg("error parsing transaction ID")
		WriteHTTPError(w, ErrBadRequest{Fields: map[string]string{"txnID": "invalid format"}})
		return
	}
	txn, err := op(ReviewReq{TxnID: txnID, Session: session(r)})
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	h.respond(w, txn)
}

func (h *httpHandler) Pending(w http.ResponseWriter, r *http.Request) {
	txns, err := h.Svc.PendingTransactions(session(r))
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	if txns == nil {
		txns = []Transaction{}
	}
	h.respond(w, txns)
}

func (h *httpHandler) Balance(w http.ResponseWriter, r *http.Request) {
	acctID, err := acctIDParam(r)
	if err != nil {
		h.Log.Err(err).Str("method", "balance").Msg("error parsing account ID")
		WriteHTTPError(w, ErrBadRequest{Fields: map[string]string{"acctID": "invalid format"}})
		return
	}
	bal, err := h.Svc.Balance(AcctReq{AcctID: acctID, Session: session(r)})
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	h.respond(w, balanceJSONResp{Balance: *bal})
}

func (h *httpHandler) History(w http.ResponseWriter, r *http.Request) {
	acctID, err := acctIDParam(r)
	if err != nil {
		h.Log.Err(err).Str("method", "history").Msg("error parsing account ID")
		WriteHTTPError(w, ErrBadRequest{Fields: map[string]string{"acctID": "invalid format"}})
		return
	}
	txns, err := h.Svc.History(AcctReq{AcctID: acctID, Session: session(r)})
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	if txns == nil {
		txns = []Transaction{}
	}
	h.respond(w, txns)
}

func (h *httpHandler) Statement(w http.ResponseWriter, r *http.Request) {
	acctID, err := acctIDParam(r)
	if err != nil {
		h.Log.Err(err).Str("method", "statement").Msg("error parsing account ID")
		WriteHTTPError(w, ErrBadRequest{Fields: map[string]string{"acctID": "invalid format"}})
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	if err = h.Svc.Statement(w, AcctReq{AcctID: acctID, Session: session(r)}); err != nil {
		WriteHTTPError(w, err)
		return
	}
}

func (h *httpHandler) decode(w http.ResponseWriter, r *http.Request, method string, dst interface{}) bool {
	buf, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		h.Log.Err(err).Str("method", method).Msg("error reading HTTP request")
		WriteHTTPError(w, ErrInternalServer)
		return false
	}
	if err = json.Unmarshal(buf, dst); err != nil {
		h.Log.Err(err).Str("method", method).Msg("error unmarshalling JSON")
		WriteHTTPError(w, ErrBadRequest{Fields: map[string]string{"request body": "malformed JSON"}})
		return false
	}
	return true
}

func (h *httpHandler) respond(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		WriteHTTPError(w, err)
	}
}

func WriteHTTPError(w http.ResponseWriter, err error) {
	var ne error
	defer func() {
		if ne != nil {
			log.Error().
				Err(ne).
				Msg("error response encoding failed")
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	var (
		acctNF       ErrAccountNotFound
		txnNF        ErrTxnNotFound
		insufficient ErrInsufficientFunds
		invState     ErrInvalidStateTransition
		invAmount    ErrInvalidAmount
		badReq       ErrBadRequest
		unauthorized ErrUnauthorized
	)
	switch {
	case errors.As(err, &acctNF):
		w.WriteHeader(http.StatusNotFound)
		ne = json.NewEncoder(w).Encode(acctNF)
	case errors.As(err, &txnNF):
		w.WriteHeader(http.StatusNotFound)
		ne = json.NewEncoder(w).Encode(txnNF)
	case errors.As(err, &insufficient):
		w.WriteHeader(http.StatusUnprocessableEntity)
		ne = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "INSUFFICIENT",
			"detail": insufficient,
		})
	case errors.As(err, &invState):
		w.WriteHeader(http.StatusConflict)
		ne = json.NewEncoder(w).Encode(invState)
	case errors.As(err, &invAmount):
		w.WriteHeader(http.StatusBadRequest)
		ne = json.NewEncoder(w).Encode(invAmount)
	case errors.As(err, &badReq):
		w.WriteHeader(http.StatusBadRequest)
		ne = json.NewEncoder(w).Encode(badReq)
	case errors.As(err, &unauthorized):
		w.WriteHeader(http.StatusForbidden)
		ne = json.NewEncoder(w).Encode(unauthorized)
	case errors.Is(err, ErrOverloaded), errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		w.WriteHeader(http.StatusServiceUnavailable)
		ne = json.NewEncoder(w).Encode(map[string]string{"message": "overloaded, retry later"})
	default:
		w.WriteHeader(http.StatusInternalServerError)
		resp := map[string]string{
			"message": "server error",
		}
		ne = json.NewEncoder(w).Encode(resp)
	}
}

func HTTPNotFound(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNotFound)
	w.Header().Set("Content-Type", "application/json")
	resp := map[string]string{
		"path": r.URL.Path,
	}
	json.NewEncoder(w).Encode(resp)
}
