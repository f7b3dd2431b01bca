package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"sandbank/bank"
	"sandbank/observability/logging"
)

type balanceBody struct {
	Amount               string `json:"amount"`
	CreditDebitIndicator string `json:"credit_debit_indicator"`
}

func balanceBodyOf(currency string, value decimal.Decimal) balanceBody {
	indicator := "credit"
	magnitude := value
	if value.IsNegative() {
		indicator = "debit"
		magnitude = value.Neg()
	}
	return balanceBody{
		Amount:               bank.FormatTalerAmount(currency, magnitude),
		CreditDebitIndicator: indicator,
	}
}

type accountInfoBody struct {
	Label          string      `json:"label"`
	Name           string      `json:"name"`
	IBAN           string      `json:"iban"`
	BIC            string      `json:"bic"`
	PaytoURI       string      `json:"paytoUri"`
	Balance        balanceBody `json:"balance"`
	DebitThreshold string      `json:"debitThreshold"`
}

func accountInfoOf(tx *gorm.DB, demobank *bank.Demobank, account *bank.BankAccount) (*accountInfoBody, error) {
	booked, err := bank.BookedBalance(tx, account)
	if err != nil {
		return nil, err
	}
	name := bank.OwnerDisplayName(tx, account.Owner)
	return &accountInfoBody{
		Label:          account.Label,
		Name:           name,
		IBAN:           account.IBAN,
		BIC:            account.BIC,
		PaytoURI:       bank.BuildPayto(account.IBAN, name),
		Balance:        balanceBodyOf(demobank.Currency, booked),
		DebitThreshold: bank.FormatAmount(bank.DebtLimit(demobank, account)),
	}, nil
}

func (s *Server) handleAccessConfig(w http.ResponseWriter, r *http.Request) {
	demobank := demobankFrom(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"name":                "taler-bank-access",
		"version":             "1:0:1",
		"currency":            demobank.Currency,
		"allow_registrations": demobank.AllowRegistrations,
	})
}

func (s *Server) handlePublicAccounts(w http.ResponseWriter, r *http.Request) {
	demobank := demobankFrom(r)
	type publicAccountBody struct {
		AccountLabel string      `json:"accountLabel"`
		IBAN         string      `json:"iban"`
		Balance      balanceBody `json:"balance"`
	}
	var listing []publicAccountBody
	err := s.run(r, func(tx *gorm.DB) error {
		accounts, err := bank.PublicAccountsOfDemobank(tx, demobank.ID)
		if err != nil {
			return err
		}
		listing = make([]publicAccountBody, 0, len(accounts))
		for i := range accounts {
			booked, err := bank.BookedBalance(tx, &accounts[i])
			if err != nil {
				return err
			}
			listing = append(listing, publicAccountBody{
				AccountLabel: accounts[i].Label,
				IBAN:         accounts[i].IBAN,
				Balance:      balanceBodyOf(demobank.Currency, booked),
			})
		}
		return nil
	})
	if err != nil {
		s.writeError(w, r, apiErrorOf(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"publicAccounts": listing})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	demobank := demobankFrom(r)
	if !demobank.AllowRegistrations {
		s.writeError(w, r, forbidden("registrations are not allowed on this demobank"))
		return
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		s.writeError(w, r, apiErr)
		return
	}
	var info *accountInfoBody
	err := s.run(r, func(tx *gorm.DB) error {
		_, account, err := bank.RegisterCustomer(tx, demobank, req.Username, req.Password, req.Name, s.Now())
		if err != nil {
			return err
		}
		info, err = accountInfoOf(tx, demobank, account)
		return err
	})
	if err != nil {
		s.writeError(w, r, apiErrorOf(err))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAccountInfo(w http.ResponseWriter, r *http.Request) {
	demobank := demobankFrom(r)
	who, apiErr := s.callerOf(r)
	if apiErr != nil {
		s.writeError(w, r, apiErr)
		return
	}
	label := chi.URLParam(r, "accountLabel")
	var info *accountInfoBody
	err := s.run(r, func(tx *gorm.DB) error {
		account, err := accountForCaller(tx, demobank, label, who)
		if err != nil {
			return err
		}
		info, err = accountInfoOf(tx, demobank, account)
		return err
	})
	if err != nil {
		s.writeError(w, r, apiErrorOf(err))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type transactionBody struct {
	UID          string `json:"uid"`
	Direction    string `json:"direction"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	Subject      string `json:"subject"`
	Date         int64  `json:"date"`
	DebtorIBAN   string `json:"debtorIban"`
	DebtorBIC    string `json:"debtorBic,omitempty"`
	DebtorName   string `json:"debtorName,omitempty"`
	CreditorIBAN string `json:"creditorIban"`
	CreditorBIC  string `json:"creditorBic,omitempty"`
	CreditorName string `json:"creditorName,omitempty"`
	PmtInfID     string `json:"pmtInfId,omitempty"`
	EndToEndID   string `json:"endToEndId,omitempty"`
}

func transactionBodyOf(row *bank.Transaction) transactionBody {
	body := transactionBody{
		UID:          row.AccountServicerReference,
		Direction:    row.Direction,
		Amount:       row.Amount,
		Currency:     row.Currency,
		Subject:      row.Subject,
		Date:         row.Date,
		DebtorIBAN:   row.DebtorIBAN,
		DebtorBIC:    row.DebtorBIC,
		DebtorName:   row.DebtorName,
		CreditorIBAN: row.CreditorIBAN,
		CreditorBIC:  row.CreditorBIC,
		CreditorName: row.CreditorName,
		EndToEndID:   row.EndToEndID,
	}
	if row.PmtInfID != nil {
		body.PmtInfID = *row.PmtInfID
	}
	return body
}

// queryReader pulls numeric query parameters and remembers the first
// malformed one.
type queryReader struct {
	values url.Values
	err    *APIError
}

func newQueryReader(r *http.Request) *queryReader {
	return &queryReader{values: r.URL.Query()}
}

func (q *queryReader) int64(key string) int64 {
	raw := q.values.Get(key)
	if raw == "" {
		return 0
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		if q.err == nil {
			q.err = badRequest("query parameter %s must be a non-negative integer", key)
		}
		return 0
	}
	return value
}

func (s *Server) handleTransactionsPage(w http.ResponseWriter, r *http.Request) {
	demobank := demobankFrom(r)
	who, apiErr := s.callerOf(r)
	if apiErr != nil {
		s.writeError(w, r, apiErr)
		return
	}
	label := chi.URLParam(r, "accountLabel")
	params := newQueryReader(r)
	filter := bank.TransactionFilter{
		FromMs:  params.int64("from_ms"),
		UntilMs: params.int64("until_ms"),
		Page:    int(params.int64("page")),
		Size:    int(params.int64("size")),
	}
	longPollMs := params.int64("long_poll_ms")
	if params.err != nil {
		s.writeError(w, r, params.err)
		return
	}

	var account *bank.BankAccount
	var rows []bank.Transaction
	query := func(tx *gorm.DB) error {
		if account == nil {
			found, err := accountForCaller(tx, demobank, label, who)
			if err != nil {
				return err
			}
			account = found
		}
		found, err := bank.TransactionsOf(tx, account, filter)
		if err != nil {
			return err
		}
		rows = found
		return nil
	}
	if err := s.run(r, query); err != nil {
		s.writeError(w, r, apiErrorOf(err))
		return
	}
	if len(rows) == 0 && longPollMs > 0 {
		poll := func() (bool, error) {
			if err := s.run(r, query); err != nil {
				return false, err
			}
			return len(rows) > 0, nil
		}
		wait := time.Duration(longPollMs) * time.Millisecond
		if err := s.waitForBooking(r, account.Label, wait, poll); err != nil {
			s.writeError(w, r, apiErrorOf(err))
			return
		}
	}
	listing := make([]transactionBody, 0, len(rows))
	for i := range rows {
		listing = append(listing, transactionBodyOf(&rows[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": listing})
}

// waitForBooking parks the request until the account sees a booking, the
// timeout passes or the client goes away. poll re-runs the query and reports
// whether rows arrived; the subscription opens before the first re-poll so a
// commit racing the initial empty read cannot be lost.
func (s *Server) waitForBooking(r *http.Request, label string, wait time.Duration, poll func() (bool, error)) error {
	wake, cancel := s.cfg.Hub.Subscribe(label)
	defer cancel()
	if s.cfg.Bridge != nil {
		s.cfg.Bridge.Watch(label)
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	for {
		got, err := poll()
		if err != nil {
			return err
		}
		if got {
			return nil
		}
		select {
		case <-wake:
		case <-deadline.C:
			return nil
		case <-r.Context().Done():
			return nil
		}
	}
}

func (s *Server) handleTransactionCreate(w http.ResponseWriter, r *http.Request) {
	demobank := demobankFrom(r)
	who, apiErr := s.callerOf(r)
	if apiErr != nil {
		s.writeError(w, r, apiErr)
		return
	}
	label := chi.URLParam(r, "accountLabel")
	var req struct {
		PaytoURI string `json:"paytoUri"`
		Amount   string `json:"amount"`
		PmtInfID string `json:"pmtInfId"`
	}
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		s.writeError(w, r, apiErr)
		return
	}
	msgID := uuid.NewString()
	var result *bank.BookingResult
	var creditorIBAN, subject string
	err := s.run(r, func(tx *gorm.DB) error {
		account, err := accountForCaller(tx, demobank, label, who)
		if err != nil {
			return err
		}
		payto, err := bank.ParsePayto(req.PaytoURI)
		if err != nil {
			return err
		}
		subject = payto.Message
		if subject == "" {
			return badRequest("payto URI lacks a message parameter for the subject")
		}
		currency, value, err := paymentAmount(demobank, req.Amount, payto.Amount)
		if err != nil {
			return err
		}
		creditorIBAN = payto.IBAN
		result, err = bank.BookPayment(tx, demobank, bank.Payment{
			DebtorAccount: account,
			CreditorIBAN:  payto.IBAN,
			CreditorBIC:   payto.BIC,
			CreditorName:  payto.ReceiverName,
			Amount:        value,
			Currency:      currency,
			Subject:       subject,
			PmtInfID:      req.PmtInfID,
			EndToEndID:    "NOTPROVIDED",
			MsgID:         msgID,
		}, s.Now())
		return err
	})
	if err != nil {
		s.writeError(w, r, apiErrorOf(err))
		return
	}
	s.notifyBooked(result)
	s.log.Info("payment booked",
		"account", label,
		logging.MaskField("creditor_iban", creditorIBAN),
		logging.MaskField("subject", subject),
	)
	writeJSON(w, http.StatusOK, map[string]any{"uid": msgID})
}

// paymentAmount resolves the transfer amount from the request body or the
// payto amount parameter, in either CUR:X or plain decimal form.
func paymentAmount(demobank *bank.Demobank, bodyAmount, paytoAmount string) (string, decimal.Decimal, error) {
	raw := strings.TrimSpace(bodyAmount)
	if raw == "" {
		raw = strings.TrimSpace(paytoAmount)
	}
	if raw == "" {
		return "", decimal.Decimal{}, badRequest("amount required")
	}
	if strings.Contains(raw, ":") {
		return bank.ParseTalerAmount(raw)
	}
	value, err := bank.ParsePositiveAmount(raw)
	if err != nil {
		return "", decimal.Decimal{}, err
	}
	return demobank.Currency, value, nil
}

func (s *Server) handleWithdrawalCreate(w http.ResponseWriter, r *http.Request) {
	demobank := demobankFrom(r)
	who, apiErr := s.callerOf(r)
	if apiErr != nil {
		s.writeError(w, r, apiErr)
		return
	}
	label := chi.URLParam(r, "accountLabel")
	var req struct {
		Amount string `json:"amount"`
	}
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		s.writeError(w, r, apiErr)
		return
	}
	var op *bank.WithdrawalOperation
	err := s.run(r, func(tx *gorm.DB) error {
		account, err := accountForCaller(tx, demobank, label, who)
		if err != nil {
			return err
		}
		currency, value, err := bank.ParseTalerAmount(req.Amount)
		if err != nil {
			return err
		}
		op, err = bank.CreateWithdrawal(tx, demobank, account, currency, value)
		return err
	})
	if err != nil {
		s.writeError(w, r, apiErrorOf(err))
		return
	}
	s.cfg.Metrics.RecordWithdrawal("created")
	writeJSON(w, http.StatusOK, map[string]any{
		"withdrawal_id":      op.Wopid.String(),
		"taler_withdraw_uri": s.talerWithdrawURI(demobank.Name, op.Wopid),
	})
}

// talerWithdrawURI renders the URI a wallet scans to drive the integration
// API: taler://withdraw/<host>[/<prefix>]/demobanks/<name>/integration-api/<wopid>,
// with scheme taler+http when the sandbox is not served over TLS.
func (s *Server) talerWithdrawURI(demobankName string, wopid uuid.UUID) string {
	scheme := "taler+http"
	host := "localhost"
	prefix := ""
	if base, err := url.Parse(s.cfg.BaseURL); err == nil && base.Host != "" {
		host = base.Host
		if base.Scheme == "https" {
			scheme = "taler"
		}
		prefix = strings.Trim(base.Path, "/")
	}
	segments := []string{host}
	if prefix != "" {
		segments = append(segments, prefix)
	}
	segments = append(segments, "demobanks", demobankName, "integration-api", wopid.String())
	return scheme + "://withdraw/" + strings.Join(segments, "/")
}

// withdrawalOf loads the operation and pins it to the account in the URL, so
// wopids cannot be replayed across accounts or demobanks.
func withdrawalOf(tx *gorm.DB, account *bank.BankAccount, raw string) (*bank.WithdrawalOperation, error) {
	wopid, err := uuid.Parse(raw)
	if err != nil {
		return nil, notFound("withdrawal operation not found")
	}
	op, err := bank.WithdrawalByWopid(tx, wopid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("withdrawal operation not found")
		}
		return nil, err
	}
	if op.AccountID != account.ID {
		return nil, notFound("withdrawal operation not found")
	}
	return op, nil
}

func (s *Server) handleWithdrawalStatus(w http.ResponseWriter, r *http.Request) {
	demobank := demobankFrom(r)
	who, apiErr := s.callerOf(r)
	if apiErr != nil {
		s.writeError(w, r, apiErr)
		return
	}
	label := chi.URLParam(r, "accountLabel")
	var op *bank.WithdrawalOperation
	err := s.run(r, func(tx *gorm.DB) error {
		account, err := accountForCaller(tx, demobank, label, who)
		if err != nil {
			return err
		}
		op, err = withdrawalOf(tx, account, chi.URLParam(r, "wopid"))
		return err
	})
	if err != nil {
		s.writeError(w, r, apiErrorOf(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"amount":                    fmt.Sprintf("%s:%s", op.Currency, op.Amount),
		"aborted":                   op.Aborted,
		"confirmation_done":         op.ConfirmationDone,
		"selection_done":            op.SelectionDone,
		"selected_reserve_pub":      op.ReservePub,
		"selected_exchange_account": op.SelectedExchangePayto,
	})
}

// Confirm and abort take no credentials: knowing the unguessable wopid is
// the capability.
func (s *Server) handleWithdrawalConfirm(w http.ResponseWriter, r *http.Request) {
	demobank := demobankFrom(r)
	label := chi.URLParam(r, "accountLabel")
	var result *bank.BookingResult
	err := s.run(r, func(tx *gorm.DB) error {
		account, err := accountOfDemobank(tx, demobank, label)
		if err != nil {
			return err
		}
		op, err := withdrawalOf(tx, account, chi.URLParam(r, "wopid"))
		if err != nil {
			return err
		}
		result, err = bank.ConfirmWithdrawal(tx, op, s.Now())
		return err
	})
	if err != nil {
		s.writeError(w, r, apiErrorOf(err))
		return
	}
	s.notifyBooked(result)
	if result != nil && !result.Replayed {
		s.cfg.Metrics.RecordWithdrawal("confirmed")
	}
	writeJSON(w, http.StatusOK, map[string]any{"confirmation_done": true})
}

func (s *Server) handleWithdrawalAbort(w http.ResponseWriter, r *http.Request) {
	demobank := demobankFrom(r)
	label := chi.URLParam(r, "accountLabel")
	var firstAbort bool
	err := s.run(r, func(tx *gorm.DB) error {
		account, err := accountOfDemobank(tx, demobank, label)
		if err != nil {
			return err
		}
		op, err := withdrawalOf(tx, account, chi.URLParam(r, "wopid"))
		if err != nil {
			return err
		}
		firstAbort = !op.Aborted
		return bank.AbortWithdrawal(tx, op)
	})
	if err != nil {
		s.writeError(w, r, apiErrorOf(err))
		return
	}
	if firstAbort {
		s.cfg.Metrics.RecordWithdrawal("aborted")
	}
	writeJSON(w, http.StatusOK, map[string]any{"aborted": true})
}
