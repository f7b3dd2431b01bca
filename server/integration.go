package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"sandbank/bank"
)

// The integration API is the wallet's side of the withdrawal FSM. Nothing
// here takes credentials: the unguessable wopid is the capability.

func (s *Server) handleIntegrationConfig(w http.ResponseWriter, r *http.Request) {
	demobank := demobankFrom(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"name":     "taler-bank-integration",
		"version":  "1:0:1",
		"currency": demobank.Currency,
	})
}

// integrationWithdrawalOf loads the operation scoped to the demobank of the
// URL; unlike the access API there is no account segment to pin it to.
func integrationWithdrawalOf(tx *gorm.DB, demobank *bank.Demobank, raw string) (*bank.WithdrawalOperation, error) {
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
	if op.DemobankID != demobank.ID {
		return nil, notFound("withdrawal operation not found")
	}
	return op, nil
}

func confirmTransferURL(demobank *bank.Demobank, op *bank.WithdrawalOperation) string {
	if demobank.CaptchaURL == "" || op.ConfirmationDone || op.Aborted {
		return ""
	}
	return demobank.CaptchaURL + "/" + op.Wopid.String()
}

func (s *Server) handleIntegrationStatus(w http.ResponseWriter, r *http.Request) {
	demobank := demobankFrom(r)
	var op *bank.WithdrawalOperation
	var senderWire string
	err := s.run(r, func(tx *gorm.DB) error {
		found, err := integrationWithdrawalOf(tx, demobank, chi.URLParam(r, "wopid"))
		if err != nil {
			return err
		}
		op = found
		account, err := bank.AccountByLabel(tx, op.AccountLabel)
		if err != nil {
			return err
		}
		senderWire = bank.BuildPayto(account.IBAN, bank.OwnerDisplayName(tx, account.Owner))
		return nil
	})
	if err != nil {
		s.writeError(w, r, apiErrorOf(err))
		return
	}
	body := map[string]any{
		"selection_done": op.SelectionDone,
		"transfer_done":  op.ConfirmationDone,
		"aborted":        op.Aborted,
		"amount":         fmt.Sprintf("%s:%s", op.Currency, op.Amount),
		"sender_wire":    senderWire,
	}
	if demobank.SuggestedExchangeBaseURL != "" {
		body["suggested_exchange"] = demobank.SuggestedExchangeBaseURL
	}
	if u := confirmTransferURL(demobank, op); u != "" {
		body["confirm_transfer_url"] = u
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleIntegrationSelect(w http.ResponseWriter, r *http.Request) {
	demobank := demobankFrom(r)
	var req struct {
		ReservePub       string `json:"reserve_pub"`
		SelectedExchange string `json:"selected_exchange"`
	}
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		s.writeError(w, r, apiErr)
		return
	}
	var op *bank.WithdrawalOperation
	var firstSelection bool
	err := s.run(r, func(tx *gorm.DB) error {
		found, err := integrationWithdrawalOf(tx, demobank, chi.URLParam(r, "wopid"))
		if err != nil {
			return err
		}
		op = found
		firstSelection = !op.SelectionDone
		return bank.SelectWithdrawal(tx, op, req.ReservePub, req.SelectedExchange)
	})
	if err != nil {
		s.writeError(w, r, apiErrorOf(err))
		return
	}
	if firstSelection {
		s.cfg.Metrics.RecordWithdrawal("selected")
	}
	body := map[string]any{"transfer_done": op.ConfirmationDone}
	if u := confirmTransferURL(demobank, op); u != "" {
		body["confirm_transfer_url"] = u
	}
	writeJSON(w, http.StatusOK, body)
}
