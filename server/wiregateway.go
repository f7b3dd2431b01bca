package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"sandbank/bank"
)

// handleAddIncoming books an exchange-facing credit: the named account is
// credited from a local debit account, with the reserve public key as
// subject. Both legs of the transfer hit the ledger, exactly as a pain.001
// from the debit account would.
func (s *Server) handleAddIncoming(w http.ResponseWriter, r *http.Request) {
	demobank := demobankFrom(r)
	who, apiErr := s.callerOf(r)
	if apiErr != nil {
		s.writeError(w, r, apiErr)
		return
	}
	label := chi.URLParam(r, "accountLabel")
	var req struct {
		ReservePub   string `json:"reserve_pub"`
		Amount       string `json:"amount"`
		DebitAccount string `json:"debit_account"`
	}
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		s.writeError(w, r, apiErr)
		return
	}
	if req.ReservePub == "" {
		s.writeError(w, r, badRequest("reserve_pub required"))
		return
	}
	var result *bank.BookingResult
	var stamp int64
	err := s.run(r, func(tx *gorm.DB) error {
		credit, err := accountForCaller(tx, demobank, label, who)
		if err != nil {
			return err
		}
		currency, value, err := bank.ParseTalerAmount(req.Amount)
		if err != nil {
			return err
		}
		if currency != demobank.Currency {
			return badRequest("currency %s does not match the demobank's %s", currency, demobank.Currency)
		}
		payto, err := bank.ParsePayto(req.DebitAccount)
		if err != nil {
			return err
		}
		debit, err := bank.AccountByIBAN(tx, demobank.ID, payto.IBAN)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return unprocessable("debit account %s is not a local account", payto.IBAN)
			}
			return err
		}
		now := s.Now()
		stamp = now.UnixMilli()
		result, err = bank.WireTransfer(tx, demobank, debit, credit, req.ReservePub, value, now)
		return err
	})
	if err != nil {
		s.writeError(w, r, apiErrorOf(err))
		return
	}
	s.notifyBooked(result)
	writeJSON(w, http.StatusOK, map[string]any{
		"row_id":    stamp,
		"timestamp": map[string]any{"t_ms": stamp},
	})
}
