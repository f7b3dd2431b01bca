package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
	"nhooyr.io/websocket"

	"sandbank/bank"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPageSize     = 100
)

// handleTransactionsStream upgrades to a websocket and pushes every booked
// row of the account as one JSON text frame, starting at from_ms (default:
// connect time).
func (s *Server) handleTransactionsStream(w http.ResponseWriter, r *http.Request) {
	demobank := demobankFrom(r)
	who, apiErr := s.callerOf(r)
	if apiErr != nil {
		s.writeError(w, r, apiErr)
		return
	}
	label := chi.URLParam(r, "accountLabel")
	params := newQueryReader(r)
	fromMs := params.int64("from_ms")
	if params.err != nil {
		s.writeError(w, r, params.err)
		return
	}
	var account *bank.BankAccount
	err := s.run(r, func(tx *gorm.DB) error {
		found, err := accountForCaller(tx, demobank, label, who)
		if err != nil {
			return err
		}
		account = found
		return nil
	})
	if err != nil {
		s.writeError(w, r, apiErrorOf(err))
		return
	}
	if fromMs == 0 {
		fromMs = s.Now().UnixMilli()
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	if err := s.streamBookings(r.Context(), conn, account, fromMs); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

// streamCursor remembers the newest booking instant already streamed plus
// the row uids at exactly that instant, so same-millisecond bookings are
// neither dropped nor repeated.
type streamCursor struct {
	fromMs int64
	seen   map[string]bool
}

func (c *streamCursor) admit(row *bank.Transaction) bool {
	if row.Date < c.fromMs {
		return false
	}
	if row.Date > c.fromMs {
		c.fromMs = row.Date
		c.seen = make(map[string]bool)
	}
	if c.seen[row.AccountServicerReference] {
		return false
	}
	c.seen[row.AccountServicerReference] = true
	return true
}

func (s *Server) streamBookings(ctx context.Context, conn *websocket.Conn, account *bank.BankAccount, fromMs int64) error {
	wake, cancel := s.cfg.Hub.Subscribe(account.Label)
	defer cancel()
	if s.cfg.Bridge != nil {
		s.cfg.Bridge.Watch(account.Label)
	}
	cursor := &streamCursor{fromMs: fromMs, seen: make(map[string]bool)}
	for {
		rows, err := s.pollBookings(ctx, account, cursor.fromMs)
		if err != nil {
			return err
		}
		for i := range rows {
			if !cursor.admit(&rows[i]) {
				continue
			}
			if err := writeTransaction(ctx, conn, &rows[i]); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

// pollBookings reads everything booked at or after fromMs in one consistent
// snapshot; the cursor dedupes outside the transaction so retries on
// serialization failures cannot lose rows.
func (s *Server) pollBookings(ctx context.Context, account *bank.BankAccount, fromMs int64) ([]bank.Transaction, error) {
	var collected []bank.Transaction
	err := bank.RunSerializable(s.cfg.DB.WithContext(ctx), func(tx *gorm.DB) error {
		collected = collected[:0]
		for page := 1; ; page++ {
			rows, err := bank.TransactionsOf(tx, account, bank.TransactionFilter{
				FromMs: fromMs,
				Page:   page,
				Size:   streamPageSize,
			})
			if err != nil {
				return err
			}
			collected = append(collected, rows...)
			if len(rows) < streamPageSize {
				return nil
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return collected, nil
}

func writeTransaction(ctx context.Context, conn *websocket.Conn, row *bank.Transaction) error {
	data, err := json.Marshal(transactionBodyOf(row))
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
