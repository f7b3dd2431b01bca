package bank

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"gorm.io/gorm"
)

// notificationDomain scopes channel names to ledger bookings.
const notificationDomain = "libeufin_regio_tx"

// ChannelName derives the pub/sub channel for an account label. Postgres
// identifiers must start with a letter, hence "x" plus 60 hex characters of
// the domain-scoped digest.
func ChannelName(label string) string {
	sum := sha256.Sum256([]byte(notificationDomain + ":" + label))
	return "x" + hex.EncodeToString(sum[:])[:60]
}

// notifyBooked emits the postgres NOTIFY for a booked account; the payload
// is the label and delivery happens at commit time. No-op on SQLite, where
// the in-process hub alone serves.
func notifyBooked(tx *gorm.DB, label string) {
	if !IsPostgres(tx) {
		return
	}
	tx.Exec("SELECT pg_notify(?, ?)", ChannelName(label), label)
}

// Hub fans per-account booking wakeups out to long-poll and websocket
// waiters. Subscription channels are buffered with depth one, so a burst of
// commits coalesces into a single wakeup; waiters re-check their predicate
// after every wakeup.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan struct{}]struct{})}
}

// Subscribe registers a waiter for one account label. The cancel func
// releases the subscription and must always be called.
func (h *Hub) Subscribe(label string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	set := h.subs[label]
	if set == nil {
		set = make(map[chan struct{}]struct{})
		h.subs[label] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[label]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, label)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Notify wakes every subscriber of the label without blocking.
func (h *Hub) Notify(label string) {
	h.mu.Lock()
	for ch := range h.subs[label] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	h.mu.Unlock()
}

// PgBridge relays postgres NOTIFY wakeups into the hub so that bookings
// committed by other processes reach local waiters. It owns one dedicated
// connection; LISTEN statements are applied between notification waits.
type PgBridge struct {
	hub      *Hub
	conn     *pgx.Conn
	requests chan string

	mu        sync.Mutex
	listening map[string]bool
}

// StartPgBridge connects and starts the relay goroutine. The bridge stops
// when ctx is canceled.
func StartPgBridge(ctx context.Context, dsn string, hub *Hub) (*PgBridge, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	b := &PgBridge{
		hub:       hub,
		conn:      conn,
		requests:  make(chan string, 64),
		listening: make(map[string]bool),
	}
	go b.run(ctx)
	return b, nil
}

// Watch ensures the bridge listens for bookings on the label's channel. The
// request is dropped when the queue is full; the next Watch for the label
// re-requests it, so a waiter is at most one poll interval late.
func (b *PgBridge) Watch(label string) {
	b.mu.Lock()
	known := b.listening[label]
	b.mu.Unlock()
	if known {
		return
	}
	select {
	case b.requests <- label:
	default:
	}
}

func (b *PgBridge) run(ctx context.Context) {
	defer b.conn.Close(context.Background())
	for {
		if ctx.Err() != nil {
			return
		}
		b.drainRequests(ctx)
		waitCtx, cancel := context.WithTimeout(ctx, time.Second)
		notification, err := b.conn.WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			// Connection trouble: back off and retry; local waiters still
			// get in-process wakeups meanwhile.
			time.Sleep(time.Second)
			continue
		}
		if notification != nil && notification.Payload != "" {
			b.hub.Notify(notification.Payload)
		}
	}
}

func (b *PgBridge) drainRequests(ctx context.Context) {
	for {
		select {
		case label := <-b.requests:
			b.mu.Lock()
			known := b.listening[label]
			b.mu.Unlock()
			if known {
				continue
			}
			// Channel names are derived hex, safe to splice as identifiers.
			if _, err := b.conn.Exec(ctx, "LISTEN "+ChannelName(label)); err != nil {
				continue
			}
			b.mu.Lock()
			b.listening[label] = true
			b.mu.Unlock()
		default:
			return
		}
	}
}
