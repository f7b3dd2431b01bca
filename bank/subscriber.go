package bank

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// subscriberTransitions maps the current state and the key-management order
// type to the next state. Absent entries are refused.
var subscriberTransitions = map[SubscriberState]map[string]SubscriberState{
	SubscriberNew: {
		"INI": SubscriberPartialINI,
		"HIA": SubscriberPartialHIA,
	},
	SubscriberPartialINI: {
		"HIA": SubscriberInitialized,
	},
	SubscriberPartialHIA: {
		"INI": SubscriberInitialized,
	},
	SubscriberInitialized: {
		"HPB": SubscriberReady,
	},
	SubscriberReady: {
		// Host keys may be pulled again at any time.
		"HPB": SubscriberReady,
	},
}

// TransitionError reports a key-management order arriving in the wrong
// subscriber state.
type TransitionError struct {
	State SubscriberState
	Order string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %s not admitted in subscriber state %s", e.Order, e.State)
}

// NextSubscriberState returns the state after applying a key-management
// order, or a TransitionError when the edge does not exist.
func NextSubscriberState(current SubscriberState, orderType string) (SubscriberState, error) {
	if next, ok := subscriberTransitions[current][orderType]; ok {
		return next, nil
	}
	return current, &TransitionError{State: current, Order: orderType}
}

// ApplySubscriberOrder advances the FSM and records the uploaded public keys
// (PKIX DER, keyed by usage) in one step.
func ApplySubscriberOrder(tx *gorm.DB, subscriber *EbicsSubscriber, orderType string, keys map[KeyUsage][]byte) error {
	next, err := NextSubscriberState(subscriber.State, orderType)
	if err != nil {
		return err
	}
	for usage, der := range keys {
		key := SubscriberKey{
			ID:           uuid.New(),
			SubscriberID: subscriber.ID,
			Usage:        usage,
			PublicKey:    der,
		}
		if err := tx.Create(&key).Error; err != nil {
			return fmt.Errorf("store %s key of %s: %w", usage, subscriber.UserID, err)
		}
	}
	subscriber.State = next
	if err := tx.Save(subscriber).Error; err != nil {
		return fmt.Errorf("advance subscriber %s: %w", subscriber.UserID, err)
	}
	return nil
}
