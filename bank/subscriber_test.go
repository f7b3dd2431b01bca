package bank

import (
	"errors"
	"testing"
)

func TestSubscriberStateMachine(t *testing.T) {
	cases := []struct {
		state SubscriberState
		order string
		next  SubscriberState
		ok    bool
	}{
		{SubscriberNew, "INI", SubscriberPartialINI, true},
		{SubscriberNew, "HIA", SubscriberPartialHIA, true},
		{SubscriberNew, "HPB", SubscriberNew, false},
		{SubscriberPartialINI, "HIA", SubscriberInitialized, true},
		{SubscriberPartialINI, "INI", SubscriberPartialINI, false},
		{SubscriberPartialHIA, "INI", SubscriberInitialized, true},
		{SubscriberPartialHIA, "HIA", SubscriberPartialHIA, false},
		{SubscriberInitialized, "HPB", SubscriberReady, true},
		{SubscriberInitialized, "INI", SubscriberInitialized, false},
		{SubscriberReady, "HPB", SubscriberReady, true},
		{SubscriberReady, "INI", SubscriberReady, false},
		{SubscriberReady, "HIA", SubscriberReady, false},
	}
	for _, tc := range cases {
		next, err := NextSubscriberState(tc.state, tc.order)
		if tc.ok {
			if err != nil {
				t.Fatalf("%s + %s: %v", tc.state, tc.order, err)
			}
			if next != tc.next {
				t.Fatalf("%s + %s = %s, want %s", tc.state, tc.order, next, tc.next)
			}
			continue
		}
		var te *TransitionError
		if !errors.As(err, &te) {
			t.Fatalf("%s + %s: expected transition error, got %v", tc.state, tc.order, err)
		}
		if te.State != tc.state || te.Order != tc.order {
			t.Fatalf("transition error carries %s/%s, want %s/%s", te.State, te.Order, tc.state, tc.order)
		}
	}
}

func TestApplySubscriberOrderStoresKeys(t *testing.T) {
	db := setupBankTestDB(t)

	if _, err := CreateEbicsHost(db, "SANDBOX"); err != nil {
		t.Fatalf("create host: %v", err)
	}
	subscriber, err := CreateEbicsSubscriber(db, "SANDBOX", "PARTNER1", "USER1", "", "")
	if err != nil {
		t.Fatalf("create subscriber: %v", err)
	}
	if subscriber.State != SubscriberNew {
		t.Fatalf("fresh subscriber state = %s", subscriber.State)
	}

	if err := ApplySubscriberOrder(db, subscriber, "INI", map[KeyUsage][]byte{
		KeyUsageSignature: []byte("sig-der"),
	}); err != nil {
		t.Fatalf("INI: %v", err)
	}
	if subscriber.State != SubscriberPartialINI {
		t.Fatalf("state after INI = %s", subscriber.State)
	}

	if err := ApplySubscriberOrder(db, subscriber, "HIA", map[KeyUsage][]byte{
		KeyUsageAuthentication: []byte("auth-der"),
		KeyUsageEncryption:     []byte("enc-der"),
	}); err != nil {
		t.Fatalf("HIA: %v", err)
	}
	if subscriber.State != SubscriberInitialized {
		t.Fatalf("state after HIA = %s", subscriber.State)
	}

	keys, err := SubscriberKeysOf(db, subscriber.ID)
	if err != nil {
		t.Fatalf("load keys: %v", err)
	}
	if string(keys[KeyUsageSignature]) != "sig-der" {
		t.Fatalf("signature key = %q", keys[KeyUsageSignature])
	}
	if string(keys[KeyUsageAuthentication]) != "auth-der" {
		t.Fatalf("authentication key = %q", keys[KeyUsageAuthentication])
	}
	if string(keys[KeyUsageEncryption]) != "enc-der" {
		t.Fatalf("encryption key = %q", keys[KeyUsageEncryption])
	}

	// The persisted state survives a reload.
	stored, err := SubscriberByIdentity(db, "SANDBOX", "PARTNER1", "USER1", "")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.State != SubscriberInitialized {
		t.Fatalf("stored state = %s", stored.State)
	}

	// INI has no edge out of INITIALIZED.
	if err := ApplySubscriberOrder(db, stored, "INI", nil); err == nil {
		t.Fatalf("INI admitted in state %s", stored.State)
	}
}
