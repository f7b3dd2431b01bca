package ebics

import (
	"encoding/binary"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketMessages = []byte("messages")

// Journal is an append-only BoltDB log of processed EBICS messages, kept
// outside the ledger database so it survives resets and stays cheap to tail.
type Journal struct {
	db *bolt.DB
}

// JournalEntry records one request/response exchange.
type JournalEntry struct {
	Seq           uint64    `json:"seq"`
	Time          time.Time `json:"time"`
	HostID        string    `json:"hostId"`
	Root          string    `json:"root"`
	OrderType     string    `json:"orderType,omitempty"`
	Phase         string    `json:"phase,omitempty"`
	ReturnCode    string    `json:"returnCode"`
	RequestBytes  int       `json:"requestBytes"`
	ResponseBytes int       `json:"responseBytes"`
}

// OpenJournal initialises (and migrates) the BoltDB-backed journal.
func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMessages)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Append assigns the next sequence number and stores the entry.
func (j *Journal) Append(entry JournalEntry) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMessages)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		entry.Seq = seq
		payload, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return bucket.Put(journalKey(seq), payload)
	})
}

// Tail returns up to n most recent entries, oldest first.
func (j *Journal) Tail(n int) ([]JournalEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	var entries []JournalEntry
	err := j.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketMessages).Cursor()
		for k, v := cursor.Last(); k != nil && len(entries) < n; k, v = cursor.Prev() {
			var entry JournalEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func journalKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
