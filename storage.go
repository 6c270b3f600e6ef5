package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

const (
	bucketAccountStats = "account_stats"
	bucketRequestLog   = "request_log"
)

// statsStore persists per-account lifetime counters and a bounded request
// log. Counters survive restarts and reloads; the request log is pruned by
// retention age.
type statsStore struct {
	db        *bbolt.DB
	retention time.Duration

	mu        sync.Mutex
	nextPrune time.Time
}

type accountStats struct {
	ConversationCount int64 `json:"conversation_count"`
}

// requestLogEntry is one served turn, kept for operator inspection.
type requestLogEntry struct {
	RequestID string    `json:"request_id"`
	AccountID string    `json:"account_id"`
	Model     string    `json:"model"`
	Outcome   string    `json:"outcome"`
	Retries   int       `json:"retries,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func newStatsStore(path string, retentionDays int) (*statsStore, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, e := tx.CreateBucketIfNotExists([]byte(bucketAccountStats)); e != nil {
			return e
		}
		if _, e := tx.CreateBucketIfNotExists([]byte(bucketRequestLog)); e != nil {
			return e
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &statsStore{db: db, retention: time.Duration(retentionDays) * 24 * time.Hour, nextPrune: time.Now().Add(1 * time.Hour)}, nil
}

func (s *statsStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// conversationCount returns the persisted lifetime counter for an account,
// zero when the account has never served a conversation.
func (s *statsStore) conversationCount(accountID string) int64 {
	if s == nil || s.db == nil {
		return 0
	}
	var st accountStats
	_ = s.db.View(func(tx *bbolt.Tx) error {
		if raw := tx.Bucket([]byte(bucketAccountStats)).Get([]byte(accountID)); raw != nil {
			return json.Unmarshal(raw, &st)
		}
		return nil
	})
	return st.ConversationCount
}

func (s *statsStore) addConversation(accountID string, delta int64) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketAccountStats))
		var st accountStats
		if raw := b.Get([]byte(accountID)); raw != nil {
			_ = json.Unmarshal(raw, &st)
		}
		st.ConversationCount += delta
		enc, err := json.Marshal(&st)
		if err != nil {
			return err
		}
		return b.Put([]byte(accountID), enc)
	})
}

func (s *statsStore) record(e requestLogEntry) error {
	if s == nil || s.db == nil {
		return nil
	}
	key := fmt.Sprintf("%020d|%s", e.Timestamp.UnixNano(), safeID(e.AccountID))
	if e.RequestID != "" {
		key = key + "|" + e.RequestID
	}
	val, err := json.Marshal(e)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketRequestLog)).Put([]byte(key), val)
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	due := time.Now().After(s.nextPrune)
	s.mu.Unlock()
	// Two callers racing past the check just prune twice; harmless.
	if due {
		s.prune()
	}
	return nil
}

func (s *statsStore) prune() {
	cutoff := time.Now().Add(-s.retention)
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketRequestLog)).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			tsPart, _, _ := strings.Cut(string(k), "|")
			ts, err := timeFromKey(tsPart)
			if err != nil {
				continue
			}
			if ts.Before(cutoff) {
				_ = c.Delete()
			} else {
				// Keys are time-ordered; nothing newer needs pruning.
				break
			}
		}
		return nil
	})
	s.mu.Lock()
	s.nextPrune = time.Now().Add(1 * time.Hour)
	s.mu.Unlock()
}

func timeFromKey(tsPart string) (time.Time, error) {
	var n int64
	if _, err := fmt.Sscanf(tsPart, "%d", &n); err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n), nil
}

func safeID(id string) string {
	if id == "" {
		return "unknown"
	}
	return id
}

// allConversationCounts returns every persisted counter, used by the stats
// admin endpoint.
func (s *statsStore) allConversationCounts() (map[string]int64, error) {
	out := make(map[string]int64)
	if s == nil || s.db == nil {
		return out, nil
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketAccountStats)).ForEach(func(k, v []byte) error {
			var st accountStats
			if err := json.Unmarshal(v, &st); err != nil {
				return nil
			}
			out[string(k)] = st.ConversationCount
			return nil
		})
	})
	return out, err
}
