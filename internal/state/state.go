// Package state persists the daemon's own bookkeeping in bbolt: the
// cached login session and per-user sync metadata. The reading app's
// envelopes are not stored here; they belong to the store package.
package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/reader-sync/internal/domain"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory
	// (~/.reader-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt
	// database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket  = []byte("app")
	sessionKey = []byte("session")
)

func userBucket(userID string) []byte {
	return []byte("user:" + userID)
}

func lastSyncKey(d domain.Domain) []byte {
	return []byte("lastsync:" + string(d))
}

// State wraps a bbolt database for persistent daemon state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.reader-sync/sync.db, creating it
// if it does not exist.
func Load() (*State, error) {
	return LoadAt(dbPath())
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(appBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Session is the cached login session, reused across restarts so the
// daemon does not re-authenticate while the token is still valid.
type Session struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
	Salt   string `json:"salt"`
}

// Session returns the cached login session. The second return is false
// when no session has been cached.
func (s *State) Session() (Session, bool) {
	var (
		sess  Session
		found bool
	)

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(sessionKey)
		if v == nil {
			return nil
		}

		if err := json.Unmarshal(v, &sess); err != nil {
			return nil
		}

		found = sess.Token != "" && sess.UserID != ""

		return nil
	})

	return sess, found
}

// SetSession caches the login session.
func (s *State) SetSession(sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(sessionKey, data)
	})
}

// InitUser ensures the per-user bucket exists. Call once after login.
func (s *State) InitUser(userID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(userBucket(userID))
		return err
	})
}

// LastSync returns the epoch millis of the last confirmed remote write
// for a domain, or zero.
func (s *State) LastSync(userID string, d domain.Domain) int64 {
	var ts int64

	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(userBucket(userID))
		if b == nil {
			return nil
		}

		v := b.Get(lastSyncKey(d))
		if len(v) == 8 {
			ts = int64(binary.BigEndian.Uint64(v)) //nolint:gosec // G115: stored from int64, round-trips safely
		}

		return nil
	})

	return ts
}

// SetLastSync records the time of a confirmed remote write for a domain.
func (s *State) SetLastSync(userID string, d domain.Domain, ts int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(userBucket(userID))
		if b == nil {
			return fmt.Errorf("user bucket not initialized for %s", userID)
		}

		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(ts)) //nolint:gosec // G115: see LastSync

		return b.Put(lastSyncKey(d), buf[:])
	})
}

// DeleteUser removes all persisted state for a user. Called when the
// configured account changes so nothing leaks into the new user's
// session.
func (s *State) DeleteUser(userID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(userBucket(userID)) == nil {
			return nil
		}

		return tx.DeleteBucket(userBucket(userID))
	})
}

func dbPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail loudly rather than silently writing to the current
		// directory where the database (containing session tokens)
		// might end up with wrong permissions or inside a
		// source-controlled tree.
		fmt.Fprintf(os.Stderr, "fatal: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}

	return filepath.Join(dir, ".reader-sync", "sync.db")
}
