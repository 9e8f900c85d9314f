// Package lockfile provides an advisory lock next to a file, used to keep two
// processes from running the same batch at the same time. The lock is a JSON
// file refreshed by a heartbeat; a lock whose heartbeat stopped is stale and
// may be taken over.
package lockfile

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/paulschiretz/pgl-transfer/pkg/plog"
	"github.com/paulschiretz/pgl-transfer/pkg/util"
)

// Owner is the content of a lock file.
type Owner struct {
	PID        int64     `json:"pid"`
	Hostname   string    `json:"hostname"`
	AppID      string    `json:"appID"`
	Nonce      string    `json:"nonce"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// ErrLockActive is returned when another live process holds the lock.
type ErrLockActive struct {
	Owner Owner
	Age   time.Duration
}

func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("lock is active, held by PID %d on host '%s' (App: %s), last updated %s ago",
		e.Owner.PID, e.Owner.Hostname, e.Owner.AppID, e.Age.Truncate(time.Second))
}

// ErrLostRace is returned when a concurrent takeover of a stale lock won.
var ErrLostRace = errors.New("lost race during stale lock takeover")

// These are vars to allow modification during testing.
var (
	heartbeatInterval = 30 * time.Second
	staleTimeout      = 3 * heartbeatInterval
)

// PathFor returns the lock file that guards target.
func PathFor(target string) string {
	return filepath.Join(filepath.Dir(target), ".~"+filepath.Base(target)+".lock")
}

// Lock is a held lock. Release it when done.
type Lock struct {
	path  string
	owner Owner

	mu       sync.Mutex
	stop     chan struct{}
	stopped  chan struct{}
	released bool
}

// Acquire takes the lock guarding target. It fails with *ErrLockActive while
// another process keeps the lock alive.
func Acquire(ctx context.Context, target, appID string) (*Lock, error) {
	path := PathFor(target)
	const maxAttempts = 3
	for range maxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		owner, err := newOwner(appID)
		if err != nil {
			return nil, err
		}
		err = create(path, owner)
		if err == nil {
			return start(path, owner), nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		current, readErr := readSettled(path)
		switch {
		case os.IsNotExist(readErr):
			// Released between our attempts.
			continue
		case readErr != nil:
			plog.Warn("Unreadable lock file, treating as stale", "path", path, "error", readErr)
		default:
			if age := time.Since(current.LastUpdate); age < staleTimeout {
				return nil, &ErrLockActive{Owner: current, Age: age}
			}
			plog.Warn("Found stale lock, attempting takeover", "path", path, "pid", current.PID)
		}

		if err := takeover(path, owner); err != nil {
			plog.Debug("Lock takeover failed, retrying", "path", path, "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		return start(path, owner), nil
	}
	return nil, fmt.Errorf("failed to acquire lock %s after %d attempts", path, maxAttempts)
}

func newOwner(appID string) (Owner, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return Owner{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	hostname, err := os.Hostname()
	if err != nil {
		return Owner{}, err
	}
	return Owner{
		PID:        int64(os.Getpid()),
		Hostname:   hostname,
		AppID:      appID,
		Nonce:      hex.EncodeToString(nonce),
		LastUpdate: time.Now().UTC(),
	}, nil
}

// create writes a new lock file and fails if one exists.
func create(path string, owner Owner) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return err
	}
	err = json.NewEncoder(f).Encode(owner)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	return nil
}

// takeover replaces a stale lock and reads it back to detect a lost race.
func takeover(path string, owner Owner) error {
	if err := replace(path, owner); err != nil {
		return err
	}
	current, err := read(path)
	if err != nil {
		return err
	}
	if current.PID != owner.PID || current.Nonce != owner.Nonce {
		return ErrLostRace
	}
	return nil
}

// replace writes owner to a temp file and renames it over path, so readers
// never see a partial lock file.
func replace(path string, owner Owner) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp lock file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := json.NewEncoder(tmp).Encode(owner); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// readSettled retries a read that sees a lock file while its creator is
// still writing it.
func readSettled(path string) (Owner, error) {
	var err error
	for range 3 {
		var owner Owner
		owner, err = read(path)
		if err == nil || os.IsNotExist(err) {
			return owner, err
		}
		time.Sleep(50 * time.Millisecond)
	}
	return Owner{}, err
}

func read(path string) (Owner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Owner{}, err
	}
	var owner Owner
	if err := json.Unmarshal(data, &owner); err != nil {
		return Owner{}, fmt.Errorf("corrupt lock file: %w", err)
	}
	return owner, nil
}

func start(path string, owner Owner) *Lock {
	l := &Lock{
		path:    path,
		owner:   owner,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go l.heartbeat()
	plog.Debug("Lock acquired", "path", path)
	return l
}

func (l *Lock) heartbeat() {
	defer close(l.stopped)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.owner.LastUpdate = time.Now().UTC()
			if err := replace(l.path, l.owner); err != nil {
				plog.Warn("Heartbeat failed to update lock file", "path", l.path, "error", err)
			}
		}
	}
}

// Path returns the lock file's path.
func (l *Lock) Path() string { return l.path }

// Release stops the heartbeat and removes the lock file. It is safe to call
// more than once.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	close(l.stop)
	<-l.stopped
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
		return
	}
	plog.Debug("Lock released", "path", l.path)
}
