// Package lock implements the model lock coordinator: an
// advisory, file-backed cross-process lock keyed by "provider/modelId",
// using the exclusive-create + atomic-rename style from
// store.SyncManifest.Save, adapted to per-key lock files with stale
// takeover instead of a single manifest.
package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/pi-agent/model-selector/internal/config"
	"github.com/pi-agent/model-selector/internal/jsonutil"
	"github.com/pi-agent/model-selector/internal/model"
)

// AcquireResult is the outcome of one Acquire call.
type AcquireResult struct {
	Acquired bool
	HeldBy   *model.ModelLock
}

// Coordinator manages lock files under one directory for the current
// process's instanceId.
type Coordinator struct {
	dir        string
	instanceID string
	pid        int

	mu    sync.Mutex
	owned map[string]bool // keys this process believes it currently holds
}

// New builds a Coordinator rooted at dir (typically a well-known lock
// directory under the agent home), with a fresh random instanceId.
func New(dir string) *Coordinator {
	return &Coordinator{
		dir:        dir,
		instanceID: uuid.NewString(),
		pid:        os.Getpid(),
		owned:      map[string]bool{},
	}
}

// InstanceID returns this process's lock identity.
func (c *Coordinator) InstanceID() string { return c.instanceID }

func (c *Coordinator) pathFor(key string) string {
	// Slashes in "provider/modelId" are encoded so the key maps to a single
	// file name.
	encoded := strings.ReplaceAll(key, "/", "__")
	return filepath.Join(c.dir, encoded+".lock")
}

// Acquire attempts to take the named lock. timeoutMs==0 tries once;
// timeoutMs>0 polls at config.LockAcquirePollInterval until it succeeds or
// the timeout elapses.
func (c *Coordinator) Acquire(key string, timeoutMs int) (AcquireResult, error) {
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for {
		res, err := c.tryAcquireOnce(key)
		if err != nil {
			return AcquireResult{}, err
		}
		if res.Acquired || timeoutMs <= 0 || time.Now().After(deadline) {
			return res, nil
		}
		time.Sleep(config.LockAcquirePollInterval())
	}
}

func (c *Coordinator) tryAcquireOnce(key string) (AcquireResult, error) {
	path := c.pathFor(key)
	record := model.ModelLock{
		InstanceID:  c.instanceID,
		PID:         c.pid,
		AcquiredAt:  time.Now(),
		HeartbeatAt: time.Now(),
	}

	if err := writeExclusive(path, record); err == nil {
		c.markOwned(key)
		return AcquireResult{Acquired: true}, nil
	} else if !os.IsExist(err) {
		return AcquireResult{}, err
	}

	existing, err := readLock(path)
	if err != nil {
		// Unreadable/corrupt lock file: treat like a stale record and take it.
		return c.takeover(key, path, record)
	}

	if isStale(existing, time.Now()) {
		return c.takeover(key, path, record)
	}
	return AcquireResult{Acquired: false, HeldBy: existing}, nil
}

// takeover atomically overwrites a stale or dead-owner lock record.
func (c *Coordinator) takeover(key, path string, record model.ModelLock) (AcquireResult, error) {
	if err := writeAtomic(path, record); err != nil {
		return AcquireResult{}, err
	}
	c.markOwned(key)
	return AcquireResult{Acquired: true}, nil
}

// isStale reports whether a lock record is eligible for takeover: its
// heartbeat is older than the stale threshold, or its holder pid is
// provably dead. The threshold is exactly 3x the heartbeat interval, see
// config.StaleLockThreshold.
func isStale(rec *model.ModelLock, now time.Time) bool {
	if now.Sub(rec.HeartbeatAt) >= config.StaleLockThreshold() {
		return true
	}
	return !pidAlive(rec.PID)
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; signal 0 is the standard
	// liveness probe (no signal actually delivered).
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errors.Is(err, os.ErrProcessDone) {
		return false
	}
	// Any other error (e.g. permission denied) means we can't prove it's
	// dead, so don't treat that alone as grounds for takeover.
	return !errors.Is(err, syscall.ESRCH)
}

// Refresh updates heartbeatAt only if the on-disk record still belongs to
// this instance; returns whether we still hold the lock.
func (c *Coordinator) Refresh(key string) (bool, error) {
	path := c.pathFor(key)
	existing, err := readLock(path)
	if err != nil {
		c.clearOwned(key)
		return false, nil
	}
	if existing.InstanceID != c.instanceID {
		c.clearOwned(key)
		return false, nil
	}
	existing.HeartbeatAt = time.Now()
	if err := writeAtomic(path, *existing); err != nil {
		return false, err
	}
	return true, nil
}

// Release deletes the lock file only if it still belongs to this instance,
// silently tolerating an already-missing file.
func (c *Coordinator) Release(key string) error {
	path := c.pathFor(key)
	existing, err := readLock(path)
	if err != nil {
		c.clearOwned(key)
		return nil
	}
	if existing.InstanceID != c.instanceID {
		c.clearOwned(key)
		return nil
	}
	c.clearOwned(key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ReleaseAll releases every lock this process currently believes it owns,
// called at process shutdown.
func (c *Coordinator) ReleaseAll() {
	c.mu.Lock()
	keys := make([]string, 0, len(c.owned))
	for k := range c.owned {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	for _, k := range keys {
		_ = c.Release(k)
	}
}

// Entry is one lock file as shown by the debug CLI (`selectorctl locks`).
type Entry struct {
	Key            string
	Lock           model.ModelLock
	HeartbeatAge   time.Duration
	OwnedByThisPID bool
}

// List enumerates every lock file currently on disk, for display purposes.
// Unreadable files are skipped rather than aborting the whole listing.
func (c *Coordinator) List() ([]Entry, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	now := time.Now()
	var out []Entry
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".lock") {
			continue
		}
		rec, err := readLock(filepath.Join(c.dir, name))
		if err != nil {
			continue
		}
		key := strings.ReplaceAll(strings.TrimSuffix(name, ".lock"), "__", "/")
		out = append(out, Entry{
			Key:            key,
			Lock:           *rec,
			HeartbeatAge:   now.Sub(rec.HeartbeatAt),
			OwnedByThisPID: rec.InstanceID == c.instanceID,
		})
	}
	return out, nil
}

func (c *Coordinator) markOwned(key string) {
	c.mu.Lock()
	c.owned[key] = true
	c.mu.Unlock()
}

func (c *Coordinator) clearOwned(key string) {
	c.mu.Lock()
	delete(c.owned, key)
	c.mu.Unlock()
}

func readLock(path string) (*model.ModelLock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec model.ModelLock
	if err := jsonutil.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// writeExclusive creates path only if it doesn't already exist (the
// atomic "create-if-not-exists" primitive Acquire relies on).
func writeExclusive(path string, rec model.ModelLock) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := jsonutil.Marshal(rec)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

// writeAtomic overwrites path via the write-temp-then-rename pattern, the
// same style SyncManifest.Save uses, so no reader ever
// observes a half-written lock record.
func writeAtomic(path string, rec model.ModelLock) error {
	data, err := jsonutil.Marshal(rec)
	if err != nil {
		return err
	}
	tmp := path + "." + strconv.Itoa(os.Getpid()) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
