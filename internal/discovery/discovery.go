// Package discovery implements the handshake by which independent SDK
// processes find the running engine: a server.json descriptor written on
// start and removed on stop, plus a directory-level lock that makes
// running two engines against the same working directory a detectable
// startup failure rather than undefined corruption (spec §5, "running
// two engines in the same working directory is undefined").
package discovery

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/dchest/safefile"
	"github.com/gofrs/flock"
)

const (
	serverFile     = `server.json`
	lockFile       = `.lock`
	serverFilePerm = 0o640
)

var ErrAlreadyRunning = errors.New("discovery: another engine is already running in this working directory")

// Descriptor is the immutable handshake payload. SDK processes read it
// from server.json; VIZZLY_SERVER_URL overrides discovery entirely and
// is handled by the SDK side, not here.
type Descriptor struct {
	PID        int       `json:"pid"`
	Port       int       `json:"port"`
	StartTime  time.Time `json:"startTime"`
	BuildID    string    `json:"buildId,omitempty"`
	FailOnDiff bool      `json:"failOnDiff,omitempty"`
}

// Handle owns the lock and descriptor file for one running engine.
type Handle struct {
	dir  string
	lock *flock.Flock
}

// Acquire takes the single-writer lock on vizzlyDir and writes the
// descriptor. It fails with ErrAlreadyRunning if another engine already
// holds the lock.
func Acquire(vizzlyDir string, d Descriptor) (*Handle, error) {
	if err := os.MkdirAll(vizzlyDir, 0o750); err != nil {
		return nil, err
	}
	fl := flock.New(filepath.Join(vizzlyDir, lockFile))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAlreadyRunning
	}
	h := &Handle{dir: vizzlyDir, lock: fl}
	if err := h.write(d); err != nil {
		fl.Unlock()
		return nil, err
	}
	return h, nil
}

func (h *Handle) path() string {
	return filepath.Join(h.dir, serverFile)
}

func (h *Handle) write(d Descriptor) error {
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	fout, err := safefile.Create(h.path(), serverFilePerm)
	if err != nil {
		return err
	}
	name := fout.Name()
	if _, err = fout.Write(b); err != nil {
		fout.File.Close()
		os.Remove(name)
		return err
	}
	if err = fout.Commit(); err != nil {
		fout.File.Close()
		os.Remove(name)
		return err
	}
	return nil
}

// Release deletes server.json and releases the directory lock. Called
// on ordered shutdown (spec §5).
func (h *Handle) Release() error {
	err := os.Remove(h.path())
	if err != nil && !os.IsNotExist(err) {
		// still try to release the lock; report the removal error after
		h.lock.Unlock()
		return err
	}
	return h.lock.Unlock()
}

// Read loads the descriptor written by the engine running against
// vizzlyDir, if any.
func Read(vizzlyDir string) (Descriptor, error) {
	b, err := os.ReadFile(filepath.Join(vizzlyDir, serverFile))
	if err != nil {
		return Descriptor{}, err
	}
	var d Descriptor
	if err := json.Unmarshal(b, &d); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// Find walks from startDir up through parent directories looking for
// the first .vizzly/server.json, matching the SDK-side traversal
// described in spec §4.J.
func Find(startDir string) (Descriptor, string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return Descriptor{}, ``, err
	}
	for {
		candidate := filepath.Join(dir, `.vizzly`)
		if d, err := Read(candidate); err == nil {
			return d, candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return Descriptor{}, ``, os.ErrNotExist
}
