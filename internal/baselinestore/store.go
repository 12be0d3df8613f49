// Package baselinestore owns the content-addressed baseline PNGs and the
// metadata.json index under <workingDir>/.vizzly/. It is the sole writer
// of that tree; every mutation rewrites the index atomically, following
// the teacher's own state-file pattern (ingesters/utils/state.go) of
// write-temp-then-commit via safefile.
package baselinestore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dchest/safefile"
	"github.com/google/renameio"
)

const (
	baselinesDir  = `baselines`
	metadataFile  = `metadata.json`
	indexFilePerm = 0o640
	pngFilePerm   = 0o640
)

var (
	ErrNotFound      = errors.New("baselinestore: signature not found")
	ErrDuplicateFile = errors.New("baselinestore: filename already maps to a different signature")
	ErrCorruptIndex  = errors.New("baselinestore: metadata.json is corrupt")
)

// Entry is one baseline record, one per unique signature.
type Entry struct {
	Signature  string            `json:"signature"`
	Name       string            `json:"name"`
	Filename   string            `json:"filename"`
	SHA256     string            `json:"sha256"`
	BuildID    string            `json:"buildId"`
	CreatedAt  time.Time         `json:"createdAt"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Index is the top-level shape of metadata.json.
type Index struct {
	BuildID            string   `json:"buildId"`
	BuildName          string   `json:"buildName"`
	Threshold          float64  `json:"threshold"`
	SignatureProperties []string `json:"signatureProperties"`
	Screenshots        []Entry  `json:"screenshots"`
}

// Store is the sole writer of the baseline directory tree for one
// working directory. All mutating methods take Store's lock; callers in
// §5 of the spec take this lock exactly at the described points.
type Store struct {
	mtx sync.Mutex
	dir string // <workingDir>/.vizzly
	idx Index
}

// Open loads (or initialises) the baseline store rooted at vizzlyDir
// (typically <workingDir>/.vizzly).
func Open(vizzlyDir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(vizzlyDir, baselinesDir), 0o750); err != nil {
		return nil, err
	}
	s := &Store{dir: vizzlyDir}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) indexPath() string {
	return filepath.Join(s.dir, metadataFile)
}

func (s *Store) baselinePath(filename string) string {
	return filepath.Join(s.dir, baselinesDir, filename)
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.indexPath())
	if errors.Is(err, os.ErrNotExist) {
		s.idx = Index{}
		return nil
	} else if err != nil {
		return err
	}
	if len(b) == 0 {
		s.idx = Index{}
		return nil
	}
	var idx Index
	if err := json.Unmarshal(b, &idx); err != nil {
		return ErrCorruptIndex
	}
	s.idx = idx
	return nil
}

// writeIndex rewrites metadata.json atomically with an fsync, in the
// manner of ingesters/utils/state.go's safefile.Create/Commit pair.
func (s *Store) writeIndex() error {
	b, err := json.MarshalIndent(s.idx, "", "  ")
	if err != nil {
		return err
	}
	fout, err := safefile.Create(s.indexPath(), indexFilePerm)
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

// SignatureOrder returns the build-wide ordered signature-property keys.
func (s *Store) SignatureOrder() []string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make([]string, len(s.idx.SignatureProperties))
	copy(out, s.idx.SignatureProperties)
	return out
}

// SetSignatureOrder replaces the signature-property order, e.g. after a
// sync discovers a build-wide order (spec §4.I step 4).
func (s *Store) SetSignatureOrder(order []string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.idx.SignatureProperties = order
	return s.writeIndex()
}

// Threshold returns the service-wide default diff threshold recorded in
// the index (0 if never set).
func (s *Store) Threshold() float64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.idx.Threshold
}

func (s *Store) SetThreshold(t float64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.idx.Threshold = t
	return s.writeIndex()
}

// Exists reports whether a baseline entry exists for signature.
func (s *Store) Exists(signature string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	_, ok := s.find(signature)
	return ok
}

func (s *Store) find(signature string) (int, bool) {
	for i := range s.idx.Screenshots {
		if s.idx.Screenshots[i].Signature == signature {
			return i, true
		}
	}
	return -1, false
}

// Get returns a copy of the entry for signature.
func (s *Store) Get(signature string) (Entry, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if i, ok := s.find(signature); ok {
		return s.idx.Screenshots[i], true
	}
	return Entry{}, false
}

// All returns a copy of every baseline entry.
func (s *Store) All() []Entry {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make([]Entry, len(s.idx.Screenshots))
	copy(out, s.idx.Screenshots)
	return out
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SaveBaseline writes a baseline PNG and upserts its metadata entry.
// The write is create-or-replace and non-fsynced (the PNG bytes
// themselves are not the durability-critical artifact, the index is);
// the index rewrite that follows is fsynced.
func (s *Store) SaveBaseline(sig, name, filename, buildID string, props map[string]string, data []byte) (Entry, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for i := range s.idx.Screenshots {
		if s.idx.Screenshots[i].Filename == filename && s.idx.Screenshots[i].Signature != sig {
			return Entry{}, ErrDuplicateFile
		}
	}

	if err := renameio.WriteFile(s.baselinePath(filename), data, pngFilePerm); err != nil {
		return Entry{}, err
	}

	e := Entry{
		Signature:  sig,
		Name:       name,
		Filename:   filename,
		SHA256:     sha256Hex(data),
		BuildID:    buildID,
		CreatedAt:  time.Now().UTC(),
		Properties: props,
	}
	if i, ok := s.find(sig); ok {
		s.idx.Screenshots[i] = e
	} else {
		s.idx.Screenshots = append(s.idx.Screenshots, e)
	}
	if err := s.writeIndex(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// ReadBaseline returns the baseline PNG bytes for signature.
func (s *Store) ReadBaseline(signature string) ([]byte, Entry, error) {
	s.mtx.Lock()
	i, ok := s.find(signature)
	var e Entry
	if ok {
		e = s.idx.Screenshots[i]
	}
	s.mtx.Unlock()
	if !ok {
		return nil, Entry{}, ErrNotFound
	}
	b, err := os.ReadFile(s.baselinePath(e.Filename))
	return b, e, err
}

// EntryByFilename looks an index entry up by its content-addressed
// filename rather than its signature, for collaborators (e.g. the sync
// layer) whose remote manifest does not carry a local signature. It
// reports only recorded metadata (notably SHA256) and never reads the
// PNG bytes.
func (s *Store) EntryByFilename(filename string) (Entry, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for i := range s.idx.Screenshots {
		if s.idx.Screenshots[i].Filename == filename {
			return s.idx.Screenshots[i], true
		}
	}
	return Entry{}, false
}

// FileExists reports whether filename's PNG is present on disk,
// independent of the index.
func (s *Store) FileExists(filename string) bool {
	_, err := os.Stat(s.baselinePath(filename))
	return err == nil
}

// RegisterExisting adds (or refreshes) an index entry for a PNG that is
// already on disk under filename, without writing any bytes. The sync
// layer uses this for its skip-if-unchanged path (spec §4.I step 5) so
// an unchanged remote screenshot never triggers a PNG write.
func (s *Store) RegisterExisting(sig, name, filename, buildID, sha256hex string, props map[string]string) (Entry, error) {
	if !s.FileExists(filename) {
		return Entry{}, ErrNotFound
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	e := Entry{
		Signature:  sig,
		Name:       name,
		Filename:   filename,
		SHA256:     sha256hex,
		BuildID:    buildID,
		CreatedAt:  time.Now().UTC(),
		Properties: props,
	}
	if i, ok := s.find(sig); ok {
		s.idx.Screenshots[i] = e
	} else {
		s.idx.Screenshots = append(s.idx.Screenshots, e)
	}
	if err := s.writeIndex(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// PruneTo drops every index entry and on-disk PNG whose filename is not
// in keep. The sync layer calls this once it has reused-or-refetched
// every screenshot the remote manifest lists, so baselines the remote
// no longer references are removed (spec §4.I step 3) without ever
// touching the PNGs of screenshots that remain.
func (s *Store) PruneTo(keep map[string]bool) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var kept []Entry
	var dropped []string
	for _, e := range s.idx.Screenshots {
		if keep[e.Filename] {
			kept = append(kept, e)
		} else {
			dropped = append(dropped, e.Filename)
		}
	}
	s.idx.Screenshots = kept
	if err := s.writeIndex(); err != nil {
		return err
	}
	for _, fn := range dropped {
		if err := os.Remove(s.baselinePath(fn)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Dir returns the store's root directory, for collaborators that write
// their own sibling files (e.g. baseline-metadata.json).
func (s *Store) Dir() string {
	return s.dir
}

// Clear removes every baseline entry and PNG on disk.
func (s *Store) Clear() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := os.RemoveAll(filepath.Join(s.dir, baselinesDir)); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(s.dir, baselinesDir), 0o750); err != nil {
		return err
	}
	s.idx.Screenshots = nil
	return s.writeIndex()
}

// BuildDescriptor is the denormalised pair recorded with the index and
// mirrored into baseline-metadata.json for downstream tooling (spec
// §4.I step 7).
type BuildDescriptor struct {
	BuildID string
	Name    string
}

func (s *Store) SetBuildDescriptor(d BuildDescriptor) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.idx.BuildID = d.BuildID
	s.idx.BuildName = d.Name
	return s.writeIndex()
}
