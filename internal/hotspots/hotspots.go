// Package hotspots loads and saves per-screenshot "regions that often
// change" annotations. Hotspots are purely advisory: they are consumed
// by the (out-of-scope) review UI and never influence comparison logic.
package hotspots

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dchest/safefile"
)

const (
	hotspotsFile     = `hotspots.json`
	hotspotsFilePerm = 0o640
)

var ErrCorrupt = errors.New("hotspots: hotspots.json is corrupt")

// Region is a y-interval flagged as high-churn.
type Region struct {
	Y1 int `json:"y1"`
	Y2 int `json:"y2"`
}

// Entry is the hotspot annotation for one screenshot name.
type Entry struct {
	Regions    []Region `json:"regions"`
	Confidence string   `json:"confidence"`
}

// Data is the on-disk shape of hotspots.json.
type Data struct {
	DownloadedAt time.Time        `json:"downloadedAt"`
	Summary      string           `json:"summary,omitempty"`
	Hotspots     map[string]Entry `json:"hotspots"`
}

// cache is the lazy, whole-file cache described in spec §4.K: it starts
// empty, the first lookup for any name loads the whole file, and a hit
// for a specific name never by itself triggers a load.
type cache struct {
	data   Data
	loaded bool
}

// Store reads and writes hotspots.json under vizzlyDir.
type Store struct {
	mtx sync.Mutex
	dir string
	c   cache
}

func Open(vizzlyDir string) *Store {
	return &Store{dir: vizzlyDir}
}

func (s *Store) path() string {
	return filepath.Join(s.dir, hotspotsFile)
}

func (s *Store) ensureLoaded() error {
	if s.c.loaded {
		return nil
	}
	b, err := os.ReadFile(s.path())
	if errors.Is(err, os.ErrNotExist) {
		s.c = cache{data: Data{Hotspots: map[string]Entry{}}, loaded: true}
		return nil
	} else if err != nil {
		return err
	}
	var d Data
	if err := json.Unmarshal(b, &d); err != nil {
		return ErrCorrupt
	}
	if d.Hotspots == nil {
		d.Hotspots = map[string]Entry{}
	}
	s.c = cache{data: d, loaded: true}
	return nil
}

// Lookup returns the hotspot entry for name. The first call of any kind
// loads the whole file; this call and every subsequent one hits memory.
func (s *Store) Lookup(name string) (Entry, bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return Entry{}, false, err
	}
	e, ok := s.c.data.Hotspots[name]
	return e, ok, nil
}

// Coverage returns the fraction of known screenshots (by name, against
// the given universe) that have at least one hotspot region recorded.
// Advisory only -- a read-side convenience for a reviewer/coverage
// report, never consulted by the comparison engine.
func (s *Store) Coverage(names []string) (float64, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return 0, err
	}
	if len(names) == 0 {
		return 0, nil
	}
	covered := 0
	for _, n := range names {
		if e, ok := s.c.data.Hotspots[n]; ok && len(e.Regions) > 0 {
			covered++
		}
	}
	return float64(covered) / float64(len(names)), nil
}

// SaveHotspotMetadata replaces local hotspot metadata wholesale, used by
// the sync layer when a build response embeds hotspots (spec §4.I step
// 6). An empty/nil map writes an empty hotspot set; DownloadedAt is
// set to the current time on every save.
func (s *Store) SaveHotspotMetadata(hs map[string]Entry, summary string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	d := Data{
		DownloadedAt: time.Now().UTC(),
		Summary:      summary,
		Hotspots:     hs,
	}
	if d.Hotspots == nil {
		d.Hotspots = map[string]Entry{}
	}
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	fout, err := safefile.Create(s.path(), hotspotsFilePerm)
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
	s.c = cache{data: d, loaded: true}
	return nil
}
