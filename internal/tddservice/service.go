// Package tddservice is the orchestrator: it wires fingerprinting, path
// safety, the baseline and current/diff stores, the image comparator,
// and the in-memory comparison state into the single public surface the
// ingest server and CLI drive (spec §4.G).
package tddservice

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/vizzly-testing/engine/internal/baselinestore"
	"github.com/vizzly-testing/engine/internal/baselinesync"
	"github.com/vizzly-testing/engine/internal/comparisonstate"
	"github.com/vizzly-testing/engine/internal/config"
	"github.com/vizzly-testing/engine/internal/currentstore"
	"github.com/vizzly-testing/engine/internal/fingerprint"
	"github.com/vizzly-testing/engine/internal/hotspots"
	"github.com/vizzly-testing/engine/internal/imagecompare"
	"github.com/vizzly-testing/engine/internal/pathsafe"
	"github.com/vizzly-testing/engine/internal/vzlog"
)

var (
	// ErrNameInvalid is a caller error (spec §7): never mutates state.
	ErrNameInvalid = errors.New("tddservice: invalid screenshot name")
	// ErrUnknownComparison is a caller error raised on accept of an id
	// the service has never seen.
	ErrUnknownComparison = errors.New("tddservice: unknown comparison id")
	// ErrNoCurrent is a caller error: accept requires a current PNG on
	// disk (spec §4.G AcceptBaseline step 2).
	ErrNoCurrent = errors.New("tddservice: no current screenshot to accept")
)

// Service is the TDD orchestrator. One Service is created per running
// engine and lives for the process lifetime.
type Service struct {
	cfg       config.Config
	baselines *baselinestore.Store
	current   *currentstore.Store
	hotspots  *hotspots.Store
	state     *comparisonstate.State
	log       *vzlog.Logger
	buildID   string
}

// New wires a Service together. buildID is the local, process-lifetime
// build identifier used to tag freshly created baselines when no remote
// build id is available (spec §3 baseline entry "source build id").
func New(cfg config.Config, baselines *baselinestore.Store, current *currentstore.Store, hs *hotspots.Store, log *vzlog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		baselines: baselines,
		current:   current,
		hotspots:  hs,
		state:     comparisonstate.New(),
		log:       log,
		buildID:   "local-" + uuid.NewString(),
	}
}

// LoadBaseline / HandleLocalBaselines bootstrap from the on-disk
// metadata.json; baselinestore.Open already loads it eagerly, so this
// is a confirming, logged no-op that gives callers an explicit
// bootstrap step to call, matching spec §4.G's named entry point.
func (s *Service) LoadBaseline() error {
	n := len(s.baselines.All())
	s.log.Info("loaded %d baseline entries", n)
	return nil
}

// HandleLocalBaselines is an alias kept for symmetry with the spec's
// named entry point; local-first runs have nothing else to reconcile.
func (s *Service) HandleLocalBaselines() error {
	return s.LoadBaseline()
}

// CompareScreenshot runs the full ingest algorithm of spec §4.G.
func (s *Service) CompareScreenshot(name string, pngBytes []byte, rawProps map[string]interface{}, thresholdOverride *float64) (comparisonstate.Record, error) {
	sanitized, err := pathsafe.SanitizeName(name)
	if err != nil {
		return comparisonstate.Record{}, fmt.Errorf("%w: %v", ErrNameInvalid, err)
	}

	props, perr := fingerprint.BuildProperties(rawProps)
	if perr != nil {
		s.log.Warn("invalid properties for %s: %v; continuing with empty properties", sanitized, perr)
		props = fingerprint.Properties{}
	}

	order := s.baselines.SignatureOrder()
	sig, err := fingerprint.Signature(sanitized, props, order)
	if err != nil {
		return comparisonstate.Record{}, err
	}
	id := fingerprint.ComparisonID(sig)
	filename := fingerprint.BaselineFilename(sanitized, sig)
	propStrings := fingerprint.Stringify(props)

	if err := s.current.SaveCurrent(filename, pngBytes); err != nil {
		return comparisonstate.Record{}, fmt.Errorf("tddservice: writing current: %w", err)
	}

	if !s.baselines.Exists(sig) {
		return s.createNewBaseline(sig, id, sanitized, filename, propStrings, pngBytes)
	}

	threshold := s.cfg.Threshold
	if thresholdOverride != nil {
		threshold = *thresholdOverride
	}

	baselineBytes, _, err := s.baselines.ReadBaseline(sig)
	if err != nil {
		rec := comparisonstate.Record{ID: id, Signature: sig, Name: sanitized, Properties: propStrings,
			Status: comparisonstate.StatusError, Error: err.Error(), CurrentPath: filename}
		s.state.Upsert(rec)
		return rec, nil
	}

	result, cerr := imagecompare.Compare(baselineBytes, pngBytes, imagecompare.Options{
		Threshold:      threshold,
		MinClusterSize: s.cfg.MinClusterSize,
		ColorTolerance: s.cfg.ColorTolerance,
	})
	if cerr != nil {
		if imagecompare.IsDimensionMismatchError(cerr) {
			rec := comparisonstate.Record{ID: id, Signature: sig, Name: sanitized, Properties: propStrings,
				Status: comparisonstate.StatusFailed, Reason: "dimension-mismatch",
				BaselinePath: filename, CurrentPath: filename}
			s.state.Upsert(rec)
			return rec, nil
		}
		rec := comparisonstate.Record{ID: id, Signature: sig, Name: sanitized, Properties: propStrings,
			Status: comparisonstate.StatusError, Error: cerr.Error(), CurrentPath: filename}
		s.state.Upsert(rec)
		return rec, nil
	}

	rec := comparisonstate.Record{
		ID: id, Signature: sig, Name: sanitized, Properties: propStrings,
		BaselinePath: filename, CurrentPath: filename,
		DiffPercentage: result.DiffPercentage, DiffPixels: result.DiffPixels, Clusters: result.Clusters,
	}
	if result.IsDifferent {
		rec.Status = comparisonstate.StatusFailed
		if err := s.current.SaveDiff(filename, result.DiffImage); err != nil {
			s.log.Error("failed to write diff image for %s: %v", sanitized, err)
		} else {
			rec.DiffPath = filename
		}
	} else {
		rec.Status = comparisonstate.StatusPassed
	}
	s.state.Upsert(rec)
	return rec, nil
}

func (s *Service) createNewBaseline(sig, id, name, filename string, props map[string]string, data []byte) (comparisonstate.Record, error) {
	if _, err := s.baselines.SaveBaseline(sig, name, filename, s.buildID, props, data); err != nil {
		return comparisonstate.Record{}, fmt.Errorf("tddservice: saving new baseline: %w", err)
	}
	rec := comparisonstate.Record{
		ID: id, Signature: sig, Name: name, Properties: props,
		Status: comparisonstate.StatusNew, BaselinePath: filename, CurrentPath: filename,
	}
	s.state.Upsert(rec)
	return rec, nil
}

// AcceptBaseline promotes the current PNG for id to be its next
// baseline (spec §4.G AcceptBaseline).
func (s *Service) AcceptBaseline(id string) (comparisonstate.Record, error) {
	rec, ok := s.state.Get(id)
	if !ok {
		return comparisonstate.Record{}, ErrUnknownComparison
	}
	if !s.current.CurrentExists(rec.CurrentPath) {
		return comparisonstate.Record{}, ErrNoCurrent
	}
	data, err := s.current.ReadCurrent(rec.CurrentPath)
	if err != nil {
		return comparisonstate.Record{}, fmt.Errorf("tddservice: reading current for accept: %w", err)
	}
	if _, err := s.baselines.SaveBaseline(rec.Signature, rec.Name, rec.CurrentPath, s.buildID, rec.Properties, data); err != nil {
		return comparisonstate.Record{}, fmt.Errorf("tddservice: accepting baseline: %w", err)
	}
	rec.Status = comparisonstate.StatusAccepted
	rec.BaselinePath = rec.CurrentPath
	rec.Error = ``
	rec.Reason = ``
	s.state.Upsert(rec)
	return rec, nil
}

// UpdateBaselines accepts every currently-failing comparison at once
// (spec §4.G).
func (s *Service) UpdateBaselines() (int, error) {
	count := 0
	for _, r := range s.state.GetFailed() {
		if _, err := s.AcceptBaseline(r.ID); err != nil {
			s.log.Error("failed to accept %s during updateBaselines: %v", r.ID, err)
			continue
		}
		count++
	}
	return count, nil
}

// GetResults returns the current, uncached results summary.
func (s *Service) GetResults() comparisonstate.Summary {
	return s.state.GetResults()
}

// PrintResults logs a one-line results summary, matching the teacher's
// debugout-style terse status lines.
func (s *Service) PrintResults() {
	sum := s.state.GetResults()
	s.log.Info("results: total=%d passed=%d failed=%d new=%d errors=%d",
		sum.Total, sum.Passed, sum.Failed, sum.New, sum.Errors)
}

// BuildID returns the local build identifier this process tags new
// baselines with.
func (s *Service) BuildID() string {
	return s.buildID
}

// Hotspots exposes the advisory hotspot store for read-side consumers
// (e.g. the out-of-scope reviewer UI); comparison logic never consults
// it (spec §3, §4.K).
func (s *Service) Hotspots() *hotspots.Store {
	return s.hotspots
}

// Baselines exposes the baseline store to read-side collaborators.
func (s *Service) Baselines() *baselinestore.Store {
	return s.baselines
}

// Sync pulls the remote build named by cfg (Project/Branch/BuildID/
// Environment) into the local baseline store over the cloud API at
// cfg.APIBaseURL, authorized with cfg.Token (spec §4.I, §6). Callers
// should only invoke this when cfg.Token is set.
func (s *Service) Sync(ctx context.Context) (*baselinesync.Result, error) {
	api := baselinesync.NewHTTPAPI(s.cfg.APIBaseURL, s.cfg.Token)
	syncer := baselinesync.New(api, s.baselines, s.hotspots, s.log)
	return syncer.DownloadBaselines(ctx, s.cfg.Project, s.cfg.Branch, s.cfg.BuildID, s.cfg.Environment)
}
