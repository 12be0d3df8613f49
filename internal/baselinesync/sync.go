// Package baselinesync idempotently pulls a remote build's baselines and
// hotspot metadata into the local baseline store, skipping content
// already present by SHA-256 (spec §4.I). The actual cloud API that
// serves builds is an external collaborator (spec §1 Explicitly out of
// scope); this package only describes the interface the core consumes
// from it, following the teacher's own client/client.go split between
// transport plumbing and a thin API surface.
package baselinesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/dchest/safefile"
	"golang.org/x/sync/errgroup"

	"github.com/vizzly-testing/engine/internal/baselinestore"
	"github.com/vizzly-testing/engine/internal/hotspots"
	"github.com/vizzly-testing/engine/internal/vzlog"
)

const (
	defaultRequestTimeout = 30 * time.Second
	downloadBatchSize     = 5
	statusCompleted       = `completed`

	baselineMetadataFile     = `baseline-metadata.json`
	baselineMetadataFilePerm = 0o640
)

var (
	ErrBuildNotCompleted  = errors.New("baselinesync: build is not in completed status")
	ErrAllDownloadsFailed = errors.New("baselinesync: every screenshot download failed")
)

// RemoteScreenshot is one entry in a build's screenshot manifest.
type RemoteScreenshot struct {
	Filename    string `json:"filename"`
	OriginalURL string `json:"original_url"`
	SHA256      string `json:"sha256"`
}

// RemoteHotspot mirrors hotspots.Entry over the wire.
type RemoteHotspot struct {
	Regions    []hotspots.Region `json:"regions"`
	Confidence string            `json:"confidence"`
}

// Build is the remote build descriptor consumed by the sync algorithm.
type Build struct {
	ID                  string                   `json:"id"`
	Name                string                   `json:"name"`
	CommitSHA           string                   `json:"commit_sha"`
	Status              string                   `json:"status"`
	SignatureProperties []string                 `json:"signature_properties"`
	Screenshots         []RemoteScreenshot       `json:"screenshots"`
	Hotspots            map[string]RemoteHotspot `json:"hotspots,omitempty"`
	HotspotSummary      string                   `json:"hotspot_summary,omitempty"`
}

// API is the minimal surface the core needs from the cloud build
// service: resolving a build and fetching one screenshot's bytes.
type API interface {
	ResolveBuild(ctx context.Context, project, branch, buildID, environment string) (Build, error)
	FetchScreenshot(ctx context.Context, originalURL string) ([]byte, error)
}

// HTTPAPI is the default, net/http-based implementation, grounded on
// the teacher's client.Client: a single http.Client with a bounded
// per-request timeout and a bearer token header.
type HTTPAPI struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// NewHTTPAPI builds an HTTPAPI with the teacher's default request
// timeout.
func NewHTTPAPI(baseURL, token string) *HTTPAPI {
	return &HTTPAPI{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: defaultRequestTimeout},
	}
}

func (a *HTTPAPI) authorize(req *http.Request) {
	if a.Token != `` {
		req.Header.Set(`Authorization`, `Bearer `+a.Token)
	}
}

// ResolveBuild resolves the most recent completed build on branch, or
// the exact buildID when one is supplied.
func (a *HTTPAPI) ResolveBuild(ctx context.Context, project, branch, buildID, environment string) (Build, error) {
	var url string
	if buildID != `` {
		url = fmt.Sprintf("%s/api/projects/%s/builds/%s", a.BaseURL, project, buildID)
	} else {
		if branch == `` {
			branch = `main`
		}
		url = fmt.Sprintf("%s/api/projects/%s/builds/latest?branch=%s&environment=%s", a.BaseURL, project, branch, environment)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Build{}, err
	}
	a.authorize(req)
	resp, err := a.HTTP.Do(req)
	if err != nil {
		return Build{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Build{}, fmt.Errorf("baselinesync: build lookup returned %d", resp.StatusCode)
	}
	var b Build
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		return Build{}, err
	}
	return b, nil
}

// FetchScreenshot fetches one PNG by its original_url.
func (a *HTTPAPI) FetchScreenshot(ctx context.Context, originalURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, originalURL, nil)
	if err != nil {
		return nil, err
	}
	a.authorize(req)
	resp, err := a.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("baselinesync: fetch returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// ScreenshotOutcome records what happened to one manifest entry.
type ScreenshotOutcome struct {
	Filename   string
	Skipped    bool
	Downloaded bool
	Err        error
}

// Result summarises one DownloadBaselines call.
type Result struct {
	BuildID     string
	Attempted   int
	Downloaded  int
	Skipped     int
	Failed      int
	Screenshots []ScreenshotOutcome
}

// Syncer pulls a remote build's baselines into a local Store.
type Syncer struct {
	api       API
	baselines *baselinestore.Store
	hotspots  *hotspots.Store
	log       *vzlog.Logger
}

func New(api API, baselines *baselinestore.Store, hs *hotspots.Store, log *vzlog.Logger) *Syncer {
	return &Syncer{api: api, baselines: baselines, hotspots: hs, log: log}
}

// DownloadBaselines runs the full algorithm of spec §4.I.
func (s *Syncer) DownloadBaselines(ctx context.Context, project, branch, buildID, environment string) (*Result, error) {
	build, err := s.api.ResolveBuild(ctx, project, branch, buildID, environment)
	if err != nil {
		return nil, fmt.Errorf("baselinesync: resolving build: %w", err)
	}
	if build.Status != statusCompleted {
		s.log.Warn("build %s is not completed (status=%s); leaving local baselines untouched", build.ID, build.Status)
		return nil, ErrBuildNotCompleted
	}

	if err := s.baselines.SetSignatureOrder(build.SignatureProperties); err != nil {
		return nil, fmt.Errorf("baselinesync: recording signature order: %w", err)
	}
	if err := s.baselines.SetBuildDescriptor(baselinestore.BuildDescriptor{BuildID: build.ID, Name: build.Name}); err != nil {
		return nil, fmt.Errorf("baselinesync: recording build descriptor: %w", err)
	}

	// Every screenshot the remote manifest lists is reused in place (no
	// PNG write) when its on-disk SHA256 already matches, or refetched
	// otherwise; nothing is deleted until every one has been resolved,
	// so the skip check below is never racing against a Clear() that
	// already emptied the store (spec §8 invariant 6).
	outcomes := s.downloadAll(ctx, build)

	keep := make(map[string]bool, len(build.Screenshots))
	for _, sc := range build.Screenshots {
		if sc.Filename != `` {
			keep[sc.Filename] = true
		}
	}
	if err := s.baselines.PruneTo(keep); err != nil {
		return nil, fmt.Errorf("baselinesync: pruning stale baselines: %w", err)
	}

	res := &Result{BuildID: build.ID, Attempted: len(outcomes), Screenshots: outcomes}
	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			res.Failed++
		case o.Skipped:
			res.Skipped++
		case o.Downloaded:
			res.Downloaded++
		}
	}

	if len(build.Hotspots) > 0 {
		hs := make(map[string]hotspots.Entry, len(build.Hotspots))
		for name, rh := range build.Hotspots {
			hs[name] = hotspots.Entry{Regions: rh.Regions, Confidence: rh.Confidence}
		}
		if err := s.hotspots.SaveHotspotMetadata(hs, build.HotspotSummary); err != nil {
			s.log.Error("failed to save synced hotspots: %v", err)
		}
	}

	if err := writeBaselineMetadata(s.baselines.Dir(), build); err != nil {
		s.log.Error("failed to write baseline-metadata.json: %v", err)
	}

	if res.Attempted > 0 && res.Downloaded == 0 && res.Skipped == 0 {
		return nil, ErrAllDownloadsFailed
	}
	return res, nil
}

// downloadAll fetches every screenshot's PNG in bounded batches of
// downloadBatchSize, matching spec §4.I step 5's bandwidth ceiling: the
// sync is deliberately not more parallel than this so CI durations stay
// reproducible against a shared service.
func (s *Syncer) downloadAll(ctx context.Context, build Build) []ScreenshotOutcome {
	outcomes := make([]ScreenshotOutcome, len(build.Screenshots))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(downloadBatchSize)

	for i, sc := range build.Screenshots {
		i, sc := i, sc
		g.Go(func() error {
			outcomes[i] = s.downloadOne(gctx, sc)
			return nil // individual failures never abort the batch
		})
	}
	_ = g.Wait()
	return outcomes
}

// sig is the remote manifest's join key: it has no name/properties
// split, so the filename itself doubles as the signature for synced
// entries.
func (s *Syncer) downloadOne(ctx context.Context, sc RemoteScreenshot) ScreenshotOutcome {
	if sc.Filename == `` || sc.OriginalURL == `` {
		s.log.Warn("skipping screenshot manifest entry missing filename/original_url")
		return ScreenshotOutcome{Filename: sc.Filename, Err: errors.New("missing filename or original_url")}
	}
	sig := sc.Filename

	if entry, ok := s.baselines.EntryByFilename(sc.Filename); ok && entry.SHA256 == sc.SHA256 && s.baselines.FileExists(sc.Filename) {
		if _, err := s.baselines.RegisterExisting(sig, sc.Filename, sc.Filename, entry.BuildID, entry.SHA256, entry.Properties); err != nil {
			s.log.Warn("failed to re-register unchanged %s: %v", sc.Filename, err)
			return ScreenshotOutcome{Filename: sc.Filename, Err: err}
		}
		return ScreenshotOutcome{Filename: sc.Filename, Skipped: true}
	}

	data, err := s.api.FetchScreenshot(ctx, sc.OriginalURL)
	if err != nil {
		s.log.Warn("failed to download %s: %v", sc.Filename, err)
		return ScreenshotOutcome{Filename: sc.Filename, Err: err}
	}

	if _, err := s.baselines.SaveBaseline(sig, sc.Filename, sc.Filename, "", nil, data); err != nil {
		s.log.Warn("failed to save %s: %v", sc.Filename, err)
		return ScreenshotOutcome{Filename: sc.Filename, Err: err}
	}
	return ScreenshotOutcome{Filename: sc.Filename, Downloaded: true}
}

// BuildMetadata is the denormalised shape written to
// baseline-metadata.json for downstream tooling (spec §4.I step 7).
type BuildMetadata struct {
	BuildID   string `json:"buildId"`
	BuildName string `json:"buildName"`
	CommitSHA string `json:"commitSha"`
	Status    string `json:"status"`
}

func writeBaselineMetadata(dir string, build Build) error {
	meta := BuildMetadata{BuildID: build.ID, BuildName: build.Name, CommitSHA: build.CommitSHA, Status: build.Status}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, baselineMetadataFile)
	fout, err := safefile.Create(path, baselineMetadataFilePerm)
	if err != nil {
		return err
	}
	if _, err := fout.Write(b); err != nil {
		fout.File.Close()
		return err
	}
	if err := fout.Commit(); err != nil {
		fout.File.Close()
		return err
	}
	return nil
}
