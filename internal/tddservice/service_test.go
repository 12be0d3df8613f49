package tddservice

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vizzly-testing/engine/internal/baselinestore"
	"github.com/vizzly-testing/engine/internal/comparisonstate"
	"github.com/vizzly-testing/engine/internal/config"
	"github.com/vizzly-testing/engine/internal/currentstore"
	"github.com/vizzly-testing/engine/internal/hotspots"
	"github.com/vizzly-testing/engine/internal/vzlog"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	dir := t.TempDir()
	bs, err := baselinestore.Open(dir)
	require.NoError(t, err)
	cs, err := currentstore.Open(dir)
	require.NoError(t, err)
	hs := hotspots.Open(dir)
	cfg := config.Default()
	cfg.Threshold = 0
	cfg.ColorTolerance = 0
	return New(cfg, bs, cs, hs, vzlog.NewDiscard())
}

func solidPNG(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestFirstObservationIsNew(t *testing.T) {
	svc := newTestService(t)
	png := solidPNG(t, 10, 10, color.RGBA{1, 2, 3, 255})

	rec, err := svc.CompareScreenshot("homepage", png, nil, nil)
	require.NoError(t, err)
	require.Equal(t, comparisonstate.StatusNew, rec.Status)
	require.Equal(t, "homepage", rec.Name)
}

func TestPassingRerun(t *testing.T) {
	svc := newTestService(t)
	png := solidPNG(t, 10, 10, color.RGBA{1, 2, 3, 255})

	_, err := svc.CompareScreenshot("homepage", png, nil, nil)
	require.NoError(t, err)

	rec, err := svc.CompareScreenshot("homepage", png, nil, nil)
	require.NoError(t, err)
	require.Equal(t, comparisonstate.StatusPassed, rec.Status)
	require.Equal(t, float64(0), rec.DiffPercentage)
}

func TestFailingRunWritesDiff(t *testing.T) {
	svc := newTestService(t)
	a := solidPNG(t, 10, 10, color.RGBA{0, 0, 0, 255})
	b := solidPNG(t, 10, 10, color.RGBA{255, 255, 255, 255})

	_, err := svc.CompareScreenshot("homepage", a, nil, nil)
	require.NoError(t, err)

	rec, err := svc.CompareScreenshot("homepage", b, nil, nil)
	require.NoError(t, err)
	require.Equal(t, comparisonstate.StatusFailed, rec.Status)
	require.Greater(t, rec.DiffPercentage, float64(0))
	require.NotEmpty(t, rec.DiffPath)
}

func TestAcceptPromotesCurrentToBaseline(t *testing.T) {
	svc := newTestService(t)
	a := solidPNG(t, 10, 10, color.RGBA{0, 0, 0, 255})
	b := solidPNG(t, 10, 10, color.RGBA{255, 255, 255, 255})

	_, err := svc.CompareScreenshot("homepage", a, nil, nil)
	require.NoError(t, err)
	rec, err := svc.CompareScreenshot("homepage", b, nil, nil)
	require.NoError(t, err)
	require.Equal(t, comparisonstate.StatusFailed, rec.Status)

	accepted, err := svc.AcceptBaseline(rec.ID)
	require.NoError(t, err)
	require.Equal(t, comparisonstate.StatusAccepted, accepted.Status)

	rec2, err := svc.CompareScreenshot("homepage", b, nil, nil)
	require.NoError(t, err)
	require.Equal(t, comparisonstate.StatusPassed, rec2.Status)
}

func TestDimensionMismatchNeverMutatesBaseline(t *testing.T) {
	svc := newTestService(t)
	a := solidPNG(t, 10, 10, color.RGBA{0, 0, 0, 255})
	b := solidPNG(t, 5, 5, color.RGBA{0, 0, 0, 255})

	_, err := svc.CompareScreenshot("homepage", a, nil, nil)
	require.NoError(t, err)
	entryBefore, _ := svc.baselines.Get("homepage")

	rec, err := svc.CompareScreenshot("homepage", b, nil, nil)
	require.NoError(t, err)
	require.Equal(t, comparisonstate.StatusFailed, rec.Status)
	require.Equal(t, "dimension-mismatch", rec.Reason)

	entryAfter, _ := svc.baselines.Get("homepage")
	require.Equal(t, entryBefore.SHA256, entryAfter.SHA256)
}

func TestRepeatedFailingSubmissionsDoNotAccumulate(t *testing.T) {
	svc := newTestService(t)
	a := solidPNG(t, 10, 10, color.RGBA{0, 0, 0, 255})
	b := solidPNG(t, 10, 10, color.RGBA{255, 255, 255, 255})

	_, err := svc.CompareScreenshot("homepage", a, nil, nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := svc.CompareScreenshot("homepage", b, nil, nil)
		require.NoError(t, err)
	}

	sum := svc.GetResults()
	require.Equal(t, 1, sum.Total)
	require.Equal(t, 1, sum.Failed)
}

func TestInvalidNameIsCallerError(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.CompareScreenshot("has/slash", []byte("x"), nil, nil)
	require.ErrorIs(t, err, ErrNameInvalid)
}

func TestAcceptUnknownIDFails(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.AcceptBaseline("does-not-exist")
	require.ErrorIs(t, err, ErrUnknownComparison)
}

func TestThresholdOverridePerCall(t *testing.T) {
	svc := newTestService(t)
	a := solidPNG(t, 10, 10, color.RGBA{0, 0, 0, 255})
	var buf bytes.Buffer
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			img.SetRGBA(x, y, color.RGBA{0, 0, 0, 255})
		}
	}
	img.SetRGBA(0, 0, color.RGBA{255, 255, 255, 255})
	require.NoError(t, png.Encode(&buf, img))
	b := buf.Bytes()

	_, err := svc.CompareScreenshot("homepage", a, nil, nil)
	require.NoError(t, err)

	high := 100.0
	rec, err := svc.CompareScreenshot("homepage", b, nil, &high)
	require.NoError(t, err)
	require.Equal(t, comparisonstate.StatusPassed, rec.Status)
}

func TestSyncPullsRemoteBuildIntoLocalStore(t *testing.T) {
	png := solidPNG(t, 4, 4, color.RGBA{9, 9, 9, 255})

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/api/projects/demo/builds/latest", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok-abc", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "build-1",
			"name":   "Build 1",
			"status": "completed",
			"screenshots": []map[string]string{
				{"filename": "home-abc.png", "original_url": srv.URL + "/blobs/home-abc.png", "sha256": "irrelevant-for-first-pull"},
			},
		})
	})
	mux.HandleFunc("/blobs/home-abc.png", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(png)
	})

	svc := newTestService(t)
	svc.cfg.APIBaseURL = srv.URL
	svc.cfg.Token = "tok-abc"
	svc.cfg.Project = "demo"

	res, err := svc.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, "build-1", res.BuildID)
	require.Equal(t, 1, res.Downloaded)
	require.True(t, svc.baselines.Exists("home-abc.png"))
}
