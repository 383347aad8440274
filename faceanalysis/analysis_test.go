package faceanalysis

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Tutortoise/face-embedding-service/detections"
	"github.com/Tutortoise/face-embedding-service/inference"
	"github.com/Tutortoise/face-embedding-service/models"
	"github.com/Tutortoise/face-embedding-service/recognition"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeModels(t *testing.T, root, pack string, files ...string) {
	t.Helper()
	dir := filepath.Join(root, pack)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, f := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte("onnx"), 0o644))
	}
}

func TestModelFiles_DefaultPack(t *testing.T) {
	root := t.TempDir()
	writeModels(t, root, "buffalo_l", "det_10g.onnx", "w600k_r50.onnx")

	det, rec, err := ModelFiles(Config{ModelRoot: root})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "buffalo_l", "det_10g.onnx"), det)
	assert.Equal(t, filepath.Join(root, "buffalo_l", "w600k_r50.onnx"), rec)
}

func TestModelFiles_Overrides(t *testing.T) {
	root := t.TempDir()
	writeModels(t, root, "custom", "scrfd.onnx", "arcface.onnx")

	_, _, err := ModelFiles(Config{ModelRoot: root, Name: "custom"})
	assert.Error(t, err)

	det, rec, err := ModelFiles(Config{
		ModelRoot:      root,
		Name:           "custom",
		DetectorFile:   "scrfd.onnx",
		RecognizerFile: "arcface.onnx",
	})
	require.NoError(t, err)
	assert.Equal(t, "scrfd.onnx", filepath.Base(det))
	assert.Equal(t, "arcface.onnx", filepath.Base(rec))
}

func TestModelFiles_Missing(t *testing.T) {
	root := t.TempDir()
	writeModels(t, root, "buffalo_s", "det_500m.onnx")

	_, _, err := ModelFiles(Config{ModelRoot: root, Name: "buffalo_s"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "w600k_mbf.onnx")
}

func TestKnownModels(t *testing.T) {
	assert.Equal(t, []string{"antelopev2", "buffalo_l", "buffalo_m", "buffalo_s"}, KnownModels())
}

type fakeDetector struct {
	detect func() ([]models.Detection, error)
}

func (f *fakeDetector) Detect(image.Image, *detections.ModelSession, *models.ProcessingTimings) ([]models.Detection, error) {
	return f.detect()
}

type fakeRecognizer struct {
	embed func() ([]float32, error)
}

func (f *fakeRecognizer) Embed(image.Image, models.Detection, *recognition.ModelSession, *models.ProcessingTimings) ([]float32, error) {
	return f.embed()
}

func (f *fakeRecognizer) EmbeddingSize() int { return 2 }

func newTestAnalysis(t *testing.T, det faceDetector, rec faceRecognizer) *Analysis {
	t.Helper()
	opts := []inference.PoolOption{
		inference.WithAcquireTimeout(50 * time.Millisecond),
		inference.WithHealthCheckPeriod(10 * time.Millisecond),
	}

	detPool, err := inference.NewPool("detector", 1, func() (*detections.ModelSession, error) {
		return &detections.ModelSession{}, nil
	}, opts...)
	require.NoError(t, err)

	recPool, err := inference.NewPool("recognizer", 1, func() (*recognition.ModelSession, error) {
		return &recognition.ModelSession{}, nil
	}, opts...)
	require.NoError(t, err)

	a := &Analysis{
		name:       "test",
		logger:     zap.NewNop(),
		detector:   det,
		recognizer: rec,
		detPool:    detPool,
		recPool:    recPool,
	}
	t.Cleanup(a.Close)
	return a
}

func TestAnalysis_DetectReleasesSession(t *testing.T) {
	det := &fakeDetector{detect: func() ([]models.Detection, error) {
		return []models.Detection{{Confidence: 0.9}}, nil
	}}
	a := newTestAnalysis(t, det, &fakeRecognizer{})

	for i := 0; i < 3; i++ {
		dets, err := a.Detect(context.Background(), image.NewNRGBA(image.Rect(0, 0, 4, 4)), nil)
		require.NoError(t, err)
		assert.Len(t, dets, 1)
	}

	m := a.PoolStats()[0]
	assert.Equal(t, int64(3), m.TotalReleased)
	assert.Equal(t, int64(0), m.TotalDiscarded)
	assert.Equal(t, 1, m.Available)
}

func TestAnalysis_PanicDiscardsAndReplenishes(t *testing.T) {
	var panicking atomic.Bool
	panicking.Store(true)
	det := &fakeDetector{detect: func() ([]models.Detection, error) {
		if panicking.Load() {
			panic("index out of range [3] with length 3")
		}
		return nil, nil
	}}
	a := newTestAnalysis(t, det, &fakeRecognizer{})
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))

	assert.Panics(t, func() {
		a.Detect(context.Background(), img, nil)
	})

	m := a.PoolStats()[0]
	assert.Equal(t, 0, m.InUse)
	assert.Equal(t, int64(1), m.TotalDiscarded)

	assert.Eventually(t, func() bool {
		return a.PoolStats()[0].Available == 1
	}, time.Second, 5*time.Millisecond)

	panicking.Store(false)
	_, err := a.Detect(context.Background(), img, nil)
	assert.NoError(t, err)
}

func TestAnalysis_RunErrorDiscardsSession(t *testing.T) {
	rec := &fakeRecognizer{embed: func() ([]float32, error) {
		return nil, fmt.Errorf("%w: cuda error", inference.ErrRun)
	}}
	a := newTestAnalysis(t, &fakeDetector{}, rec)

	_, err := a.Embed(context.Background(), image.NewNRGBA(image.Rect(0, 0, 4, 4)), models.Detection{}, nil)
	require.ErrorIs(t, err, inference.ErrRun)

	m := a.PoolStats()[1]
	assert.Equal(t, int64(1), m.TotalDiscarded)
	assert.Equal(t, int64(0), m.TotalReleased)
	assert.Len(t, a.recPool.LastErrors(), 1)
}

func TestAnalysis_InputErrorKeepsSession(t *testing.T) {
	rec := &fakeRecognizer{embed: func() ([]float32, error) {
		return nil, errors.New("align face: landmarks are degenerate")
	}}
	a := newTestAnalysis(t, &fakeDetector{}, rec)

	_, err := a.Embed(context.Background(), image.NewNRGBA(image.Rect(0, 0, 4, 4)), models.Detection{}, nil)
	require.Error(t, err)

	m := a.PoolStats()[1]
	assert.Equal(t, int64(0), m.TotalDiscarded)
	assert.Equal(t, int64(1), m.TotalReleased)
	assert.Equal(t, 1, m.Available)
}
