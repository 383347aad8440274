// Package faceanalysis loads a detector and a recognizer from a model pack
// and serves them through pooled ONNX Runtime sessions.
package faceanalysis

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"sort"
	"time"

	"github.com/Tutortoise/face-embedding-service/detections"
	"github.com/Tutortoise/face-embedding-service/inference"
	"github.com/Tutortoise/face-embedding-service/models"
	"github.com/Tutortoise/face-embedding-service/recognition"

	"go.uber.org/zap"
)

const DefaultModelName = "buffalo_l"

type modelPack struct {
	detector   string
	recognizer string
}

var modelPacks = map[string]modelPack{
	"buffalo_l":  {detector: "det_10g.onnx", recognizer: "w600k_r50.onnx"},
	"buffalo_m":  {detector: "det_2.5g.onnx", recognizer: "w600k_r50.onnx"},
	"buffalo_s":  {detector: "det_500m.onnx", recognizer: "w600k_mbf.onnx"},
	"antelopev2": {detector: "scrfd_10g_bnkps.onnx", recognizer: "glintr100.onnx"},
}

// KnownModels lists the model packs whose file names are built in.
func KnownModels() []string {
	names := make([]string, 0, len(modelPacks))
	for name := range modelPacks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type Config struct {
	// ModelRoot holds one directory per model pack.
	ModelRoot string
	Name      string
	// DetectorFile and RecognizerFile override the pack's file names.
	DetectorFile   string
	RecognizerFile string

	DetSize   int
	DetThresh float32
	NMSThresh float32

	Session        inference.SessionConfig
	PoolSize       int
	AcquireTimeout time.Duration
}

// ModelFiles returns absolute paths of the detector and recognizer for cfg.
func ModelFiles(cfg Config) (string, string, error) {
	name := cfg.Name
	if name == "" {
		name = DefaultModelName
	}

	pack, known := modelPacks[name]
	if cfg.DetectorFile != "" {
		pack.detector = cfg.DetectorFile
	}
	if cfg.RecognizerFile != "" {
		pack.recognizer = cfg.RecognizerFile
	}
	if !known && (pack.detector == "" || pack.recognizer == "") {
		return "", "", fmt.Errorf("unknown model pack %q: set detector and recognizer files", name)
	}

	dir := filepath.Join(cfg.ModelRoot, name)
	det, err := inference.ModelFile(dir, pack.detector)
	if err != nil {
		return "", "", err
	}
	rec, err := inference.ModelFile(dir, pack.recognizer)
	if err != nil {
		return "", "", err
	}
	return det, rec, nil
}

type faceDetector interface {
	Detect(img image.Image, model *detections.ModelSession, timings *models.ProcessingTimings) ([]models.Detection, error)
}

type faceRecognizer interface {
	Embed(img image.Image, det models.Detection, model *recognition.ModelSession, timings *models.ProcessingTimings) ([]float32, error)
	EmbeddingSize() int
}

// Analysis is safe for concurrent use. Each call holds one pooled session
// for the duration of a single model run.
type Analysis struct {
	name       string
	logger     *zap.Logger
	detector   faceDetector
	recognizer faceRecognizer
	detPool    *inference.Pool[*detections.ModelSession]
	recPool    *inference.Pool[*recognition.ModelSession]
}

// New loads the model pack. The ONNX Runtime environment must already be
// initialized.
func New(cfg Config, logger *zap.Logger) (*Analysis, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = DefaultModelName
	}

	detPath, recPath, err := ModelFiles(cfg)
	if err != nil {
		return nil, err
	}

	detector, err := detections.NewDetector(detections.Config{
		ModelPath:      detPath,
		InputSize:      cfg.DetSize,
		ScoreThreshold: cfg.DetThresh,
		NMSThreshold:   cfg.NMSThresh,
	})
	if err != nil {
		return nil, fmt.Errorf("load detector: %w", err)
	}

	recognizer, err := recognition.NewRecognizer(recognition.Config{ModelPath: recPath})
	if err != nil {
		return nil, fmt.Errorf("load recognizer: %w", err)
	}

	a := &Analysis{
		name:       cfg.Name,
		logger:     logger,
		detector:   detector,
		recognizer: recognizer,
	}

	opts := []inference.PoolOption{inference.WithAcquireTimeout(cfg.AcquireTimeout)}

	a.detPool, err = inference.NewPool("detector", cfg.PoolSize, func() (*detections.ModelSession, error) {
		options, err := inference.NewSessionOptions(cfg.Session, logger)
		if err != nil {
			return nil, err
		}
		defer options.Destroy()
		return detector.NewSession(options)
	}, opts...)
	if err != nil {
		return nil, err
	}

	a.recPool, err = inference.NewPool("recognizer", cfg.PoolSize, func() (*recognition.ModelSession, error) {
		options, err := inference.NewSessionOptions(cfg.Session, logger)
		if err != nil {
			return nil, err
		}
		defer options.Destroy()
		return recognizer.NewSession(options)
	}, opts...)
	if err != nil {
		a.detPool.Destroy()
		return nil, err
	}

	logger.Info("model pack loaded",
		zap.String("model", cfg.Name),
		zap.String("detector", detPath),
		zap.String("recognizer", recPath),
		zap.Int("det_size", detector.InputSize()),
		zap.Int("embedding_size", recognizer.EmbeddingSize()),
		zap.Int("pool_size", a.detPool.Size()),
		zap.Bool("cuda", cfg.Session.UseCUDA()),
	)

	return a, nil
}

func (a *Analysis) ModelName() string { return a.name }

func (a *Analysis) EmbeddingSize() int { return a.recognizer.EmbeddingSize() }

func (a *Analysis) Detect(ctx context.Context, img image.Image, timings *models.ProcessingTimings) (dets []models.Detection, err error) {
	session, err := a.detPool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire detector session: %w", err)
	}
	defer putBack(a.detPool, session, a.logger, &err)

	return a.detector.Detect(img, session, timings)
}

func (a *Analysis) Embed(ctx context.Context, img image.Image, det models.Detection, timings *models.ProcessingTimings) (embedding []float32, err error) {
	session, err := a.recPool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire recognizer session: %w", err)
	}
	defer putBack(a.recPool, session, a.logger, &err)

	return a.recognizer.Embed(img, det, session, timings)
}

// putBack must be deferred directly. Sessions whose run failed or panicked
// are discarded; input errors such as unalignable landmarks leave the
// session usable.
func putBack[T inference.Session](pool *inference.Pool[T], session T, logger *zap.Logger, errp *error) {
	if r := recover(); r != nil {
		logger.Error("discarding session after panic", zap.String("pool", pool.Name()), zap.Any("panic", r))
		pool.Discard(session, fmt.Errorf("panic: %v", r))
		panic(r)
	}

	if err := *errp; errors.Is(err, inference.ErrRun) {
		logger.Warn("discarding session", zap.String("pool", pool.Name()), zap.Error(err))
		pool.Discard(session, err)
		return
	}
	pool.Release(session)
}

func (a *Analysis) PoolStats() []inference.PoolMetrics {
	return []inference.PoolMetrics{a.detPool.GetMetrics(), a.recPool.GetMetrics()}
}

// Close destroys both pools. The ONNX Runtime environment is left alone.
func (a *Analysis) Close() {
	a.detPool.Destroy()
	a.recPool.Destroy()
}
