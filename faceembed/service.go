// Package faceembed turns an uploaded image into the embedding of the
// first face found in it.
package faceembed

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/Tutortoise/face-embedding-service/models"

	"go.uber.org/zap"
)

// Analyzer detects faces and computes embeddings. Detections are returned
// in the model's own order.
type Analyzer interface {
	Detect(ctx context.Context, img image.Image, timings *models.ProcessingTimings) ([]models.Detection, error)
	Embed(ctx context.Context, img image.Image, det models.Detection, timings *models.ProcessingTimings) ([]float32, error)
}

type Result struct {
	Verified  bool      `json:"verified"`
	Embedding []float64 `json:"embedding"`
	BBox      [4]int    `json:"bbox"`
	Score     float64   `json:"score"`
	FaceCount int       `json:"face_count"`
}

type Service struct {
	analyzer Analyzer
	logger   *zap.Logger
}

func NewService(analyzer Analyzer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		analyzer: analyzer,
		logger:   logger,
	}
}

// Handle returns ErrInvalidImage or ErrNoFaceDetected for bad input and an
// *InternalError for everything else.
func (s *Service) Handle(ctx context.Context, data []byte, timings *models.ProcessingTimings) (res *Result, err error) {
	if timings == nil {
		timings = &models.ProcessingTimings{}
	}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic during face analysis",
				zap.String("request_id", timings.RequestID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			res = nil
			err = &InternalError{Message: "face analysis panicked", Cause: fmt.Errorf("%v", r)}
		}
		timings.Total = time.Since(start)
	}()

	decodeStart := time.Now()
	img, err := DecodeImage(data)
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		return nil, err
	}

	faces, err := s.analyzer.Detect(ctx, img, timings)
	if err != nil {
		return nil, &InternalError{Message: "face detection failed", Cause: err}
	}
	if len(faces) == 0 {
		return nil, ErrNoFaceDetected
	}

	face := faces[0]
	embedding, err := s.analyzer.Embed(ctx, img, face, timings)
	if err != nil {
		return nil, &InternalError{Message: "embedding failed", Cause: err}
	}
	if len(embedding) == 0 {
		return nil, &InternalError{Message: "embedding failed", Cause: errors.New("empty embedding")}
	}

	return newResult(models.Face{Detection: face, Embedding: embedding}, len(faces)), nil
}

func newResult(face models.Face, faceCount int) *Result {
	res := &Result{
		Verified:  true,
		Embedding: make([]float64, len(face.Embedding)),
		Score:     float64(face.Confidence),
		FaceCount: faceCount,
	}
	for i, v := range face.Embedding {
		res.Embedding[i] = float64(v)
	}
	for i, v := range face.BBox {
		res.BBox[i] = int(v)
	}
	return res
}
