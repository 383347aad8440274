package faceembed

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/Tutortoise/face-embedding-service/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeAnalyzer struct {
	detections []models.Detection
	detectErr  error
	embedErr   error
	panicOn    string

	embedded []models.Detection
}

func (f *fakeAnalyzer) Detect(_ context.Context, img image.Image, _ *models.ProcessingTimings) ([]models.Detection, error) {
	if f.panicOn == "detect" {
		panic("detector exploded")
	}
	return f.detections, f.detectErr
}

func (f *fakeAnalyzer) Embed(_ context.Context, _ image.Image, det models.Detection, _ *models.ProcessingTimings) ([]float32, error) {
	f.embedded = append(f.embedded, det)
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return []float32{det.Confidence, 0.25, -0.5}, nil
}

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestHandle_FirstFace(t *testing.T) {
	analyzer := &fakeAnalyzer{detections: []models.Detection{
		{BBox: [4]float32{10.9, 20.2, 110.5, 140.99}, Confidence: 0.75},
		{BBox: [4]float32{200, 200, 260, 280}, Confidence: 0.92},
	}}
	svc := NewService(analyzer, zap.NewNop())

	timings := &models.ProcessingTimings{RequestID: "req-1"}
	res, err := svc.Handle(context.Background(), encodeJPEG(t, 320, 240), timings)
	require.NoError(t, err)

	assert.True(t, res.Verified)
	assert.Equal(t, [4]int{10, 20, 110, 140}, res.BBox)
	assert.InDelta(t, 0.75, res.Score, 1e-6)
	assert.Equal(t, 2, res.FaceCount)
	assert.Equal(t, []float64{0.75, 0.25, -0.5}, res.Embedding)

	// only the first face in model order is embedded
	require.Len(t, analyzer.embedded, 1)
	assert.Equal(t, float32(0.75), analyzer.embedded[0].Confidence)
	assert.Positive(t, timings.Total)
}

func TestHandle_InvalidImage(t *testing.T) {
	svc := NewService(&fakeAnalyzer{}, nil)

	for name, data := range map[string][]byte{
		"empty":   nil,
		"text":    []byte("definitely not an image"),
		"trimmed": encodeJPEG(t, 32, 32)[:20],
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Handle(context.Background(), data, nil)
			assert.ErrorIs(t, err, ErrInvalidImage)
			assert.True(t, IsClientError(err))
		})
	}
}

func TestHandle_NoFace(t *testing.T) {
	analyzer := &fakeAnalyzer{}
	svc := NewService(analyzer, nil)

	_, err := svc.Handle(context.Background(), encodeJPEG(t, 64, 64), nil)
	assert.ErrorIs(t, err, ErrNoFaceDetected)
	assert.Empty(t, analyzer.embedded)
}

func TestHandle_AnalyzerFailures(t *testing.T) {
	cause := errors.New("session run failed")

	tests := []struct {
		name     string
		analyzer *fakeAnalyzer
	}{
		{"detect", &fakeAnalyzer{detectErr: cause}},
		{"embed", &fakeAnalyzer{
			detections: []models.Detection{{Confidence: 0.9}},
			embedErr:   cause,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewService(tt.analyzer, nil).Handle(context.Background(), encodeJPEG(t, 64, 64), nil)

			var internal *InternalError
			require.ErrorAs(t, err, &internal)
			assert.ErrorIs(t, err, cause)
			assert.False(t, IsClientError(err))
			assert.Contains(t, err.Error(), "session run failed")
		})
	}
}

func TestHandle_PanicBecomesInternalError(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	svc := NewService(&fakeAnalyzer{panicOn: "detect"}, zap.New(core))

	res, err := svc.Handle(context.Background(), encodeJPEG(t, 64, 64), &models.ProcessingTimings{RequestID: "abc"})
	assert.Nil(t, res)

	var internal *InternalError
	require.ErrorAs(t, err, &internal)
	assert.Contains(t, err.Error(), "detector exploded")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "panic during face analysis", entry.Message)
	assert.Equal(t, "abc", entry.ContextMap()["request_id"])
}

func TestDecodeImage_DropsAlpha(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 3))
	img.SetNRGBA(1, 1, color.NRGBA{R: 10, G: 20, B: 30, A: 128})

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	out, err := DecodeImage(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 3), out.Bounds())

	c := out.NRGBAAt(1, 1)
	assert.Equal(t, uint8(10), c.R)
	assert.Equal(t, uint8(255), c.A)
	assert.Equal(t, uint8(255), out.NRGBAAt(0, 0).A)
}

func TestDecodeImage_CorruptData(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"truncated tiff", []byte("II*\x00\x08\x00\x00\x00\xff\xff")},
		{"truncated png", encodePNG(t, 8, 8)[:40]},
		{"webp header only", []byte("RIFF\x10\x00\x00\x00WEBPVP8 ")},
		{"garbage", []byte("not an image at all")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				_, err := DecodeImage(tt.data)
				assert.ErrorIs(t, err, ErrInvalidImage)
			})
		})
	}
}

func TestDecodeImage_TooManyPixels(t *testing.T) {
	old := maxImagePixels
	maxImagePixels = 100
	t.Cleanup(func() { maxImagePixels = old })

	_, err := DecodeImage(encodePNG(t, 20, 20))
	assert.ErrorIs(t, err, ErrInvalidImage)

	out, err := DecodeImage(encodePNG(t, 10, 10))
	require.NoError(t, err)
	assert.Equal(t, 10, out.Bounds().Dx())
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}
