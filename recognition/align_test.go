package recognition

import (
	"image"
	"image/color"
	"testing"

	"github.com/Tutortoise/face-embedding-service/inference"
	"github.com/Tutortoise/face-embedding-service/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func referenceLandmarks(scale, dx, dy float32) [5][2]float32 {
	var lm [5][2]float32
	for i, p := range arcfaceDst {
		lm[i] = [2]float32{float32(p[0])*scale + dx, float32(p[1])*scale + dy}
	}
	return lm
}

func TestEstimateNormIdentity(t *testing.T) {
	tr, err := EstimateNorm(referenceLandmarks(1, 0, 0), 112)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, tr.A, 1e-6)
	assert.InDelta(t, 0.0, tr.B, 1e-6)
	assert.InDelta(t, 0.0, tr.Tx, 1e-4)
	assert.InDelta(t, 0.0, tr.Ty, 1e-4)
}

func TestEstimateNormScaleAndShift(t *testing.T) {
	tr, err := EstimateNorm(referenceLandmarks(2, 100, 50), 112)
	require.NoError(t, err)

	assert.InDelta(t, 0.5, tr.A, 1e-6)
	assert.InDelta(t, 0.0, tr.B, 1e-6)

	for i, p := range referenceLandmarks(2, 100, 50) {
		x, y := tr.Apply(float64(p[0]), float64(p[1]))
		assert.InDelta(t, arcfaceDst[i][0], x, 1e-3)
		assert.InDelta(t, arcfaceDst[i][1], y, 1e-3)
	}
}

func TestEstimateNormRotation(t *testing.T) {
	// Reference points rotated 90 degrees about the origin: (x, y) -> (-y, x).
	var lm [5][2]float32
	for i, p := range arcfaceDst {
		lm[i] = [2]float32{float32(-p[1]), float32(p[0])}
	}

	tr, err := EstimateNorm(lm, 112)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, tr.A, 1e-6)
	assert.InDelta(t, -1.0, tr.B, 1e-6)
}

func TestEstimateNormRejects(t *testing.T) {
	_, err := EstimateNorm(referenceLandmarks(1, 0, 0), 100)
	assert.Error(t, err)

	var same [5][2]float32
	_, err = EstimateNorm(same, 112)
	assert.Error(t, err)
}

func TestAlignFace(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 224, 224))
	for y := 0; y < 224; y++ {
		for x := 0; x < 224; x++ {
			c := color.NRGBA{R: 200, G: 10, B: 10, A: 255}
			if x >= 112 {
				c = color.NRGBA{R: 10, G: 10, B: 200, A: 255}
			}
			src.SetNRGBA(x, y, c)
		}
	}

	crop, err := AlignFace(src, referenceLandmarks(2, 0, 0), 112)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 112, 112), crop.Bounds())

	left := crop.NRGBAAt(10, 56)
	right := crop.NRGBAAt(100, 56)
	assert.Equal(t, uint8(200), left.R)
	assert.Equal(t, uint8(200), right.B)
	assert.Equal(t, uint8(255), left.A)
}

func TestAlignFaceOutsideIsBlack(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 20, 20))
	for i := range src.Pix {
		src.Pix[i] = 255
	}

	// Landmarks far to the right put most of the crop past the source edge.
	crop, err := AlignFace(src, referenceLandmarks(1, 500, 500), 112)
	require.NoError(t, err)

	c := crop.NRGBAAt(56, 56)
	assert.Equal(t, color.NRGBA{A: 255}, c)
}

func TestEmbed_DegenerateLandmarksIsNotRunFailure(t *testing.T) {
	r := &Recognizer{inputSize: DefaultInputSize, embeddingSize: DefaultEmbeddingSize}
	det := models.Detection{Confidence: 0.9}

	_, err := r.Embed(image.NewNRGBA(image.Rect(0, 0, 64, 64)), det, &ModelSession{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "degenerate")
	assert.NotErrorIs(t, err, inference.ErrRun)
}
