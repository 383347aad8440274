package recognition

import (
	"errors"
	"image"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// arcfaceDst is where the five reference landmarks (eyes, nose tip, mouth
// corners) land in a 112x112 crop.
var arcfaceDst = [5][2]float64{
	{38.2946, 51.6963},
	{73.5318, 51.5014},
	{56.0252, 71.7366},
	{41.5493, 92.3655},
	{70.7299, 92.2041},
}

// Transform is a 2x3 similarity matrix mapping source points to crop
// points: x' = A*x - B*y + Tx, y' = B*x + A*y + Ty.
type Transform struct {
	A, B   float64
	Tx, Ty float64
}

func (t Transform) Apply(x, y float64) (float64, float64) {
	return t.A*x - t.B*y + t.Tx, t.B*x + t.A*y + t.Ty
}

// EstimateNorm returns the least-squares similarity transform taking the
// detected landmarks onto the reference positions for a size x size crop.
func EstimateNorm(landmarks [5][2]float32, size int) (Transform, error) {
	if size <= 0 || (size%112 != 0 && size%128 != 0) {
		return Transform{}, errors.New("crop size must be a multiple of 112 or 128")
	}

	var ratio, diffX float64
	if size%112 == 0 {
		ratio = float64(size) / 112
	} else {
		ratio = float64(size) / 128
		diffX = 8 * ratio
	}

	var src, dst [5][2]float64
	for i := range landmarks {
		src[i] = [2]float64{float64(landmarks[i][0]), float64(landmarks[i][1])}
		dst[i] = [2]float64{arcfaceDst[i][0]*ratio + diffX, arcfaceDst[i][1] * ratio}
	}

	return similarity(src[:], dst[:])
}

func similarity(src, dst [][2]float64) (Transform, error) {
	n := float64(len(src))
	var mpx, mpy, mqx, mqy float64
	for i := range src {
		mpx += src[i][0]
		mpy += src[i][1]
		mqx += dst[i][0]
		mqy += dst[i][1]
	}
	mpx, mpy, mqx, mqy = mpx/n, mpy/n, mqx/n, mqy/n

	var sxx, sxy, variance float64
	for i := range src {
		ax, ay := src[i][0]-mpx, src[i][1]-mpy
		bx, by := dst[i][0]-mqx, dst[i][1]-mqy
		sxx += ax*bx + ay*by
		sxy += ax*by - ay*bx
		variance += ax*ax + ay*ay
	}
	if variance < 1e-12 {
		return Transform{}, errors.New("landmarks are degenerate")
	}

	t := Transform{A: sxx / variance, B: sxy / variance}
	t.Tx = mqx - (t.A*mpx - t.B*mpy)
	t.Ty = mqy - (t.B*mpx + t.A*mpy)
	return t, nil
}

// AlignFace warps img into a size x size crop using bilinear sampling.
// Crop pixels that fall outside img are black.
func AlignFace(img image.Image, landmarks [5][2]float32, size int) (*image.NRGBA, error) {
	t, err := EstimateNorm(landmarks, size)
	if err != nil {
		return nil, err
	}

	dst := image.NewNRGBA(image.Rect(0, 0, size, size))
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}

	// draw samples at pixel centres, the transform is defined on pixel
	// indices.
	m := f64.Aff3{
		t.A, -t.B, t.Tx + 0.5 - 0.5*(t.A-t.B),
		t.B, t.A, t.Ty + 0.5 - 0.5*(t.B+t.A),
	}

	draw.BiLinear.Transform(dst, m, img, img.Bounds(), draw.Src, nil)
	return dst, nil
}
