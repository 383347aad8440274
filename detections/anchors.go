package detections

import (
	"fmt"

	"github.com/Tutortoise/face-embedding-service/models"
)

// outputLayout describes how an SCRFD export arranges its outputs: one
// score, one box and one landmark tensor per feature stride, in that order.
type outputLayout struct {
	strides    []int
	numAnchors int
	batched    bool
}

func layoutFor(numOutputs, rank int) (outputLayout, error) {
	var l outputLayout
	switch numOutputs {
	case 9:
		l = outputLayout{strides: []int{8, 16, 32}, numAnchors: 2}
	case 15:
		l = outputLayout{strides: []int{8, 16, 32, 64, 128}, numAnchors: 1}
	case 6, 10:
		return l, fmt.Errorf("detector has %d outputs: exports without landmarks cannot be aligned", numOutputs)
	default:
		return l, fmt.Errorf("unsupported detector: %d outputs", numOutputs)
	}
	l.batched = rank == 3
	return l, nil
}

func (l outputLayout) levels() int {
	return len(l.strides)
}

// anchorCount is the number of anchors a stride contributes for a square
// input of the given size.
func (l outputLayout) anchorCount(size, stride int) int {
	side := size / stride
	return side * side * l.numAnchors
}

// anchorCenters returns the (x, y) centre of every anchor at stride, row by
// row, each centre repeated numAnchors times.
func anchorCenters(size, stride, numAnchors int) [][2]float32 {
	side := size / stride
	centers := make([][2]float32, 0, side*side*numAnchors)
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			c := [2]float32{float32(x * stride), float32(y * stride)}
			for a := 0; a < numAnchors; a++ {
				centers = append(centers, c)
			}
		}
	}
	return centers
}

// decodeOutputs turns raw per-stride tensors into detections in source
// image coordinates. outputs follows the model order: scores for every
// stride, then boxes, then landmarks.
func decodeOutputs(outputs [][]float32, l outputLayout, anchors [][][2]float32, threshold, detScale float32) ([]models.Detection, error) {
	fmc := l.levels()
	if len(outputs) != fmc*3 {
		return nil, fmt.Errorf("unexpected output count: got %d, want %d", len(outputs), fmc*3)
	}

	detections := make([]models.Detection, 0, 16)
	for idx, stride := range l.strides {
		scores := outputs[idx]
		boxes := outputs[idx+fmc]
		kps := outputs[idx+fmc*2]
		centers := anchors[idx]
		n := len(centers)

		if len(scores) < n || len(boxes) < n*4 || len(kps) < n*numLandmarks*2 {
			return nil, fmt.Errorf("stride %d: output shorter than %d anchors", stride, n)
		}

		s := float32(stride)
		for k := 0; k < n; k++ {
			score := scores[k]
			if score < threshold {
				continue
			}

			cx, cy := centers[k][0], centers[k][1]
			b := boxes[k*4 : k*4+4]
			det := models.Detection{
				BBox: [4]float32{
					(cx - b[0]*s) / detScale,
					(cy - b[1]*s) / detScale,
					(cx + b[2]*s) / detScale,
					(cy + b[3]*s) / detScale,
				},
				Confidence: score,
			}

			p := kps[k*numLandmarks*2 : (k+1)*numLandmarks*2]
			for j := 0; j < numLandmarks; j++ {
				det.Landmarks[j][0] = (cx + p[j*2]*s) / detScale
				det.Landmarks[j][1] = (cy + p[j*2+1]*s) / detScale
			}

			detections = append(detections, det)
		}
	}

	return detections, nil
}
