package detections

import (
	"sort"

	"github.com/Tutortoise/face-embedding-service/models"
)

func sortDetectionsByConfidence(detections []models.Detection) {
	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Confidence > detections[j].Confidence
	})
}

// nonMaxSuppression keeps the highest scoring box of every overlapping
// group. detections must already be sorted by confidence.
func nonMaxSuppression(detections []models.Detection, threshold float32) []models.Detection {
	keep := make([]models.Detection, 0, len(detections))
	suppressed := make([]bool, len(detections))

	for i := range detections {
		if suppressed[i] {
			continue
		}
		keep = append(keep, detections[i])

		for j := i + 1; j < len(detections); j++ {
			if suppressed[j] {
				continue
			}
			if calculateIOU(detections[i].BBox, detections[j].BBox) > threshold {
				suppressed[j] = true
			}
		}
	}

	return keep
}

// calculateIOU uses inclusive pixel extents, so a box from 0 to 9 is 10
// pixels wide.
func calculateIOU(box1, box2 [4]float32) float32 {
	x1 := max(box1[0], box2[0])
	y1 := max(box1[1], box2[1])
	x2 := min(box1[2], box2[2])
	y2 := min(box1[3], box2[3])

	w := max(0, x2-x1+1)
	h := max(0, y2-y1+1)
	intersection := w * h
	if intersection == 0 {
		return 0
	}

	area1 := (box1[2] - box1[0] + 1) * (box1[3] - box1[1] + 1)
	area2 := (box2[2] - box2[0] + 1) * (box2[3] - box2[1] + 1)
	union := area1 + area2 - intersection
	if union <= 0 {
		return 0
	}

	return intersection / union
}
