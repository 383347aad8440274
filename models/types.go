package models

import "time"

// Detection is a face found by the detector, in source image pixels.
type Detection struct {
	BBox       [4]float32 // x1, y1, x2, y2
	Confidence float32
	Landmarks  [5][2]float32
}

// Face is a detection together with the identity embedding computed for it.
type Face struct {
	Detection
	Embedding []float32
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Resize      time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Align       time.Duration
	Embed       time.Duration
	Total       time.Duration
}
