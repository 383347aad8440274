package detections

const (
	DefaultInputSize      = 640
	DefaultScoreThreshold = 0.5
	DefaultNMSThreshold   = 0.4

	inputMean    = 127.5
	inputStd     = 128.0
	numLandmarks = 5
)
