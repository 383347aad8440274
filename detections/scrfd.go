// Package detections runs SCRFD face detection models through ONNX Runtime.
package detections

import (
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/Tutortoise/face-embedding-service/inference"
	"github.com/Tutortoise/face-embedding-service/models"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"
)

type Config struct {
	ModelPath      string
	InputSize      int
	ScoreThreshold float32
	NMSThreshold   float32
}

// Detector holds what is known about a detector model. It is shared by all
// sessions created from it and never mutated after NewDetector.
type Detector struct {
	cfg          Config
	inputName    string
	outputNames  []string
	outputShapes []ort.Shape
	layout       outputLayout
	anchors      [][][2]float32
}

func NewDetector(cfg Config) (*Detector, error) {
	if cfg.InputSize <= 0 {
		cfg.InputSize = DefaultInputSize
	}
	if cfg.ScoreThreshold <= 0 {
		cfg.ScoreThreshold = DefaultScoreThreshold
	}
	if cfg.NMSThreshold <= 0 {
		cfg.NMSThreshold = DefaultNMSThreshold
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("read detector model info: %w", err)
	}
	if len(inputs) != 1 {
		return nil, fmt.Errorf("detector must have one input, has %d", len(inputs))
	}
	if len(outputs) == 0 {
		return nil, errors.New("detector has no outputs")
	}

	// A model exported with a fixed input size only runs at that size.
	if dims := inputs[0].Dimensions; len(dims) == 4 && dims[2] > 0 && dims[3] > 0 {
		if dims[2] != dims[3] {
			return nil, fmt.Errorf("detector input must be square, got %dx%d", dims[3], dims[2])
		}
		cfg.InputSize = int(dims[2])
	}
	if cfg.InputSize%32 != 0 {
		return nil, fmt.Errorf("detector input size must be a multiple of 32, got %d", cfg.InputSize)
	}

	layout, err := layoutFor(len(outputs), len(outputs[0].Dimensions))
	if err != nil {
		return nil, err
	}

	d := &Detector{
		cfg:       cfg,
		inputName: inputs[0].Name,
		layout:    layout,
	}

	for _, o := range outputs {
		d.outputNames = append(d.outputNames, o.Name)
	}

	// Shapes are fixed once the input size is: scores, boxes, landmarks.
	widths := []int64{1, 4, numLandmarks * 2}
	d.outputShapes = make([]ort.Shape, len(outputs))
	for group, width := range widths {
		for idx, stride := range layout.strides {
			n := int64(layout.anchorCount(cfg.InputSize, stride))
			shape := ort.NewShape(n, width)
			if layout.batched {
				shape = ort.NewShape(1, n, width)
			}
			d.outputShapes[group*layout.levels()+idx] = shape
		}
	}

	for _, stride := range layout.strides {
		d.anchors = append(d.anchors, anchorCenters(cfg.InputSize, stride, layout.numAnchors))
	}

	return d, nil
}

func (d *Detector) InputSize() int { return d.cfg.InputSize }

type ModelSession struct {
	Session      *ort.AdvancedSession
	Input        *ort.Tensor[float32]
	Outputs      []*ort.Tensor[float32]
	preprocessor *inference.PlanarPreprocessor
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
	if m.Input != nil {
		m.Input.Destroy()
	}
	for _, out := range m.Outputs {
		if out != nil {
			out.Destroy()
		}
	}
}

// NewSession creates a session with its own bound tensors. options may be
// destroyed as soon as this returns.
func (d *Detector) NewSession(options *ort.SessionOptions) (*ModelSession, error) {
	size := int64(d.cfg.InputSize)
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	m := &ModelSession{
		Input: inputTensor,
		preprocessor: inference.NewPlanarPreprocessor(d.cfg.InputSize, d.cfg.InputSize, inference.Normalization{
			Mean: inputMean,
			Std:  inputStd,
		}),
	}

	outputs := make([]ort.ArbitraryTensor, 0, len(d.outputShapes))
	for i, shape := range d.outputShapes {
		t, err := ort.NewEmptyTensor[float32](shape)
		if err != nil {
			m.Destroy()
			return nil, fmt.Errorf("error creating output tensor %s: %w", d.outputNames[i], err)
		}
		m.Outputs = append(m.Outputs, t)
		outputs = append(outputs, t)
	}

	session, err := ort.NewAdvancedSession(
		d.cfg.ModelPath,
		[]string{d.inputName},
		d.outputNames,
		[]ort.ArbitraryTensor{inputTensor},
		outputs,
		options,
	)
	if err != nil {
		m.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}
	m.Session = session

	return m, nil
}

// letterbox computes the size img is resized to inside the square input
// canvas and the scale from source to canvas pixels.
func letterbox(width, height, size int) (int, int, float32) {
	var newWidth, newHeight int
	ratio := float64(height) / float64(width)
	if ratio > 1 {
		newHeight = size
		newWidth = int(float64(newHeight) / ratio)
	} else {
		newWidth = size
		newHeight = int(float64(newWidth) * ratio)
	}
	newWidth = max(newWidth, 1)
	newHeight = max(newHeight, 1)
	return newWidth, newHeight, float32(newHeight) / float32(height)
}

// Detect runs the detector on img. Faces come back sorted by confidence
// after non-maximum suppression.
func (d *Detector) Detect(img image.Image, model *ModelSession, timings *models.ProcessingTimings) ([]models.Detection, error) {
	if timings == nil {
		timings = &models.ProcessingTimings{}
	}

	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, errors.New("image has no pixels")
	}

	resizeStart := time.Now()
	newWidth, newHeight, detScale := letterbox(bounds.Dx(), bounds.Dy(), d.cfg.InputSize)
	resized := imaging.Resize(img, newWidth, newHeight, imaging.Linear)
	timings.Resize = time.Since(resizeStart)

	prepStart := time.Now()
	if err := model.preprocessor.Process(resized, model.Input.GetData()); err != nil {
		return nil, fmt.Errorf("prepare input buffer: %w", err)
	}
	timings.Preprocess = time.Since(prepStart)

	inferStart := time.Now()
	if err := model.Session.Run(); err != nil {
		return nil, fmt.Errorf("%w: %w", inference.ErrRun, err)
	}
	timings.Inference = time.Since(inferStart)

	postStart := time.Now()
	raw := make([][]float32, len(model.Outputs))
	for i, out := range model.Outputs {
		raw[i] = out.GetData()
	}

	detections, err := decodeOutputs(raw, d.layout, d.anchors, d.cfg.ScoreThreshold, detScale)
	if err != nil {
		return nil, fmt.Errorf("process predictions: %w", err)
	}

	sortDetectionsByConfidence(detections)
	detections = nonMaxSuppression(detections, d.cfg.NMSThreshold)
	timings.Postprocess = time.Since(postStart)

	return detections, nil
}
