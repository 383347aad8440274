// Package recognition computes ArcFace identity embeddings for detected
// faces.
package recognition

import (
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/Tutortoise/face-embedding-service/inference"
	"github.com/Tutortoise/face-embedding-service/models"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	DefaultInputSize     = 112
	DefaultEmbeddingSize = 512

	inputMean = 127.5
	inputStd  = 127.5
)

type Config struct {
	ModelPath string
}

type Recognizer struct {
	modelPath     string
	inputName     string
	outputName    string
	inputSize     int
	embeddingSize int
}

func NewRecognizer(cfg Config) (*Recognizer, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("read recognizer model info: %w", err)
	}
	if len(inputs) != 1 || len(outputs) == 0 {
		return nil, fmt.Errorf("recognizer must have one input and an output, has %d and %d", len(inputs), len(outputs))
	}

	r := &Recognizer{
		modelPath:     cfg.ModelPath,
		inputName:     inputs[0].Name,
		outputName:    outputs[0].Name,
		inputSize:     DefaultInputSize,
		embeddingSize: DefaultEmbeddingSize,
	}

	// Batch dimensions are usually dynamic (-1), spatial ones are not.
	if dims := inputs[0].Dimensions; len(dims) == 4 && dims[2] > 0 {
		r.inputSize = int(dims[2])
	}
	if dims := outputs[0].Dimensions; len(dims) == 2 && dims[1] > 0 {
		r.embeddingSize = int(dims[1])
	}

	return r, nil
}

func (r *Recognizer) EmbeddingSize() int { return r.embeddingSize }

func (r *Recognizer) InputSize() int { return r.inputSize }

type ModelSession struct {
	Session      *ort.AdvancedSession
	Input        *ort.Tensor[float32]
	Output       *ort.Tensor[float32]
	preprocessor *inference.PlanarPreprocessor
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
	if m.Input != nil {
		m.Input.Destroy()
	}
	if m.Output != nil {
		m.Output.Destroy()
	}
}

func (r *Recognizer) NewSession(options *ort.SessionOptions) (*ModelSession, error) {
	size := int64(r.inputSize)
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(r.embeddingSize)))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		r.modelPath,
		[]string{r.inputName},
		[]string{r.outputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &ModelSession{
		Session: session,
		Input:   inputTensor,
		Output:  outputTensor,
		preprocessor: inference.NewPlanarPreprocessor(r.inputSize, r.inputSize, inference.Normalization{
			Mean: inputMean,
			Std:  inputStd,
		}),
	}, nil
}

// Embed aligns the face described by det and returns its raw embedding.
// The returned slice is a copy and stays valid after the session is reused.
func (r *Recognizer) Embed(img image.Image, det models.Detection, model *ModelSession, timings *models.ProcessingTimings) ([]float32, error) {
	if timings == nil {
		timings = &models.ProcessingTimings{}
	}

	alignStart := time.Now()
	crop, err := AlignFace(img, det.Landmarks, r.inputSize)
	if err != nil {
		return nil, fmt.Errorf("align face: %w", err)
	}
	if err := model.preprocessor.Process(crop, model.Input.GetData()); err != nil {
		return nil, fmt.Errorf("prepare input buffer: %w", err)
	}
	timings.Align = time.Since(alignStart)

	embedStart := time.Now()
	if err := model.Session.Run(); err != nil {
		return nil, fmt.Errorf("%w: %w", inference.ErrRun, err)
	}

	out := model.Output.GetData()
	if len(out) < r.embeddingSize {
		return nil, errors.New("recognizer output shorter than embedding size")
	}
	embedding := make([]float32, r.embeddingSize)
	copy(embedding, out)
	timings.Embed = time.Since(embedStart)

	return embedding, nil
}
