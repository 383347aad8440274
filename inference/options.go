package inference

import (
	"fmt"
	"runtime"
	"strconv"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// SessionConfig selects the compute device and threading for a session.
type SessionConfig struct {
	// CtxID < 0 runs on CPU; CtxID >= 0 selects that CUDA device and falls
	// back to CPU when the CUDA provider is unavailable.
	CtxID          int
	IntraOpThreads int
	InterOpThreads int
}

func (c SessionConfig) UseCUDA() bool {
	return c.CtxID >= 0
}

// NewSessionOptions builds ONNX session options for cfg. The caller owns
// the returned options and must Destroy them once the session exists.
func NewSessionOptions(cfg SessionConfig, logger *zap.Logger) (*ort.SessionOptions, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}

	intra := cfg.IntraOpThreads
	if intra <= 0 {
		intra = runtime.NumCPU()
	}
	inter := cfg.InterOpThreads
	if inter <= 0 {
		inter = 1
	}

	if err := options.SetIntraOpNumThreads(intra); err != nil {
		options.Destroy()
		return nil, fmt.Errorf("set intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(inter); err != nil {
		options.Destroy()
		return nil, fmt.Errorf("set inter-op threads: %w", err)
	}

	if cfg.UseCUDA() {
		if err := appendCUDA(options, cfg.CtxID); err != nil {
			logger.Warn("cuda provider unavailable, using cpu",
				zap.Int("ctx_id", cfg.CtxID),
				zap.Error(err),
			)
		}
	}

	return options, nil
}

func appendCUDA(options *ort.SessionOptions, deviceID int) error {
	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return fmt.Errorf("create cuda options: %w", err)
	}
	defer cudaOptions.Destroy()

	if err := cudaOptions.Update(map[string]string{
		"device_id": strconv.Itoa(deviceID),
	}); err != nil {
		return fmt.Errorf("update cuda options: %w", err)
	}

	return options.AppendExecutionProviderCUDA(cudaOptions)
}
