package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/Tutortoise/face-embedding-service/config"
	"github.com/Tutortoise/face-embedding-service/faceanalysis"
	"github.com/Tutortoise/face-embedding-service/inference"

	"go.uber.org/zap"
)

func analysisConfig(c *config.Config) faceanalysis.Config {
	return faceanalysis.Config{
		ModelRoot:      c.Model.Root,
		Name:           c.Model.Name,
		DetectorFile:   c.Model.DetectorFile,
		RecognizerFile: c.Model.RecognizerFile,
		DetSize:        c.Model.DetSize,
		DetThresh:      c.Model.DetThresh,
		NMSThresh:      c.Model.NMSThresh,
		Session: inference.SessionConfig{
			CtxID:          c.Model.CtxID,
			IntraOpThreads: c.Runtime.IntraOpThreads,
			InterOpThreads: c.Runtime.InterOpThreads,
		},
		PoolSize:       c.Model.PoolSize,
		AcquireTimeout: c.Model.AcquireTimeout,
	}
}

// openAnalysis initializes ONNX Runtime and loads the configured model
// pack. The returned func releases both.
func openAnalysis(c *config.Config, log *zap.Logger) (*faceanalysis.Analysis, func(), error) {
	libPath, err := inference.LibraryPath(c.Runtime.LibraryPath, ".", "lib", filepath.Dir(c.Model.Root))
	if err != nil {
		return nil, nil, err
	}
	if err := inference.Initialize(libPath); err != nil {
		return nil, nil, err
	}

	log.Info("onnx runtime initialized",
		zap.String("library", libPath),
		zap.Strings("cpu_features", inference.CPUFeatures()),
	)

	analysis, err := faceanalysis.New(analysisConfig(c), log.Named("faceanalysis"))
	if err != nil {
		_ = inference.Shutdown()
		return nil, nil, fmt.Errorf("failed to load model pack: %w", err)
	}

	closeFn := func() {
		analysis.Close()
		if err := inference.Shutdown(); err != nil {
			log.Warn("failed to destroy onnx environment", zap.Error(err))
		}
	}
	return analysis, closeFn, nil
}
