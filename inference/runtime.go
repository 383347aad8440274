package inference

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// LibraryEnv overrides the ONNX Runtime shared library location.
const LibraryEnv = "ONNX_PATH"

var ErrLibraryNotFound = errors.New("onnx runtime library not found")

// ErrRun marks a failed Session.Run. A session that returned it may be in a
// bad state and should not be reused.
var ErrRun = errors.New("model inference failed")

var libraryNames = map[string]string{
	"linux":   "libonnxruntime.so",
	"darwin":  "libonnxruntime.dylib",
	"windows": "onnxruntime.dll",
}

var envMu sync.Mutex

func libraryName(goos string) string {
	if name, ok := libraryNames[goos]; ok {
		return name
	}
	return "libonnxruntime.so"
}

// LibraryPath resolves the ONNX Runtime shared library. Checks in order:
// the explicit path, the ONNX_PATH environment variable, then the
// platform library name inside each of searchDirs.
func LibraryPath(explicit string, searchDirs ...string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("%w: %s", ErrLibraryNotFound, explicit)
		}
		return explicit, nil
	}

	if envPath := os.Getenv(LibraryEnv); envPath != "" {
		if _, err := os.Stat(envPath); err != nil {
			return "", fmt.Errorf("%w: %s=%s", ErrLibraryNotFound, LibraryEnv, envPath)
		}
		return envPath, nil
	}

	libName := libraryName(runtime.GOOS)
	for _, dir := range searchDirs {
		candidate := filepath.Join(dir, libName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w: set %s or runtime.library_path", ErrLibraryNotFound, LibraryEnv)
}

// ModelFile validates that a model file exists and returns its absolute path.
func ModelFile(dir, name string) (string, error) {
	path, err := filepath.Abs(filepath.Join(dir, name))
	if err != nil {
		return "", fmt.Errorf("resolve model path: %w", err)
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("model file not found: %s", path)
	}
	if err != nil {
		return "", fmt.Errorf("stat model file: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("model path is a directory: %s", path)
	}
	return path, nil
}

// Initialize loads the shared library and creates the process-wide ONNX
// Runtime environment. Calling it again after success is a no-op.
func Initialize(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}

	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnx environment: %w", err)
	}
	return nil
}

// Shutdown destroys the ONNX Runtime environment. All sessions must be
// destroyed first.
func Shutdown() error {
	envMu.Lock()
	defer envMu.Unlock()

	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}
