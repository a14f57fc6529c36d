package onnxmodel

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	defaultIntraThreads = 1
	defaultInterThreads = 1
	defaultMaxSessions  = 2
)

// RuntimeConfig controls the ONNX Runtime environment and session pool.
type RuntimeConfig struct {
	// SharedLibraryPath overrides discovery of the onnxruntime library.
	SharedLibraryPath string `yaml:"shared_library_path"`
	MaxSessions       int    `yaml:"max_sessions"`
	IntraThreads      int    `yaml:"intra_threads"`
	InterThreads      int    `yaml:"inter_threads"`
}

func (rt RuntimeConfig) withDefaults() RuntimeConfig {
	if rt.MaxSessions <= 0 {
		rt.MaxSessions = defaultMaxSessions
	}
	if rt.IntraThreads <= 0 {
		rt.IntraThreads = defaultIntraThreads
	}
	if rt.InterThreads <= 0 {
		rt.InterThreads = defaultInterThreads
	}
	return rt
}

var initMu sync.Mutex

// initRuntime points onnxruntime_go at the shared library and initializes the
// process-wide environment once.
func initRuntime(bundleDir string, rt RuntimeConfig) error {
	initMu.Lock()
	defer initMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	libPath, err := resolveSharedLibraryPath(bundleDir, rt.SharedLibraryPath)
	if err != nil {
		return err
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime: %w", err)
	}
	return nil
}

// resolveSharedLibraryPath locates the onnxruntime shared library. An explicit path
// wins, then ONNXRUNTIME_SHARED_LIBRARY_PATH, then common names and locations.
func resolveSharedLibraryPath(bundleDir, explicit string) (string, error) {
	for _, p := range []string{explicit, os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")} {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("onnxruntime shared library %s: %w", p, err)
		}
		return p, nil
	}

	names := []string{
		"libonnxruntime.so",
		"onnxruntime.so",
		"libonnxruntime.dylib",
		"onnxruntime.dylib",
		"onnxruntime.dll",
	}
	dirs := []string{
		bundleDir,
		filepath.Join(bundleDir, "lib"),
		".",
		"/opt/homebrew/lib",
		"/usr/local/lib",
		"/usr/lib",
	}
	for _, dir := range dirs {
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("onnxruntime shared library not found; set ONNXRUNTIME_SHARED_LIBRARY_PATH or install the runtime")
}
