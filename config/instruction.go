package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
)

// InstructionFileName is the default name of the instruction file inside
// the application directory.
const InstructionFileName = "system-prompt.txt"

// AppDirEnv overrides the application directory when set.
const AppDirEnv = "PREAMBLE_APP_DIR"

// AppDir returns the application-wide config directory:
// $PREAMBLE_APP_DIR if set, otherwise ~/.local/share/preamble.
func AppDir() string {
	if dir := os.Getenv(AppDirEnv); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".preamble")
	}
	return filepath.Join(home, ".local", "share", "preamble")
}

// InstructionPath resolves the instruction file location for cfg.
func InstructionPath(cfg InstructionConfig) string {
	dir := cfg.Dir
	if dir == "" {
		dir = AppDir()
	}
	name := cfg.File
	if name == "" {
		name = InstructionFileName
	}
	return filepath.Join(dir, name)
}

// InstructionFile supplies the operator instruction from a text file.
// The file is read on every call so edits apply to the next request
// without a restart; nothing is cached between calls.
type InstructionFile struct {
	path   atomic.Value // string
	logger *zap.Logger
}

// NewInstructionFile creates a source reading the file described by cfg.
func NewInstructionFile(cfg InstructionConfig, logger *zap.Logger) *InstructionFile {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &InstructionFile{logger: logger}
	f.path.Store(InstructionPath(cfg))
	return f
}

// Path returns the file currently read by the source.
func (f *InstructionFile) Path() string {
	return f.path.Load().(string)
}

// Update points the source at the location described by cfg. It is used
// when the main configuration is reloaded.
func (f *InstructionFile) Update(cfg InstructionConfig) {
	f.path.Store(InstructionPath(cfg))
}

// Instruction returns the trimmed file content. It reports false when the
// file is missing, unreadable or blank; read failures are logged at debug
// level and never returned.
func (f *InstructionFile) Instruction(ctx context.Context) (string, bool) {
	if ctx.Err() != nil {
		return "", false
	}

	path := f.Path()
	data, err := os.ReadFile(path)
	if err != nil {
		f.logger.Debug("No instruction file available",
			zap.String("path", path),
			zap.Error(err),
		)
		return "", false
	}

	content := strings.TrimSpace(string(data))
	if content == "" {
		return "", false
	}
	return content, true
}
