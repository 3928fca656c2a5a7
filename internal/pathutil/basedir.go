package pathutil

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/transferengine/core/internal/config"
	"github.com/transferengine/core/internal/task"
)

// ResolveTaskDirectory resolves a task's BaseDirectory enum plus its
// relative Directory field into an absolute, symlink-resolved path.
func ResolveTaskDirectory(cfg config.EngineConfig, base task.BaseDirectory, relative string) (string, error) {
	root, err := baseDirectoryRoot(cfg, base)
	if err != nil {
		return "", err
	}
	return ResolveAbsolutePath(filepath.Join(root, relative))
}

func baseDirectoryRoot(cfg config.EngineConfig, base task.BaseDirectory) (string, error) {
	switch base {
	case task.BaseDirApplicationDocuments, "":
		return cfg.BaseDirectory, nil
	case task.BaseDirTemporary:
		return os.TempDir(), nil
	case task.BaseDirApplicationSupport:
		return filepath.Join(cfg.CacheDirectory, "support"), nil
	case task.BaseDirApplicationLibrary:
		return filepath.Join(cfg.CacheDirectory, "library"), nil
	case task.BaseDirRoot:
		return string(filepath.Separator), nil
	default:
		return "", fmt.Errorf("unknown base directory %q", base)
	}
}
