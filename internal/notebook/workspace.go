package notebook

import (
	"fmt"
	"os"
	"path/filepath"
)

// workspace は 1 回の変換で使う一時ディレクトリです。
type workspace struct {
	dir    string
	inDir  string
	outDir string
}

func (s *Service) createWorkspace() (workspace, error) {
	dir, err := os.MkdirTemp(s.tempDir, "nbforge-*")
	if err != nil {
		return workspace{}, fmt.Errorf("failed to create workspace: %w", err)
	}
	ws := workspace{
		dir:    dir,
		inDir:  filepath.Join(dir, "in"),
		outDir: filepath.Join(dir, "out"),
	}
	for _, d := range []string{ws.inDir, ws.outDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			_ = removeDir(dir)
			return workspace{}, fmt.Errorf("failed to create workspace: %w", err)
		}
	}
	return ws, nil
}

func removeDir(dir string) error {
	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}
