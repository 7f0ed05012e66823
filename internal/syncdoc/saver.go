package syncdoc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentworkforce/patchsync/internal/backend"
)

// Saver persists the serialized value of a document outside the log.
type Saver interface {
	Save(ctx context.Context, path, content string) error
}

type SaverFunc func(ctx context.Context, path, content string) error

func (f SaverFunc) Save(ctx context.Context, path, content string) error {
	return f(ctx, path, content)
}

// DiskSaver writes documents under Root, replacing each file atomically.
type DiskSaver struct {
	Root string
	Mode os.FileMode
}

func (s DiskSaver) Save(ctx context.Context, path, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	mode := s.Mode
	if mode == 0 {
		mode = 0o644
	}
	return backend.WriteFileAtomic(target, []byte(content), mode)
}

func (s DiskSaver) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + strings.TrimSpace(path))
	if clean == "/" {
		return "", fmt.Errorf("invalid document path %q", path)
	}
	return filepath.Join(s.Root, clean), nil
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
