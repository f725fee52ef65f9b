package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"e2e_groupchat/internal/protocol/envelope"
	"e2e_groupchat/internal/utils/log"

	"go.uber.org/zap"
)

const fileSuffix = ".json"

// FileBackend keeps one file per envelope, named <id>.<TYPE>.json.
type FileBackend struct {
	dir string
}

func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) path(env *envelope.Envelope) string {
	return filepath.Join(b.dir, env.ID()+"."+string(env.Type())+fileSuffix)
}

// Load reads every envelope file in the directory. Files that do not parse
// are skipped and logged.
func (b *FileBackend) Load(ctx context.Context) ([]*envelope.Envelope, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}

	var out []*envelope.Envelope
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.dir, name))
		if err != nil {
			return nil, err
		}
		var env envelope.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn("skipping unreadable envelope file", zap.String("file", name), zap.Error(err))
			continue
		}
		out = append(out, &env)
	}
	return out, nil
}

func (b *FileBackend) Save(_ context.Context, env *envelope.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	tmp := b.path(env) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, b.path(env))
}

func (b *FileBackend) Delete(_ context.Context, env *envelope.Envelope) error {
	err := os.Remove(b.path(env))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (b *FileBackend) Clear(_ context.Context) error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileSuffix) {
			continue
		}
		if err := os.Remove(filepath.Join(b.dir, entry.Name())); err != nil {
			return fmt.Errorf("remove %s: %w", entry.Name(), err)
		}
	}
	return nil
}
