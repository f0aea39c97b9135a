package file

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	ErrEmptyChunk = errors.New("empty chunk")
)

// ChunkStore appends recording chunks to one file per room: <dir>/vid-<room>.webm.
type ChunkStore struct {
	mx  *sync.Mutex
	dir string
}

func NewChunkStore(dir string) (*ChunkStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create videos directory: %w", err)
	}
	return &ChunkStore{
		mx:  &sync.Mutex{},
		dir: dir,
	}, nil
}

func (s *ChunkStore) Store(ctx context.Context, roomID string, chunk []byte) error {
	if len(chunk) == 0 {
		return ErrEmptyChunk
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mx.Lock()
	defer s.mx.Unlock()

	f, err := os.OpenFile(s.Path(roomID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open chunk file: %w", err)
	}
	if _, err = f.Write(chunk); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write chunk: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("failed to close chunk file: %w", err)
	}
	return nil
}

// Path returns the recording file of a room. Room ids that are not plain
// file names get a digest suffix after '~', which never survives safeName,
// so distinct ids always map to distinct files.
func (s *ChunkStore) Path(roomID string) string {
	name := safeName(roomID)
	if name != roomID {
		sum := sha256.Sum256([]byte(roomID))
		name += "~" + hex.EncodeToString(sum[:8])
	}
	return filepath.Join(s.dir, "vid-"+name+".webm")
}

// safeName maps an arbitrary room id onto a single path element.
func safeName(roomID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, roomID)
}
