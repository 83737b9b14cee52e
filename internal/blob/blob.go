package blob

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

var ErrNotFound = errors.New("blob not found")

// Store holds uploaded training files.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// Key builds the storage key for a training upload: <user>/<session>/<file id><ext>.
func Key(userID, sessionID, fileID, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	return path.Join(userID, sessionID, fileID+ext)
}
