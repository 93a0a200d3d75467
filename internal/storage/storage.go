package storage

import (
	"context"
	"errors"
	"io"
)

var ErrDisabled = errors.New("object storage is not configured")

// Storage is an interface for uploading files.
type Storage interface {
	UploadFile(ctx context.Context, objectName string, reader io.Reader, size int64) error
}
