package storage

import (
	"context"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ObjectStore archives output images.
type ObjectStore interface {
	CreateBucket(ctx context.Context) error

	PutObject(ctx context.Context, key string, data io.Reader) error
}

// ArchiveKey returns the object key for an output image: YYYY/MM/DD/<id>_<file name>.
func ArchiveKey(at time.Time, id uuid.UUID, fileName string) string {
	name := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		name = "image"
	}
	return path.Join(at.UTC().Format("2006/01/02"), id.String()+"_"+name)
}
