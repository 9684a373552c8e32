package archive

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Driver names an archive backend.
type Driver string

const (
	DriverFS Driver = "fs"
	DriverS3 Driver = "s3"
)

// Config selects and configures the archive backend.
type Config struct {
	Driver       Driver
	FSRoot       string
	S3           S3Config
	PreviewLines int
}

// New builds the Archiver described by cfg.
func New(ctx context.Context, cfg Config, log logrus.FieldLogger) (*Archiver, error) {
	var (
		backend Backend
		err     error
	)
	switch Driver(strings.ToLower(string(cfg.Driver))) {
	case DriverFS, "":
		backend, err = NewFilesystem(cfg.FSRoot)
	case DriverS3:
		backend, err = NewS3(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown archive driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return NewArchiver(backend, WithPreviewLines(cfg.PreviewLines), WithLogger(log)), nil
}
