// Package archive stores the raw bytes of accepted uploads. Keys are content
// addressed so storing the same file twice is a no-op.
package archive

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"path"
	"strings"

	"github.com/rpattn/regsync/internal/domain"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"
)

// Sink is the durable store for uploaded snapshot files.
type Sink interface {
	Store(ctx context.Context, data []byte, fileName string) (domain.ArchiveRef, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// Backend is a create-only object store. Put succeeds without writing when
// the key already exists.
type Backend interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (url string, err error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// DefaultPreviewLines is the number of leading lines kept for text uploads.
const DefaultPreviewLines = 5

// Archiver implements Sink over a Backend.
type Archiver struct {
	backend      Backend
	previewLines int
	log          logrus.FieldLogger
}

var _ Sink = (*Archiver)(nil)

// Option customises an Archiver.
type Option func(*Archiver)

// WithPreviewLines sets how many leading lines of text uploads are kept as preview.
func WithPreviewLines(n int) Option {
	return func(a *Archiver) {
		if n >= 0 {
			a.previewLines = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(a *Archiver) {
		if log != nil {
			a.log = log
		}
	}
}

// NewArchiver wraps backend.
func NewArchiver(backend Backend, opts ...Option) *Archiver {
	a := &Archiver{backend: backend, previewLines: DefaultPreviewLines, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Archiver) Store(ctx context.Context, data []byte, fileName string) (domain.ArchiveRef, error) {
	if len(data) == 0 {
		return domain.ArchiveRef{}, errors.New("archive: refusing to store empty file")
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	key := ObjectKey(digest, fileName)
	contentType := DetectContentType(data, fileName)

	url, err := a.backend.Put(ctx, key, data, contentType)
	if err != nil {
		return domain.ArchiveRef{}, errors.Wrapf(err, "archive %s", fileName)
	}

	ref := domain.ArchiveRef{
		URL:         url,
		Key:         key,
		Size:        int64(len(data)),
		SHA256:      digest,
		ContentType: contentType,
	}
	if strings.HasPrefix(contentType, "text/") && a.previewLines > 0 {
		preview := Preview(data, a.previewLines)
		ref.Preview = &preview
	}

	a.log.WithFields(logrus.Fields{
		"key":    key,
		"size":   ref.Size,
		"sha256": digest,
	}).Info("archived upload")
	return ref, nil
}

func (a *Archiver) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := a.backend.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "open archive %s", key)
	}
	return rc, nil
}

// Verify re-reads an archived object and checks it against the recorded digest.
func Verify(ctx context.Context, sink Sink, key string, expectedSHA256 string) error {
	rc, err := sink.Open(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, rc); err != nil {
		return errors.Wrapf(err, "read archive %s", key)
	}
	got := hex.EncodeToString(hash.Sum(nil))
	if !strings.EqualFold(got, expectedSHA256) {
		return domain.NewError(domain.KindConflict, nil, "archive %s digest mismatch: recorded %s, stored %s", key, expectedSHA256, got)
	}
	return nil
}

// ObjectKey returns the content-addressed key for a file.
func ObjectKey(digest string, fileName string) string {
	return path.Join("uploads", digest[:2], digest, safeName(fileName))
}

// DetectContentType sniffs data, falling back to the file extension for
// delimited text that sniffs as plain text.
func DetectContentType(data []byte, fileName string) string {
	detected := mimetype.Detect(data)
	if detected.Is("text/plain") && strings.EqualFold(path.Ext(fileName), ".csv") {
		return "text/csv"
	}
	if detected.Is("text/csv") {
		return "text/csv"
	}
	return detected.String()
}

// Preview returns the first n lines of data.
func Preview(data []byte, n int) string {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lines := make([]string, 0, n)
	for len(lines) < n && scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}
	return strings.Join(lines, "\n")
}

func safeName(fileName string) string {
	base := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		return "upload"
	}
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	name := strings.TrimLeft(b.String(), ".")
	if name == "" {
		return "upload"
	}
	return name
}
