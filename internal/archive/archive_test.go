package archive

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rpattn/regsync/internal/domain"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = "external_id,full_name,gender\nP1,Ali,m\nP2,Sam,f\nP3,Lee,x\n"

func newTestArchiver(t *testing.T, opts ...Option) (*Archiver, string) {
	t.Helper()
	root := t.TempDir()
	fs, err := NewFilesystem(root)
	require.NoError(t, err)
	logger, _ := test.NewNullLogger()
	return NewArchiver(fs, append([]Option{WithLogger(logger)}, opts...)...), root
}

func TestArchiverStoreComputesReference(t *testing.T) {
	archiver, root := newTestArchiver(t, WithPreviewLines(2))

	ref, err := archiver.Store(context.Background(), []byte(sampleCSV), "release 2024.csv")
	require.NoError(t, err)

	assert.Len(t, ref.SHA256, 64)
	assert.Equal(t, int64(len(sampleCSV)), ref.Size)
	assert.Equal(t, "text/csv", ref.ContentType)
	assert.Equal(t, "uploads/"+ref.SHA256[:2]+"/"+ref.SHA256+"/release_2024.csv", ref.Key)
	assert.True(t, strings.HasPrefix(ref.URL, "file://"), ref.URL)
	require.NotNil(t, ref.Preview)
	assert.Equal(t, "external_id,full_name,gender\nP1,Ali,m", *ref.Preview)

	stored, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(ref.Key)))
	require.NoError(t, err)
	assert.Equal(t, sampleCSV, string(stored))
}

func TestArchiverStoreIsIdempotent(t *testing.T) {
	archiver, _ := newTestArchiver(t)
	ctx := context.Background()

	first, err := archiver.Store(ctx, []byte(sampleCSV), "a.csv")
	require.NoError(t, err)
	second, err := archiver.Store(ctx, []byte(sampleCSV), "a.csv")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestArchiverRejectsEmptyFile(t *testing.T) {
	archiver, _ := newTestArchiver(t)
	_, err := archiver.Store(context.Background(), nil, "empty.csv")
	require.Error(t, err)
}

func TestVerifyDetectsTampering(t *testing.T) {
	archiver, root := newTestArchiver(t)
	ctx := context.Background()

	ref, err := archiver.Store(ctx, []byte(sampleCSV), "a.csv")
	require.NoError(t, err)
	require.NoError(t, Verify(ctx, archiver, ref.Key, ref.SHA256))

	path := filepath.Join(root, filepath.FromSlash(ref.Key))
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o644))

	err = Verify(ctx, archiver, ref.Key, ref.SHA256)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindConflict))
}

func TestOpenReturnsStoredBytes(t *testing.T) {
	archiver, _ := newTestArchiver(t)
	ctx := context.Background()

	ref, err := archiver.Store(ctx, []byte(sampleCSV), "a.csv")
	require.NoError(t, err)

	rc, err := archiver.Open(ctx, ref.Key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, sampleCSV, string(data))
}

func TestSanitizeKey(t *testing.T) {
	for _, bad := range []string{"", "  ", "../etc/passwd", "/abs/key", "a/../../b"} {
		_, err := sanitizeKey(bad)
		assert.Error(t, err, bad)
	}
	got, err := sanitizeKey("uploads/ab/abc/file.csv")
	require.NoError(t, err)
	assert.Equal(t, "uploads/ab/abc/file.csv", got)
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "release_2024_.csv", safeName("C:\\data\\release 2024!.csv"))
	assert.Equal(t, "upload", safeName(""))
	assert.Equal(t, "hidden", safeName(".hidden"))
}

func TestDetectContentTypeForSpreadsheetIsNotText(t *testing.T) {
	ct := DetectContentType([]byte{0x50, 0x4b, 0x03, 0x04, 0x14, 0x00}, "book.xlsx")
	assert.False(t, strings.HasPrefix(ct, "text/"), ct)
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := New(context.Background(), Config{Driver: "ftp"}, logrus.New())
	require.Error(t, err)

	a, err := New(context.Background(), Config{Driver: DriverFS, FSRoot: t.TempDir(), PreviewLines: 3}, logrus.New())
	require.NoError(t, err)
	assert.Equal(t, 3, a.previewLines)
}
