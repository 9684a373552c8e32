// Package export writes the active registry in the column layout accepted
// by snapshot uploads, so an unchanged export re-uploads as an empty diff.
package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rpattn/regsync/internal/domain"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
)

// Format selects the output encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// SheetName is the worksheet written for spreadsheet exports.
const SheetName = "Registry"

const dateLayout = "2006-01-02"

// Header is the column row written first in every export.
var Header = []string{"external_id", "full_name", "translated_name", "gender", "birth_date"}

// ParseFormat accepts "csv" or "xlsx"; empty means csv.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	default:
		return "", domain.NewError(domain.KindValidation, nil, "unsupported export format %q", raw)
	}
}

// ContentType returns the MIME type of f.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv"
}

// EntityLister reads the active registry.
type EntityLister interface {
	ListActive(ctx context.Context) ([]domain.Entity, error)
}

// Result describes a finished export.
type Result struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Rows        int    `json:"rows"`
	Bytes       int64  `json:"bytes"`
}

// Service renders registry exports.
type Service struct {
	entities EntityLister
	log      logrus.FieldLogger
	now      func() time.Time
}

// Option customises a Service.
type Option func(*Service)

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(entities EntityLister, opts ...Option) *Service {
	service := &Service{
		entities: entities,
		log:      logrus.StandardLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// FileName is the suggested download name for an export taken now.
func (s *Service) FileName(format Format) string {
	return fmt.Sprintf("registry-%s.%s", s.now().UTC().Format("20060102-150405"), format)
}

// Write renders every active entity to w, ordered by external id.
func (s *Service) Write(ctx context.Context, w io.Writer, format Format) (Result, error) {
	entities, err := s.entities.ListActive(ctx)
	if err != nil {
		return Result{}, errors.Wrap(err, "list active entities")
	}

	counter := &countingWriter{writer: w}
	switch format {
	case FormatCSV:
		err = writeCSV(counter, entities)
	case FormatXLSX:
		err = writeXLSX(counter, entities)
	default:
		return Result{}, domain.NewError(domain.KindValidation, nil, "unsupported export format %q", format)
	}
	if err != nil {
		return Result{}, err
	}

	result := Result{
		FileName:    s.FileName(format),
		ContentType: format.ContentType(),
		Rows:        len(entities),
		Bytes:       counter.count,
	}
	s.log.WithFields(logrus.Fields{
		"format": format,
		"rows":   result.Rows,
		"bytes":  result.Bytes,
	}).Info("exported registry")
	return result, nil
}

func writeCSV(w io.Writer, entities []domain.Entity) error {
	buffered := bufio.NewWriterSize(w, 1<<16)
	csvWriter := csv.NewWriter(buffered)
	if err := csvWriter.Write(Header); err != nil {
		return errors.Wrap(err, "write header")
	}
	for _, entity := range entities {
		if err := csvWriter.Write(Row(entity)); err != nil {
			return errors.Wrapf(err, "write %s", entity.ExternalID)
		}
	}
	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return errors.Wrap(err, "flush csv")
	}
	if err := buffered.Flush(); err != nil {
		return errors.Wrap(err, "flush export")
	}
	return nil
}

func writeXLSX(w io.Writer, entities []domain.Entity) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return errors.Wrap(err, "name sheet")
	}
	stream, err := f.NewStreamWriter(SheetName)
	if err != nil {
		return errors.Wrap(err, "open sheet writer")
	}
	if err := stream.SetRow("A1", cells(Header)); err != nil {
		return errors.Wrap(err, "write header")
	}
	for i, entity := range entities {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := stream.SetRow(cell, cells(Row(entity))); err != nil {
			return errors.Wrapf(err, "write %s", entity.ExternalID)
		}
	}
	if err := stream.Flush(); err != nil {
		return errors.Wrap(err, "flush sheet")
	}
	if err := f.Write(w); err != nil {
		return errors.Wrap(err, "write workbook")
	}
	return nil
}

// Row renders the bulk-managed fields of entity in Header order.
func Row(entity domain.Entity) []string {
	row := []string{entity.ExternalID, entity.Fields.FullName, "", string(entity.Fields.Gender), ""}
	if entity.Fields.TranslatedName != nil {
		row[2] = *entity.Fields.TranslatedName
	}
	if entity.Fields.BirthDate != nil {
		row[4] = entity.Fields.BirthDate.UTC().Format(dateLayout)
	}
	return row
}

func cells(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

type countingWriter struct {
	writer io.Writer
	count  int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.writer.Write(p)
	c.count += int64(n)
	return n, err
}
