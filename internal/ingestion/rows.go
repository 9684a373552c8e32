package ingestion

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rpattn/regsync/internal/domain"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"
)

// MaxExternalIDLength bounds caller-assigned identifiers.
const MaxExternalIDLength = 50

const (
	colExternalID     = "external_id"
	colFullName       = "full_name"
	colTranslatedName = "translated_name"
	colGender         = "gender"
	colBirthDate      = "birth_date"
)

var headerAliases = map[string]string{
	"external_id":     colExternalID,
	"externalid":      colExternalID,
	"id":              colExternalID,
	"full_name":       colFullName,
	"fullname":        colFullName,
	"name":            colFullName,
	"translated_name": colTranslatedName,
	"secondary_name":  colTranslatedName,
	"name_translated": colTranslatedName,
	"gender":          colGender,
	"sex":             colGender,
	"birth_date":      colBirthDate,
	"date_of_birth":   colBirthDate,
	"dob":             colBirthDate,
}

var requiredColumns = []string{colExternalID, colFullName}

// forbiddenColumns are fields only moderation may write.
var forbiddenColumns = map[string]struct{}{
	"death_date":     {},
	"date_of_death":  {},
	"dod":            {},
	"death_place":    {},
	"place_of_death": {},
	"location":       {},
	"photo_url":      {},
	"photo":          {},
}

var externalIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// rowInput is one row before conversion, validated by struct tags.
type rowInput struct {
	ExternalID     string `col:"external_id" validate:"required,max=50,externalid"`
	FullName       string `col:"full_name" validate:"required,max=300"`
	TranslatedName string `col:"translated_name" validate:"omitempty,max=300"`
	Gender         string `col:"gender" validate:"omitempty,oneof=m f o x u male female other unknown"`
	BirthDate      string `col:"birth_date"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		return field.Tag.Get("col")
	})
	_ = v.RegisterValidation("externalid", func(fl validator.FieldLevel) bool {
		return externalIDPattern.MatchString(fl.Field().String())
	})
	return v
}

// columnMap maps canonical column names to their index in the sheet.
type columnMap map[string]int

func mapHeaders(table tableData) (columnMap, error) {
	columns := columnMap{}
	var forbidden, unknown []string

	for idx, header := range table.headers {
		raw := table.rawHeaders[idx]
		if _, ok := forbiddenColumns[header]; ok {
			forbidden = append(forbidden, raw)
			continue
		}
		canonical, ok := headerAliases[header]
		if !ok {
			if strings.HasPrefix(header, "column_") && raw == "" {
				continue
			}
			unknown = append(unknown, raw)
			continue
		}
		if prev, dup := columns[canonical]; dup {
			return nil, domain.HeaderError("columns %q and %q both map to %s", table.rawHeaders[prev], raw, canonical)
		}
		columns[canonical] = idx
	}

	if len(forbidden) > 0 {
		return nil, domain.HeaderError("bulk uploads may not carry column(s) %s", quoteAll(forbidden)).
			WithDetail("forbidden", forbidden)
	}
	if len(unknown) > 0 {
		return nil, domain.HeaderError("unknown column(s) %s", quoteAll(unknown)).
			WithDetail("unknown", unknown)
	}
	for _, required := range requiredColumns {
		if _, ok := columns[required]; !ok {
			return nil, domain.HeaderError("missing required column %s", required)
		}
	}
	return columns, nil
}

func (c columnMap) cell(row []string, column string) string {
	idx, ok := c[column]
	if !ok || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

// convertRows validates every row and stops at the first rejection.
func convertRows(v *validator.Validate, table tableData, columns columnMap, now time.Time) ([]domain.IncomingRecord, error) {
	records := make([]domain.IncomingRecord, 0, len(table.rows))
	seen := make(map[string]int, len(table.rows))
	today := domain.NormalizeDate(now.UTC())

	for i, row := range table.rows {
		rowNumber := table.rowNumbers[i]
		input := rowInput{
			ExternalID:     columns.cell(row, colExternalID),
			FullName:       columns.cell(row, colFullName),
			TranslatedName: columns.cell(row, colTranslatedName),
			Gender:         strings.ToLower(columns.cell(row, colGender)),
			BirthDate:      columns.cell(row, colBirthDate),
		}

		if err := v.Struct(input); err != nil {
			return nil, rowValidationError(rowNumber, input, err)
		}

		if first, dup := seen[input.ExternalID]; dup {
			return nil, domain.RowError(rowNumber, "external_id %s already appears on row %d", input.ExternalID, first)
		}
		seen[input.ExternalID] = rowNumber

		gender, err := domain.ParseGender(input.Gender)
		if err != nil {
			return nil, domain.RowError(rowNumber, "gender: %v", err)
		}

		fields := domain.Fields{
			FullName:       input.FullName,
			TranslatedName: domain.StringPtr(input.TranslatedName),
			Gender:         gender,
		}
		if input.BirthDate != "" {
			birth, err := parseDate(input.BirthDate, table.dateSerials)
			if err != nil {
				return nil, domain.RowError(rowNumber, "birth_date: %v", err)
			}
			if birth.After(today) {
				return nil, domain.RowError(rowNumber, "birth_date %s is in the future", birth.Format("2006-01-02"))
			}
			fields.BirthDate = &birth
		}

		records = append(records, domain.IncomingRecord{
			RowNumber:  rowNumber,
			ExternalID: input.ExternalID,
			Fields:     fields,
		})
	}
	return records, nil
}

func rowValidationError(rowNumber int, input rowInput, err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) || len(validationErrs) == 0 {
		return domain.NewError(domain.KindValidation, err, "row %d: invalid row", rowNumber).WithDetail("row", rowNumber)
	}

	fe := validationErrs[0]
	value := fmt.Sprint(fe.Value())
	var msg *domain.Error
	switch fe.Tag() {
	case "required":
		msg = domain.RowError(rowNumber, "%s is required", fe.Field())
	case "max":
		msg = domain.RowError(rowNumber, "%s is %d characters, max %s", fe.Field(), utf8.RuneCountInString(value), fe.Param())
	case "externalid":
		msg = domain.RowError(rowNumber, "%s %q may only contain letters, digits, '.', '_' and '-'", fe.Field(), input.ExternalID)
	case "oneof":
		msg = domain.RowError(rowNumber, "%s %q is not one of male, female, other, unknown", fe.Field(), value)
	default:
		msg = domain.RowError(rowNumber, "%s failed %s validation", fe.Field(), fe.Tag())
	}
	return msg.WithDetail("column", fe.Field())
}

func quoteAll(values []string) string {
	sorted := append([]string(nil), values...)
	sort.Strings(sorted)
	quoted := make([]string, len(sorted))
	for i, v := range sorted {
		quoted[i] = fmt.Sprintf("%q", v)
	}
	return strings.Join(quoted, ", ")
}
