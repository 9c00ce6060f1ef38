// Package mrz encodes and decodes ICAO 9303 Machine Readable Zones.
package mrz

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Filler is the only padding character permitted in an MRZ.
const Filler = '<'

// Format identifies one of the three ICAO 9303 document layouts.
type Format string

const (
	// TD1 is the ID-card layout: three lines of 30 characters.
	TD1 Format = "TD1"
	// TD2 is the visa-sized layout: two lines of 36 characters.
	TD2 Format = "TD2"
	// TD3 is the passport layout: two lines of 44 characters.
	TD3 Format = "TD3"
)

// LineWidth returns the fixed line width for the format.
func (f Format) LineWidth() int {
	switch f {
	case TD1:
		return 30
	case TD2:
		return 36
	default:
		return 44
	}
}

// LineCount returns the number of lines for the format.
func (f Format) LineCount() int {
	if f == TD1 {
		return 3
	}
	return 2
}

// Common errors
var (
	ErrMissingField  = errors.New("required field is missing")
	ErrUnknownFormat = errors.New("unknown MRZ format")
)

// FormatError indicates a descriptor that cannot be encoded.
type FormatError struct {
	Field   string
	Message string
}

func (e *FormatError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("mrz format error in field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("mrz format error: %s", e.Message)
}

// NewFormatError creates a new FormatError.
func NewFormatError(field, message string) *FormatError {
	return &FormatError{Field: field, Message: message}
}

// ParseError indicates MRZ lines that cannot be decoded.
type ParseError struct {
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("mrz parse error on line %d: %s", e.Line, e.Message)
	}
	return fmt.Sprintf("mrz parse error: %s", e.Message)
}

// NewParseError creates a new ParseError.
func NewParseError(line int, message string) *ParseError {
	return &ParseError{Line: line, Message: message}
}

// Descriptor holds the identity fields that feed an MRZ.
type Descriptor struct {
	Format           Format
	DocumentTypeCode string // e.g. "P", "ID", "AC"
	IssuingState     string // 3-letter code
	Surname          string
	GivenNames       string
	DocumentNumber   string
	Nationality      string // 3-letter code
	DateOfBirth      string // YYMMDD
	Sex              string // M, F or X
	DateOfExpiry     string // YYMMDD
	PersonalNumber   string // TD3 only
	OptionalData     string // TD1/TD2 optional field
	OptionalData2    string // TD1 second optional field
}

// Lines is an ordered sequence of fixed-width MRZ lines.
type Lines []string

// checkWeights cycle over every field character, fillers included.
var checkWeights = [3]int{7, 3, 1}

// CheckDigit computes the ICAO 9303 check digit for a field.
// Digits map to themselves, letters to 10..35, the filler to zero.
// Fillers participate in the weighted sum; skipping them is a
// known interoperability bug in other implementations.
func CheckDigit(field string) int {
	sum := 0
	for i := 0; i < len(field); i++ {
		sum += charValue(field[i]) * checkWeights[i%3]
	}
	return sum % 10
}

func charValue(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'Z':
		return int(c-'A') + 10
	default:
		return 0
	}
}

// mrzTransliterator strips diacritics so national characters collapse to
// their base letter before charset filtering (É -> E, Ø stays Ø and is
// dropped later).
var mrzTransliterator = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize uppercases, transliterates and restricts a value to the MRZ
// charset [A-Z0-9<], with spaces and hyphens becoming fillers.
func Normalize(s string) string {
	out, _, err := transform.String(mrzTransliterator, s)
	if err != nil {
		out = s
	}
	out = strings.ToUpper(out)

	var b strings.Builder
	b.Grow(len(out))
	for _, r := range out {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == rune(Filler):
			b.WriteRune(r)
		case r == ' ', r == '-', r == '\'':
			b.WriteByte(Filler)
		}
	}
	return b.String()
}

// padField pads or truncates a normalized value to width using fillers.
func padField(s string, width int) string {
	if len(s) >= width {
		return s[:width]
	}
	return s + strings.Repeat(string(Filler), width-len(s))
}

// nameField builds the ICAO name field: SURNAME<<GIVEN<NAMES.
func nameField(surname, givenNames string, width int) string {
	s := Normalize(surname)
	g := Normalize(givenNames)
	name := s
	if g != "" {
		name = s + "<<" + g
	}
	return padField(name, width)
}

// sexCode maps the descriptor sex to its MRZ encoding. X (unspecified)
// is written as the filler per ICAO 9303 part 3.
func sexCode(sex string) (string, error) {
	switch sex {
	case "M", "F":
		return sex, nil
	case "X", "", "<":
		return string(Filler), nil
	default:
		return "", NewFormatError("sex", fmt.Sprintf("invalid sex code %q", sex))
	}
}

// Encode renders the descriptor as fixed-width MRZ lines.
func Encode(d Descriptor) (Lines, error) {
	if err := d.checkRequired(); err != nil {
		return nil, err
	}

	switch d.Format {
	case TD1:
		return encodeTD1(d)
	case TD2:
		return encodeTD2(d)
	case TD3:
		return encodeTD3(d)
	default:
		return nil, NewFormatError("format", fmt.Sprintf("unknown format %q", d.Format))
	}
}

func (d Descriptor) checkRequired() error {
	required := []struct {
		name  string
		value string
	}{
		{"documentTypeCode", d.DocumentTypeCode},
		{"issuingState", d.IssuingState},
		{"surname", d.Surname},
		{"documentNumber", d.DocumentNumber},
		{"nationality", d.Nationality},
		{"dateOfBirth", d.DateOfBirth},
		{"dateOfExpiry", d.DateOfExpiry},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return NewFormatError(f.name, "required field is missing")
		}
	}
	if len(d.IssuingState) != 3 {
		return NewFormatError("issuingState", "must be a 3-letter code")
	}
	if len(d.Nationality) != 3 {
		return NewFormatError("nationality", "must be a 3-letter code")
	}
	if err := checkDate("dateOfBirth", d.DateOfBirth); err != nil {
		return err
	}
	return checkDate("dateOfExpiry", d.DateOfExpiry)
}

func checkDate(field, value string) error {
	if len(value) != 6 {
		return NewFormatError(field, "must be 6 digits (YYMMDD)")
	}
	for i := 0; i < len(value); i++ {
		if value[i] < '0' || value[i] > '9' {
			return NewFormatError(field, "must be 6 digits (YYMMDD)")
		}
	}
	return nil
}

func encodeTD1(d Descriptor) (Lines, error) {
	sex, err := sexCode(d.Sex)
	if err != nil {
		return nil, err
	}

	docNum := padField(Normalize(d.DocumentNumber), 9)
	optional1 := padField(Normalize(d.OptionalData), 15)
	optional2 := padField(Normalize(d.OptionalData2), 11)

	line1 := padField(Normalize(d.DocumentTypeCode), 2) +
		padField(Normalize(d.IssuingState), 3) +
		docNum +
		fmt.Sprintf("%d", CheckDigit(docNum)) +
		optional1

	dob := d.DateOfBirth
	doe := d.DateOfExpiry
	line2 := dob + fmt.Sprintf("%d", CheckDigit(dob)) +
		sex +
		doe + fmt.Sprintf("%d", CheckDigit(doe)) +
		padField(Normalize(d.Nationality), 3) +
		optional2

	// Composite spans docnum+CD+optional1 from line 1 plus dob+CD, doe+CD
	// and optional2 from line 2, fillers included.
	composite := line1[5:30] + line2[0:7] + line2[8:15] + line2[18:29]
	line2 += fmt.Sprintf("%d", CheckDigit(composite))

	line3 := nameField(d.Surname, d.GivenNames, 30)

	return Lines{line1, line2, line3}, nil
}

func encodeTD2(d Descriptor) (Lines, error) {
	sex, err := sexCode(d.Sex)
	if err != nil {
		return nil, err
	}

	line1 := padField(Normalize(d.DocumentTypeCode), 2) +
		padField(Normalize(d.IssuingState), 3) +
		nameField(d.Surname, d.GivenNames, 31)

	docNum := padField(Normalize(d.DocumentNumber), 9)
	optional := padField(Normalize(d.OptionalData), 7)
	dob := d.DateOfBirth
	doe := d.DateOfExpiry

	line2 := docNum + fmt.Sprintf("%d", CheckDigit(docNum)) +
		padField(Normalize(d.Nationality), 3) +
		dob + fmt.Sprintf("%d", CheckDigit(dob)) +
		sex +
		doe + fmt.Sprintf("%d", CheckDigit(doe)) +
		optional

	composite := line2[0:10] + line2[13:20] + line2[21:28] + line2[28:35]
	line2 += fmt.Sprintf("%d", CheckDigit(composite))

	return Lines{line1, line2}, nil
}

func encodeTD3(d Descriptor) (Lines, error) {
	sex, err := sexCode(d.Sex)
	if err != nil {
		return nil, err
	}

	docType := Normalize(d.DocumentTypeCode)
	if docType == "" || docType[0] != 'P' {
		docType = "P"
	}
	line1 := padField(docType, 2) +
		padField(Normalize(d.IssuingState), 3) +
		nameField(d.Surname, d.GivenNames, 39)

	docNum := padField(Normalize(d.DocumentNumber), 9)
	personal := padField(Normalize(d.PersonalNumber), 14)
	dob := d.DateOfBirth
	doe := d.DateOfExpiry

	line2 := docNum + fmt.Sprintf("%d", CheckDigit(docNum)) +
		padField(Normalize(d.Nationality), 3) +
		dob + fmt.Sprintf("%d", CheckDigit(dob)) +
		sex +
		doe + fmt.Sprintf("%d", CheckDigit(doe)) +
		personal + fmt.Sprintf("%d", CheckDigit(personal))

	composite := line2[0:10] + line2[13:20] + line2[21:28] + line2[28:43]
	line2 += fmt.Sprintf("%d", CheckDigit(composite))

	return Lines{line1, line2}, nil
}
