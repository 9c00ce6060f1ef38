package mrz

import (
	"fmt"
	"strings"
)

// stripFillers removes trailing and leading fillers from a raw field.
func stripFillers(s string) string {
	return strings.Trim(s, string(Filler))
}

// decodeSex maps the MRZ sex character back to the descriptor code.
func decodeSex(c byte) string {
	switch c {
	case 'M', 'F':
		return string(c)
	default:
		return "X"
	}
}

// splitName splits an MRZ name field into surname and given names.
func splitName(field string) (surname, given string) {
	field = stripFillers(field)
	parts := strings.SplitN(field, "<<", 2)
	surname = strings.ReplaceAll(parts[0], string(Filler), " ")
	if len(parts) == 2 {
		given = strings.ReplaceAll(stripFillers(parts[1]), string(Filler), " ")
	}
	return surname, given
}

// verifyDigit recomputes a check digit and reports a mismatch.
// Mismatches are reported, never corrected.
func verifyDigit(line int, field, name string, got byte) error {
	want := byte('0' + CheckDigit(field))
	if got == Filler && stripFillers(field) == "" {
		// An all-filler field may carry a filler in place of its digit.
		return nil
	}
	if got != want {
		return NewParseError(line, fmt.Sprintf("%s check digit mismatch: have %c, computed %c", name, got, want))
	}
	return nil
}

// Decode parses fixed-width MRZ lines back into a partial descriptor,
// verifying every embedded check digit.
func Decode(lines []string, format Format) (*Descriptor, error) {
	if len(lines) != format.LineCount() {
		return nil, NewParseError(0, fmt.Sprintf("%s requires %d lines, have %d", format, format.LineCount(), len(lines)))
	}
	width := format.LineWidth()
	for i, line := range lines {
		if len(line) != width {
			return nil, NewParseError(i+1, fmt.Sprintf("line length %d, want %d", len(line), width))
		}
	}

	switch format {
	case TD1:
		return decodeTD1(lines)
	case TD2:
		return decodeTD2(lines)
	case TD3:
		return decodeTD3(lines)
	default:
		return nil, NewParseError(0, fmt.Sprintf("unknown format %q", format))
	}
}

func decodeTD1(lines []string) (*Descriptor, error) {
	l1, l2, l3 := lines[0], lines[1], lines[2]

	if err := verifyDigit(1, l1[5:14], "document number", l1[14]); err != nil {
		return nil, err
	}
	if err := verifyDigit(2, l2[0:6], "date of birth", l2[6]); err != nil {
		return nil, err
	}
	if err := verifyDigit(2, l2[8:14], "date of expiry", l2[14]); err != nil {
		return nil, err
	}
	composite := l1[5:30] + l2[0:7] + l2[8:15] + l2[18:29]
	if err := verifyDigit(2, composite, "composite", l2[29]); err != nil {
		return nil, err
	}

	surname, given := splitName(l3)
	return &Descriptor{
		Format:           TD1,
		DocumentTypeCode: stripFillers(l1[0:2]),
		IssuingState:     stripFillers(l1[2:5]),
		DocumentNumber:   stripFillers(l1[5:14]),
		OptionalData:     stripFillers(l1[15:30]),
		DateOfBirth:      l2[0:6],
		Sex:              decodeSex(l2[7]),
		DateOfExpiry:     l2[8:14],
		Nationality:      stripFillers(l2[15:18]),
		OptionalData2:    stripFillers(l2[18:29]),
		Surname:          surname,
		GivenNames:       given,
	}, nil
}

func decodeTD2(lines []string) (*Descriptor, error) {
	l1, l2 := lines[0], lines[1]

	if err := verifyDigit(2, l2[0:9], "document number", l2[9]); err != nil {
		return nil, err
	}
	if err := verifyDigit(2, l2[13:19], "date of birth", l2[19]); err != nil {
		return nil, err
	}
	if err := verifyDigit(2, l2[21:27], "date of expiry", l2[27]); err != nil {
		return nil, err
	}
	composite := l2[0:10] + l2[13:20] + l2[21:28] + l2[28:35]
	if err := verifyDigit(2, composite, "composite", l2[35]); err != nil {
		return nil, err
	}

	surname, given := splitName(l1[5:36])
	return &Descriptor{
		Format:           TD2,
		DocumentTypeCode: stripFillers(l1[0:2]),
		IssuingState:     stripFillers(l1[2:5]),
		Surname:          surname,
		GivenNames:       given,
		DocumentNumber:   stripFillers(l2[0:9]),
		Nationality:      stripFillers(l2[10:13]),
		DateOfBirth:      l2[13:19],
		Sex:              decodeSex(l2[20]),
		DateOfExpiry:     l2[21:27],
		OptionalData:     stripFillers(l2[28:35]),
	}, nil
}

func decodeTD3(lines []string) (*Descriptor, error) {
	l1, l2 := lines[0], lines[1]

	if err := verifyDigit(2, l2[0:9], "document number", l2[9]); err != nil {
		return nil, err
	}
	if err := verifyDigit(2, l2[13:19], "date of birth", l2[19]); err != nil {
		return nil, err
	}
	if err := verifyDigit(2, l2[21:27], "date of expiry", l2[27]); err != nil {
		return nil, err
	}
	if err := verifyDigit(2, l2[28:42], "personal number", l2[42]); err != nil {
		return nil, err
	}
	composite := l2[0:10] + l2[13:20] + l2[21:28] + l2[28:43]
	if err := verifyDigit(2, composite, "composite", l2[43]); err != nil {
		return nil, err
	}

	surname, given := splitName(l1[5:44])
	return &Descriptor{
		Format:           TD3,
		DocumentTypeCode: stripFillers(l1[0:2]),
		IssuingState:     stripFillers(l1[2:5]),
		Surname:          surname,
		GivenNames:       given,
		DocumentNumber:   stripFillers(l2[0:9]),
		Nationality:      stripFillers(l2[10:13]),
		DateOfBirth:      l2[13:19],
		Sex:              decodeSex(l2[20]),
		DateOfExpiry:     l2[21:27],
		PersonalNumber:   stripFillers(l2[28:42]),
	}, nil
}
