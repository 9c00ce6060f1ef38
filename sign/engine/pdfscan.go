package engine

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// pdfFile is a parsed view over a PDF byte slice: the merged
// cross-reference table across all revisions plus the newest trailer.
// Only classic xref tables are handled; documents using cross-reference
// streams are rejected with a StructuralError.
type pdfFile struct {
	data     []byte
	offsets  map[int]int64
	trailer  string
	rootNum  int
	maxObj   int
	lastXref int64
}

func parsePDF(data []byte) (*pdfFile, error) {
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return nil, &StructuralError{Msg: "missing PDF header"}
	}

	idx := bytes.LastIndex(data, []byte("startxref"))
	if idx < 0 {
		return nil, &StructuralError{Msg: "missing startxref"}
	}
	offset, err := readIntAfter(data, idx+len("startxref"))
	if err != nil {
		return nil, &StructuralError{Msg: "malformed startxref offset", Err: err}
	}

	p := &pdfFile{
		data:     data,
		offsets:  make(map[int]int64),
		rootNum:  -1,
		lastXref: offset,
	}

	// Walk the /Prev chain newest-first; the first entry seen for an
	// object number wins.
	seen := make(map[int64]bool)
	for offset >= 0 {
		if seen[offset] {
			return nil, &StructuralError{Msg: "cyclic xref chain"}
		}
		seen[offset] = true

		trailer, prev, err := p.parseXrefSection(offset)
		if err != nil {
			return nil, err
		}
		if p.trailer == "" {
			p.trailer = trailer
		}
		if p.rootNum < 0 {
			if root, ok := dictValue(trailer, "Root"); ok {
				if num, ok := parseRef(root); ok {
					p.rootNum = num
				}
			}
		}
		offset = prev
	}

	if p.rootNum < 0 {
		return nil, &StructuralError{Msg: "trailer has no document catalog"}
	}
	for num := range p.offsets {
		if num > p.maxObj {
			p.maxObj = num
		}
	}
	return p, nil
}

// parseXrefSection reads one classic xref table and its trailer,
// returning the trailer dictionary body and the /Prev offset (-1 when
// the chain ends).
func (p *pdfFile) parseXrefSection(offset int64) (string, int64, error) {
	if offset < 0 || offset >= int64(len(p.data)) {
		return "", 0, &StructuralError{Msg: fmt.Sprintf("xref offset %d out of bounds", offset)}
	}
	pos := skipSpace(p.data, int(offset))
	if !bytes.HasPrefix(p.data[pos:], []byte("xref")) {
		return "", 0, &StructuralError{Msg: "cross-reference streams are not supported"}
	}
	pos = skipSpace(p.data, pos+4)

	for !bytes.HasPrefix(p.data[pos:], []byte("trailer")) {
		start, n, err := readInt(p.data, pos)
		if err != nil {
			return "", 0, &StructuralError{Msg: "malformed xref subsection header", Err: err}
		}
		pos = skipSpace(p.data, n)
		count, n, err := readInt(p.data, pos)
		if err != nil {
			return "", 0, &StructuralError{Msg: "malformed xref subsection header", Err: err}
		}
		pos = skipSpace(p.data, n)

		for i := 0; i < count; i++ {
			if pos+18 > len(p.data) {
				return "", 0, &StructuralError{Msg: "truncated xref entry"}
			}
			entry := string(p.data[pos : pos+18])
			objOffset, err1 := strconv.ParseInt(strings.TrimLeft(entry[0:10], "0 "), 10, 64)
			if entry[0:10] == "0000000000" {
				objOffset, err1 = 0, nil
			}
			kind := entry[17]
			if err1 != nil {
				return "", 0, &StructuralError{Msg: "malformed xref entry"}
			}
			num := start + i
			if kind == 'n' {
				if _, exists := p.offsets[num]; !exists {
					p.offsets[num] = objOffset
				}
			}
			// Entries are 20 bytes but some writers end them with a
			// single byte of line terminator.
			pos = skipSpace(p.data, pos+18)
		}
	}
	pos = skipSpace(p.data, pos+len("trailer"))

	trailer, _, err := dictAt(p.data, pos)
	if err != nil {
		return "", 0, &StructuralError{Msg: "malformed trailer dictionary", Err: err}
	}

	prev := int64(-1)
	if v, ok := dictValue(trailer, "Prev"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return "", 0, &StructuralError{Msg: "malformed /Prev offset", Err: err}
		}
		prev = n
	}
	return trailer, prev, nil
}

// object returns the raw body of the numbered object, the bytes between
// "N G obj" and "endobj".
func (p *pdfFile) object(num int) (string, error) {
	offset, ok := p.offsets[num]
	if !ok {
		return "", &StructuralError{Msg: fmt.Sprintf("object %d not in xref", num)}
	}
	if offset < 0 || offset >= int64(len(p.data)) {
		return "", &StructuralError{Msg: fmt.Sprintf("object %d offset out of bounds", num)}
	}

	pos := skipSpace(p.data, int(offset))
	gotNum, n, err := readInt(p.data, pos)
	if err != nil || gotNum != num {
		return "", &StructuralError{Msg: fmt.Sprintf("object %d not found at recorded offset", num)}
	}
	pos = skipSpace(p.data, n)
	_, n, err = readInt(p.data, pos) // generation
	if err != nil {
		return "", &StructuralError{Msg: fmt.Sprintf("object %d header malformed", num)}
	}
	pos = skipSpace(p.data, n)
	if !bytes.HasPrefix(p.data[pos:], []byte("obj")) {
		return "", &StructuralError{Msg: fmt.Sprintf("object %d header malformed", num)}
	}
	pos += 3

	end := bytes.Index(p.data[pos:], []byte("endobj"))
	if end < 0 {
		return "", &StructuralError{Msg: fmt.Sprintf("object %d has no endobj", num)}
	}
	return strings.TrimSpace(string(p.data[pos : pos+end])), nil
}

// dict returns the top-level dictionary body of the numbered object.
func (p *pdfFile) dict(num int) (string, error) {
	body, err := p.object(num)
	if err != nil {
		return "", err
	}
	inner, _, err := dictAt([]byte(body), 0)
	if err != nil {
		return "", &StructuralError{Msg: fmt.Sprintf("object %d is not a dictionary", num), Err: err}
	}
	return inner, nil
}

// resolve follows an indirect reference, or returns the value itself
// when it is direct.
func (p *pdfFile) resolve(val string) (string, error) {
	if num, ok := parseRef(val); ok {
		return p.object(num)
	}
	return val, nil
}

// resolveDict resolves a value that must be a dictionary and returns
// its inner body.
func (p *pdfFile) resolveDict(val string) (string, error) {
	body, err := p.resolve(val)
	if err != nil {
		return "", err
	}
	inner, _, err := dictAt([]byte(body), 0)
	if err != nil {
		return "", &StructuralError{Msg: "expected dictionary value", Err: err}
	}
	return inner, nil
}

// arrayElements splits a raw PDF array value into its top-level
// elements.
func arrayElements(val string) []string {
	val = strings.TrimSpace(val)
	if !strings.HasPrefix(val, "[") || !strings.HasSuffix(val, "]") {
		return nil
	}
	data := []byte(val[1 : len(val)-1])
	var elems []string
	i := 0
	for i < len(data) {
		i = skipSpace(data, i)
		if i >= len(data) {
			break
		}
		end := skipObject(data, i)
		elems = append(elems, strings.TrimSpace(string(data[i:end])))
		i = end
	}
	return elems
}

func skipSpace(data []byte, pos int) int {
	for pos < len(data) {
		switch data[pos] {
		case ' ', '\t', '\r', '\n', '\f', 0:
			pos++
		case '%':
			for pos < len(data) && data[pos] != '\n' && data[pos] != '\r' {
				pos++
			}
		default:
			return pos
		}
	}
	return pos
}

func readInt(data []byte, pos int) (int, int, error) {
	start := pos
	for pos < len(data) && data[pos] >= '0' && data[pos] <= '9' {
		pos++
	}
	if pos == start {
		return 0, pos, fmt.Errorf("expected integer at offset %d", start)
	}
	n, err := strconv.Atoi(string(data[start:pos]))
	return n, pos, err
}

func readIntAfter(data []byte, pos int) (int64, error) {
	pos = skipSpace(data, pos)
	n, _, err := readInt(data, pos)
	return int64(n), err
}

// dictAt extracts the inner body of a << >> dictionary starting at or
// after pos, honoring nested dictionaries, arrays, strings and hex
// strings. It returns the body and the offset just past the closing >>.
func dictAt(data []byte, pos int) (string, int, error) {
	pos = skipSpace(data, pos)
	if pos+1 >= len(data) || data[pos] != '<' || data[pos+1] != '<' {
		return "", pos, fmt.Errorf("expected dictionary at offset %d", pos)
	}
	start := pos + 2
	depth := 1
	i := start
	for i < len(data) {
		switch {
		case data[i] == '<' && i+1 < len(data) && data[i+1] == '<':
			depth++
			i += 2
		case data[i] == '>' && i+1 < len(data) && data[i+1] == '>':
			depth--
			if depth == 0 {
				return string(data[start:i]), i + 2, nil
			}
			i += 2
		case data[i] == '(':
			i = skipLiteralString(data, i)
		case data[i] == '<':
			i = skipHexString(data, i)
		default:
			i++
		}
	}
	return "", i, fmt.Errorf("unterminated dictionary")
}

func skipLiteralString(data []byte, pos int) int {
	depth := 0
	for pos < len(data) {
		switch data[pos] {
		case '\\':
			pos += 2
			continue
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return pos + 1
			}
		}
		pos++
	}
	return pos
}

func skipHexString(data []byte, pos int) int {
	for pos < len(data) && data[pos] != '>' {
		pos++
	}
	return pos + 1
}

// dictValue extracts the raw value for a top-level key in a dictionary
// body. Nested structures inside the value are kept verbatim.
func dictValue(body, key string) (string, bool) {
	data := []byte(body)
	i := 0
	for i < len(data) {
		i = skipSpace(data, i)
		if i >= len(data) {
			break
		}
		if data[i] != '/' {
			// Stray token at top level, skip one object.
			i = skipObject(data, i)
			continue
		}
		name, next := readName(data, i)
		valStart := skipSpace(data, next)
		valEnd := skipObject(data, valStart)
		if name == key {
			return strings.TrimSpace(string(data[valStart:valEnd])), true
		}
		i = valEnd
	}
	return "", false
}

// dictSet returns the body with key set to value, replacing an existing
// entry or appending a new one.
func dictSet(body, key, value string) string {
	data := []byte(body)
	i := 0
	for i < len(data) {
		i = skipSpace(data, i)
		if i >= len(data) {
			break
		}
		if data[i] != '/' {
			i = skipObject(data, i)
			continue
		}
		name, next := readName(data, i)
		valStart := skipSpace(data, next)
		valEnd := skipObject(data, valStart)
		if name == key {
			return body[:valStart] + value + body[valEnd:]
		}
		i = valEnd
	}
	return strings.TrimSpace(body) + " /" + key + " " + value
}

func readName(data []byte, pos int) (string, int) {
	pos++ // leading slash
	start := pos
	for pos < len(data) && !isDelimiter(data[pos]) {
		pos++
	}
	return string(data[start:pos]), pos
}

func isDelimiter(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\f', 0, '/', '<', '>', '[', ']', '(', ')', '%':
		return true
	}
	return false
}

// skipObject advances past one PDF object: dictionary, array, string,
// hex string, name, number, reference or keyword. A reference "N G R"
// is consumed as a unit.
func skipObject(data []byte, pos int) int {
	pos = skipSpace(data, pos)
	if pos >= len(data) {
		return pos
	}
	switch {
	case data[pos] == '<' && pos+1 < len(data) && data[pos+1] == '<':
		_, end, err := dictAt(data, pos)
		if err != nil {
			return len(data)
		}
		return end
	case data[pos] == '<':
		return skipHexString(data, pos)
	case data[pos] == '(':
		return skipLiteralString(data, pos)
	case data[pos] == '[':
		depth := 0
		for pos < len(data) {
			switch data[pos] {
			case '[':
				depth++
				pos++
			case ']':
				depth--
				pos++
				if depth == 0 {
					return pos
				}
			case '(':
				pos = skipLiteralString(data, pos)
			case '<':
				if pos+1 < len(data) && data[pos+1] == '<' {
					_, end, err := dictAt(data, pos)
					if err != nil {
						return len(data)
					}
					pos = end
				} else {
					pos = skipHexString(data, pos)
				}
			default:
				pos++
			}
		}
		return pos
	case data[pos] == '/':
		_, end := readName(data, pos)
		return end
	case data[pos] >= '0' && data[pos] <= '9' || data[pos] == '+' || data[pos] == '-' || data[pos] == '.':
		end := pos
		for end < len(data) && !isDelimiter(data[end]) {
			end++
		}
		// Lookahead for an indirect reference: integer integer R.
		if rest := skipSpace(data, end); rest < len(data) && data[rest] >= '0' && data[rest] <= '9' {
			_, genEnd, err := readInt(data, rest)
			if err == nil {
				rEnd := skipSpace(data, genEnd)
				if rEnd < len(data) && data[rEnd] == 'R' && (rEnd+1 >= len(data) || isDelimiter(data[rEnd+1])) {
					return rEnd + 1
				}
			}
		}
		return end
	default:
		end := pos
		for end < len(data) && !isDelimiter(data[end]) {
			end++
		}
		if end == pos {
			return pos + 1
		}
		return end
	}
}

// parseRef matches an indirect reference "N G R" and returns the object
// number.
func parseRef(val string) (int, bool) {
	fields := strings.Fields(strings.TrimSpace(val))
	if len(fields) != 3 || fields[2] != "R" {
		return 0, false
	}
	num, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, false
	}
	if _, err := strconv.Atoi(fields[1]); err != nil {
		return 0, false
	}
	return num, true
}

// parseByteRange parses a "[a b c d]" array of four integers.
func parseByteRange(val string) ([4]int64, error) {
	var br [4]int64
	val = strings.TrimSpace(val)
	if !strings.HasPrefix(val, "[") || !strings.HasSuffix(val, "]") {
		return br, fmt.Errorf("byte range is not an array")
	}
	fields := strings.Fields(val[1 : len(val)-1])
	if len(fields) != 4 {
		return br, fmt.Errorf("byte range has %d elements, want 4", len(fields))
	}
	for i, f := range fields {
		n, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return br, fmt.Errorf("byte range element %d: %w", i, err)
		}
		br[i] = n
	}
	return br, nil
}

// appendToArray inserts an element before the closing bracket of a raw
// PDF array value.
func appendToArray(arrayVal, element string) string {
	arrayVal = strings.TrimSpace(arrayVal)
	if !strings.HasPrefix(arrayVal, "[") || !strings.HasSuffix(arrayVal, "]") {
		return "[" + element + "]"
	}
	inner := strings.TrimSpace(arrayVal[1 : len(arrayVal)-1])
	if inner == "" {
		return "[" + element + "]"
	}
	return "[" + inner + " " + element + "]"
}
