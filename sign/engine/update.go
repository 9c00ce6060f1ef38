package engine

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// revisionOptions configures one appended signature revision.
type revisionOptions struct {
	fieldName    string
	reserved     int
	docTimestamp bool
	signingTime  time.Time
	name         string
	location     string
	reason       string
	contact      string
}

// revision is a document with a signature placeholder appended and the
// ByteRange already patched. signedContent returns the covered bytes;
// fill writes the DER payload into the reserved Contents region.
type revision struct {
	out           []byte
	contentsStart int64 // offset of '<'
	contentsEnd   int64 // offset past '>'
}

func (r *revision) signedContent() []byte {
	content := make([]byte, 0, int64(len(r.out))-(r.contentsEnd-r.contentsStart))
	content = append(content, r.out[:r.contentsStart]...)
	content = append(content, r.out[r.contentsEnd:]...)
	return content
}

func (r *revision) byteRange() [4]int64 {
	return [4]int64{0, r.contentsStart, r.contentsEnd, int64(len(r.out)) - r.contentsEnd}
}

// fill writes the payload into the reserved region. The placeholder is
// zero-padded hex, so a payload smaller than the reservation leaves
// trailing zero bytes that DER parsers ignore.
func (r *revision) fill(payload []byte) ([]byte, error) {
	reserved := int(r.contentsEnd-r.contentsStart-2) / 2
	if len(payload) > reserved {
		return nil, &StructuralError{Msg: fmt.Sprintf(
			"signature payload of %d bytes exceeds the %d byte reservation", len(payload), reserved)}
	}
	encoded := strings.ToUpper(hex.EncodeToString(payload))
	copy(r.out[r.contentsStart+1:], encoded)
	return r.out, nil
}

// buildSignatureRevision appends an incremental update to the document:
// a signature dictionary with ByteRange and Contents placeholders, a
// widget field referencing it, the catalog superseded with the field
// added to its AcroForm, and the page superseded with the widget
// annotation. The ByteRange values are patched in before returning.
func buildSignatureRevision(pdfData []byte, opts revisionOptions) (*revision, error) {
	p, err := parsePDF(pdfData)
	if err != nil {
		return nil, err
	}

	catalog, err := p.dict(p.rootNum)
	if err != nil {
		return nil, err
	}

	pageNum, pageDict, err := firstPage(p, catalog)
	if err != nil {
		return nil, err
	}

	sigNum := p.maxObj + 1
	fieldNum := p.maxObj + 2

	var buf bytes.Buffer
	buf.Write(pdfData)
	if pdfData[len(pdfData)-1] != '\n' {
		buf.WriteByte('\n')
	}

	written := make(map[int]int64)

	// Signature dictionary. The ByteRange integers are fixed-width so
	// patching the real offsets never shifts the file.
	written[sigNum] = int64(buf.Len())
	fmt.Fprintf(&buf, "%d 0 obj\n<< ", sigNum)
	if opts.docTimestamp {
		buf.WriteString("/Type /DocTimeStamp /Filter /Adobe.PPKLite /SubFilter /ETSI.RFC3161\n")
	} else {
		buf.WriteString("/Type /Sig /Filter /Adobe.PPKLite /SubFilter /ETSI.CAdES.detached\n")
		fmt.Fprintf(&buf, "/M (%s)\n", pdfDate(opts.signingTime))
		for _, entry := range [...][2]string{
			{"Name", opts.name}, {"Location", opts.location},
			{"Reason", opts.reason}, {"ContactInfo", opts.contact},
		} {
			if entry[1] != "" {
				fmt.Fprintf(&buf, "/%s (%s)\n", entry[0], escapeLiteral(entry[1]))
			}
		}
	}
	byteRangeOff := int64(buf.Len()) + int64(len("/ByteRange "))
	fmt.Fprintf(&buf, "/ByteRange [%010d %010d %010d %010d]\n", 0, 0, 0, 0)
	buf.WriteString("/Contents <")
	contentsStart := int64(buf.Len()) - 1
	buf.WriteString(strings.Repeat("0", opts.reserved*2))
	buf.WriteString("> >>\nendobj\n")
	contentsEnd := contentsStart + 2 + int64(opts.reserved*2)

	// Widget field joining the signature to the page and form.
	written[fieldNum] = int64(buf.Len())
	fmt.Fprintf(&buf,
		"%d 0 obj\n<< /Type /Annot /Subtype /Widget /FT /Sig /Rect [0 0 0 0] /F 132 /T (%s) /V %d 0 R /P %d 0 R >>\nendobj\n",
		fieldNum, escapeLiteral(opts.fieldName), sigNum, pageNum)

	// Catalog superseded with the field appended to the AcroForm.
	fieldRef := fmt.Sprintf("%d 0 R", fieldNum)
	newCatalog := withFormField(catalog, fieldRef)
	written[p.rootNum] = int64(buf.Len())
	fmt.Fprintf(&buf, "%d 0 obj\n<< %s >>\nendobj\n", p.rootNum, newCatalog)

	// Page superseded with the widget annotation.
	annots := "[" + fieldRef + "]"
	if existing, ok := dictValue(pageDict, "Annots"); ok {
		resolved, err := p.resolve(existing)
		if err != nil {
			return nil, err
		}
		annots = appendToArray(resolved, fieldRef)
	}
	written[pageNum] = int64(buf.Len())
	fmt.Fprintf(&buf, "%d 0 obj\n<< %s >>\nendobj\n", pageNum, dictSet(pageDict, "Annots", annots))

	writeXref(&buf, written, fieldNum+1, p)

	out := buf.Bytes()
	rev := &revision{out: out, contentsStart: contentsStart, contentsEnd: contentsEnd}
	br := rev.byteRange()
	patch := fmt.Sprintf("[%010d %010d %010d %010d]", br[0], br[1], br[2], br[3])
	copy(out[byteRangeOff:], patch)
	return rev, nil
}

// firstPage resolves the first page object of the document.
func firstPage(p *pdfFile, catalog string) (int, string, error) {
	pagesVal, ok := dictValue(catalog, "Pages")
	if !ok {
		return 0, "", &StructuralError{Msg: "catalog has no page tree"}
	}
	pagesNum, ok := parseRef(pagesVal)
	if !ok {
		return 0, "", &StructuralError{Msg: "page tree is not an indirect reference"}
	}
	pages, err := p.dict(pagesNum)
	if err != nil {
		return 0, "", err
	}
	kids, ok := dictValue(pages, "Kids")
	if !ok {
		return 0, "", &StructuralError{Msg: "page tree has no kids"}
	}
	kids = strings.TrimSpace(kids)
	if !strings.HasPrefix(kids, "[") {
		return 0, "", &StructuralError{Msg: "page tree kids is not an array"}
	}
	inner := strings.TrimSpace(kids[1:])
	end := strings.Index(inner, "R")
	if end < 0 {
		return 0, "", &StructuralError{Msg: "page tree kids is empty"}
	}
	pageNum, ok := parseRef(inner[:end+1])
	if !ok {
		return 0, "", &StructuralError{Msg: "page reference malformed"}
	}
	pageDict, err := p.dict(pageNum)
	if err != nil {
		return 0, "", err
	}
	return pageNum, pageDict, nil
}

// withFormField returns the catalog body with the field reference added
// to the AcroForm Fields array, creating the form when absent. Only
// inline AcroForm dictionaries are produced, so revisions this writer
// appended can be extended again.
func withFormField(catalog, fieldRef string) string {
	form, ok := dictValue(catalog, "AcroForm")
	if !ok {
		return dictSet(catalog, "AcroForm",
			fmt.Sprintf("<< /Fields [%s] /SigFlags 3 >>", fieldRef))
	}

	form = strings.TrimSpace(form)
	if strings.HasPrefix(form, "<<") {
		body := strings.TrimSuffix(strings.TrimPrefix(form, "<<"), ">>")
		fields := "[" + fieldRef + "]"
		if existing, ok := dictValue(body, "Fields"); ok {
			fields = appendToArray(existing, fieldRef)
		}
		body = dictSet(body, "Fields", fields)
		body = dictSet(body, "SigFlags", "3")
		return dictSet(catalog, "AcroForm", "<< "+strings.TrimSpace(body)+" >>")
	}

	// Indirect AcroForm from a foreign producer: replace it with an
	// inline form holding our field. Prior fields stay resolvable in
	// earlier revisions.
	return dictSet(catalog, "AcroForm",
		fmt.Sprintf("<< /Fields [%s] /SigFlags 3 >>", fieldRef))
}

// writeXref appends the cross-reference section and trailer for the
// revision's objects.
func writeXref(buf *bytes.Buffer, written map[int]int64, size int, p *pdfFile) {
	nums := make([]int, 0, len(written))
	for n := range written {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	xrefStart := int64(buf.Len())
	buf.WriteString("xref\n")
	for i := 0; i < len(nums); {
		j := i
		for j+1 < len(nums) && nums[j+1] == nums[j]+1 {
			j++
		}
		fmt.Fprintf(buf, "%d %d\n", nums[i], j-i+1)
		for k := i; k <= j; k++ {
			fmt.Fprintf(buf, "%010d %05d n \n", written[nums[k]], 0)
		}
		i = j + 1
	}
	fmt.Fprintf(buf, "trailer\n<< /Size %d /Root %d 0 R /Prev %d >>\nstartxref\n%d\n%%%%EOF\n",
		size, p.rootNum, p.lastXref, xrefStart)
}

// pdfDate renders a time in PDF date string form.
func pdfDate(t time.Time) string {
	return t.UTC().Format("D:20060102150405Z")
}

func escapeLiteral(s string) string {
	r := strings.NewReplacer("\\", "\\\\", "(", "\\(", ")", "\\)", "\r", "\\r", "\n", "\\n")
	return r.Replace(s)
}
