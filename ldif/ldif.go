// Package ldif implements a streaming parser for the LDAP Data Interchange
// Format (RFC 2849), the container format of ICAO PKD distribution files.
//
// The parser is line-oriented and lazy: entries are produced one at a time
// so a 100 MB PKD download never has to sit in memory as a whole.
package ldif

import (
	"bufio"
	"encoding/base64"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Attribute is one attribute value as it appeared in the entry, already
// base64-decoded when the source used the "::" form.
type Attribute struct {
	Name   string
	Value  []byte
	Binary bool // true for "::" values and ";binary" options
}

// Entry is a single LDIF record.
type Entry struct {
	DN         string
	Attributes []Attribute
}

// Get returns all values for name, matching case-insensitively and ignoring
// an attribute option suffix such as ";binary".
func (e *Entry) Get(name string) [][]byte {
	var out [][]byte
	for _, a := range e.Attributes {
		if attrBase(a.Name) == strings.ToLower(name) {
			out = append(out, a.Value)
		}
	}
	return out
}

// First returns the first value for name, or nil.
func (e *Entry) First(name string) []byte {
	if vs := e.Get(name); len(vs) > 0 {
		return vs[0]
	}
	return nil
}

func attrBase(name string) string {
	base, _, _ := strings.Cut(name, ";")
	return strings.ToLower(base)
}

// Reader produces a finite lazy sequence of entries.
type Reader struct {
	br      *bufio.Reader
	line    int
	pending string // lookahead line carried across Next calls
	hasPend bool
	done    bool
}

// NewReader wraps r. The underlying reader is consumed incrementally.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next entry, or io.EOF when the input is exhausted.
// Malformed lines fail the current entry only; the caller may continue with
// the next one.
func (r *Reader) Next() (*Entry, error) {
	for {
		entry, err := r.readEntry()
		if err != nil {
			return nil, err
		}
		if entry != nil {
			return entry, nil
		}
	}
}

// readLine returns the next raw line without its terminator.
func (r *Reader) readLine() (string, error) {
	if r.hasPend {
		r.hasPend = false
		return r.pending, nil
	}
	line, err := r.br.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	r.line++
	return strings.TrimRight(line, "\r\n"), nil
}

func (r *Reader) unreadLine(line string) {
	r.pending = line
	r.hasPend = true
}

// readLogicalLine folds RFC 2849 continuation lines (leading single space)
// into one logical line.
func (r *Reader) readLogicalLine() (string, error) {
	line, err := r.readLine()
	if err != nil {
		return "", err
	}
	for {
		next, err := r.readLine()
		if err == io.EOF {
			return line, nil
		}
		if err != nil {
			return "", err
		}
		if strings.HasPrefix(next, " ") {
			line += next[1:]
			continue
		}
		r.unreadLine(next)
		return line, nil
	}
}

// readEntry parses one record. A nil, nil return means the record was
// skippable noise (version line, comment block, stray blank lines).
func (r *Reader) readEntry() (*Entry, error) {
	if r.done {
		return nil, io.EOF
	}

	var entry *Entry
	for {
		line, err := r.readLogicalLine()
		if err == io.EOF {
			r.done = true
			if entry != nil && entry.DN != "" {
				return entry, nil
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}

		switch {
		case line == "":
			if entry != nil && entry.DN != "" {
				return entry, nil
			}
			// blank line outside an entry: keep scanning
			continue
		case strings.HasPrefix(line, "#"):
			continue
		case entry == nil && strings.HasPrefix(strings.ToLower(line), "version:"):
			continue
		}

		name, value, binary, err := parseAttrLine(line)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", r.line)
		}

		if attrBase(name) == "dn" {
			entry = &Entry{DN: string(value)}
			continue
		}
		if entry == nil {
			return nil, errors.Errorf("line %d: attribute %q before dn", r.line, name)
		}
		entry.Attributes = append(entry.Attributes, Attribute{
			Name:   name,
			Value:  value,
			Binary: binary || strings.Contains(strings.ToLower(name), ";binary"),
		})
	}
}

// parseAttrLine splits "attr: value" / "attr:: base64value".
func parseAttrLine(line string) (name string, value []byte, binary bool, err error) {
	name, rest, ok := strings.Cut(line, ":")
	if !ok {
		return "", nil, false, errors.Errorf("malformed attribute line %q", line)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil, false, errors.Errorf("empty attribute name in %q", line)
	}

	if strings.HasPrefix(rest, ":") {
		// "::" base64 form, implicitly binary
		enc := strings.TrimSpace(rest[1:])
		raw, derr := base64.StdEncoding.DecodeString(enc)
		if derr != nil {
			return "", nil, false, errors.Wrapf(derr, "base64 value of %q", name)
		}
		return name, raw, true, nil
	}
	if strings.HasPrefix(rest, "<") {
		return "", nil, false, errors.Errorf("URL values are not supported (%q)", name)
	}
	return name, []byte(strings.TrimLeft(rest, " ")), false, nil
}

// WriteEntry renders an entry back to LDIF, base64-encoding binary values
// with the "::" form and folding long lines at 76 columns, as consumed by
// standard LDAP tooling on export.
func WriteEntry(w io.Writer, e *Entry) error {
	if err := writeAttrLine(w, "dn", []byte(e.DN), needsBase64([]byte(e.DN))); err != nil {
		return err
	}
	for _, a := range e.Attributes {
		if err := writeAttrLine(w, a.Name, a.Value, a.Binary || needsBase64(a.Value)); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func needsBase64(v []byte) bool {
	for i, c := range v {
		if c == 0 || c == '\n' || c == '\r' || c > 0x7f {
			return true
		}
		if i == 0 && (c == ' ' || c == ':' || c == '<') {
			return true
		}
	}
	return false
}

func writeAttrLine(w io.Writer, name string, value []byte, b64 bool) error {
	var line string
	if b64 {
		line = name + ":: " + base64.StdEncoding.EncodeToString(value)
	} else {
		line = name + ": " + string(value)
	}
	return foldLine(w, line)
}

// foldLine emits line folded at 76 characters with single-space
// continuations.
func foldLine(w io.Writer, line string) error {
	const width = 76
	first := true
	for len(line) > 0 {
		n := width
		if !first {
			n = width - 1
		}
		if n > len(line) {
			n = len(line)
		}
		chunk := line[:n]
		line = line[n:]
		if first {
			if _, err := io.WriteString(w, chunk+"\n"); err != nil {
				return err
			}
			first = false
			continue
		}
		if _, err := io.WriteString(w, " "+chunk+"\n"); err != nil {
			return err
		}
	}
	return nil
}
