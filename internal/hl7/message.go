package hl7

import (
	"errors"
	"fmt"
	"strings"
)

// Delimiters are the separator characters a message declares in MSH-1 and
// MSH-2.
type Delimiters struct {
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	SubComponent byte
}

// DefaultDelimiters are the conventional |^~\& separators.
var DefaultDelimiters = Delimiters{
	Field:        '|',
	Component:    '^',
	Repetition:   '~',
	Escape:       '\\',
	SubComponent: '&',
}

// Encoding returns the MSH-2 encoding characters.
func (d Delimiters) Encoding() string {
	return string([]byte{d.Component, d.Repetition, d.Escape, d.SubComponent})
}

func (d Delimiters) valid() bool {
	seen := map[byte]bool{}
	for _, c := range []byte{d.Field, d.Component, d.Repetition, d.Escape, d.SubComponent} {
		if seen[c] || c == '\r' || c == '\n' || isAlnum(c) {
			return false
		}
		seen[c] = true
	}
	return true
}

// Field is an ordinal-positioned value: one or more repetitions, each a list
// of components. The zero Field is empty and renders as "".
type Field struct {
	Repetitions [][]string
}

// Scalar returns a single-valued field.
func Scalar(v string) Field {
	return Composite(v)
}

// Composite returns a field with one repetition made of components.
func Composite(components ...string) Field {
	if isEmptyRepetition(components) {
		return Field{}
	}
	rep := make([]string, len(components))
	copy(rep, components)
	return Field{Repetitions: [][]string{rep}}
}

// Repeated returns a field with several repetitions.
func Repeated(reps ...[]string) Field {
	if len(reps) == 0 || (len(reps) == 1 && isEmptyRepetition(reps[0])) {
		return Field{}
	}
	f := Field{Repetitions: make([][]string, len(reps))}
	for i, rep := range reps {
		if len(rep) == 0 {
			rep = []string{""}
		}
		f.Repetitions[i] = append([]string(nil), rep...)
	}
	return f
}

func isEmptyRepetition(rep []string) bool {
	return len(rep) == 0 || (len(rep) == 1 && rep[0] == "")
}

// Value returns the first component of the first repetition.
func (f Field) Value() string {
	return f.Component(1)
}

// Component returns the 1-based component of the first repetition.
func (f Field) Component(n int) string {
	if len(f.Repetitions) == 0 {
		return ""
	}
	rep := f.Repetitions[0]
	if n < 1 || n > len(rep) {
		return ""
	}
	return rep[n-1]
}

// Repeats splits the field into one single-repetition Field per repetition.
func (f Field) Repeats() []Field {
	out := make([]Field, 0, len(f.Repetitions))
	for _, rep := range f.Repetitions {
		out = append(out, Composite(rep...))
	}
	return out
}

func (f Field) IsEmpty() bool {
	return len(f.Repetitions) == 0
}

// Render returns the wire form of the field using d.
func (f Field) Render(d Delimiters) string {
	var b strings.Builder
	f.render(&b, d)
	return b.String()
}

func (f Field) render(b *strings.Builder, d Delimiters) {
	for i, rep := range f.Repetitions {
		if i > 0 {
			b.WriteByte(d.Repetition)
		}
		for j, comp := range rep {
			if j > 0 {
				b.WriteByte(d.Component)
			}
			b.WriteString(d.escape(comp))
		}
	}
}

func parseField(raw string, d Delimiters) Field {
	if raw == "" {
		return Field{}
	}
	reps := strings.Split(raw, string(d.Repetition))
	f := Field{Repetitions: make([][]string, len(reps))}
	for i, rep := range reps {
		comps := strings.Split(rep, string(d.Component))
		for j := range comps {
			comps[j] = d.unescape(comps[j])
		}
		f.Repetitions[i] = comps
	}
	return f
}

// escape replaces delimiter characters in a component with escape sequences.
// CR and LF become \X0D\ and \X0A\ so they cannot end a segment. The
// subcomponent separator is left alone so subcomponent text survives.
func (d Delimiters) escape(s string) string {
	if !strings.ContainsAny(s, string([]byte{d.Field, d.Component, d.Repetition, d.Escape, '\r', '\n'})) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		var code string
		switch s[i] {
		case d.Escape:
			code = "E"
		case d.Field:
			code = "F"
		case d.Component:
			code = "S"
		case d.Repetition:
			code = "R"
		case '\r':
			code = "X0D"
		case '\n':
			code = "X0A"
		default:
			b.WriteByte(s[i])
			continue
		}
		b.WriteByte(d.Escape)
		b.WriteString(code)
		b.WriteByte(d.Escape)
	}
	return b.String()
}

func (d Delimiters) unescape(s string) string {
	if strings.IndexByte(s, d.Escape) < 0 {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); {
		if s[i] != d.Escape {
			b.WriteByte(s[i])
			i++
			continue
		}
		k := strings.IndexByte(s[i+1:], d.Escape)
		if k < 0 {
			b.WriteString(s[i:])
			break
		}
		k += i + 1
		switch seq := s[i+1 : k]; {
		case seq == "F":
			b.WriteByte(d.Field)
		case seq == "S":
			b.WriteByte(d.Component)
		case seq == "R":
			b.WriteByte(d.Repetition)
		case seq == "E":
			b.WriteByte(d.Escape)
		case strings.EqualFold(seq, "X0D"):
			b.WriteByte('\r')
		case strings.EqualFold(seq, "X0A"):
			b.WriteByte('\n')
		default:
			// \H\, \T\, other \Xdd\ and friends are kept verbatim
			b.WriteString(s[i : k+1])
		}
		i = k + 1
	}
	return b.String()
}

// Segment is a named record of fields. Fields[0] is field 1; for MSH that is
// MSH-1, the field separator itself.
type Segment struct {
	Name   string
	Fields []Field
}

// Field returns the 1-based field, or an empty Field when unset.
func (s *Segment) Field(n int) Field {
	if n < 1 || n > len(s.Fields) {
		return Field{}
	}
	return s.Fields[n-1]
}

// Named returns a field by its schema name, e.g. "patient_identifier_list".
func (s *Segment) Named(name string) Field {
	n, ok := SchemaFor(s.Name).Ordinal(name)
	if !ok {
		return Field{}
	}
	return s.Field(n)
}

// Set assigns field n, padding any gap with empty fields.
func (s *Segment) Set(n int, f Field) {
	for len(s.Fields) < n {
		s.Fields = append(s.Fields, Field{})
	}
	s.Fields[n-1] = f
}

func (s *Segment) render(b *strings.Builder, d Delimiters) {
	b.WriteString(s.Name)
	if s.Name == "MSH" {
		b.WriteByte(d.Field)
		enc := s.Field(2).Value()
		if enc == "" {
			enc = d.Encoding()
		}
		b.WriteString(enc)
		for i := 2; i < len(s.Fields); i++ {
			b.WriteByte(d.Field)
			s.Fields[i].render(b, d)
		}
		return
	}
	for _, f := range s.Fields {
		b.WriteByte(d.Field)
		f.render(b, d)
	}
}

// Message is an ordered list of segments, the first of which is always MSH.
type Message struct {
	Delimiters Delimiters
	Segments   []Segment
}

// Header returns the MSH segment.
func (m *Message) Header() *Segment {
	if len(m.Segments) == 0 {
		return &Segment{Name: "MSH"}
	}
	return &m.Segments[0]
}

// Type returns MSH-9.1, e.g. "ADT".
func (m *Message) Type() string { return m.Header().Field(9).Component(1) }

// Trigger returns MSH-9.2, e.g. "A04".
func (m *Message) Trigger() string { return m.Header().Field(9).Component(2) }

// Kind returns "TYPE^TRIGGER", or just the type when there is no trigger.
func (m *Message) Kind() string {
	if m.Trigger() == "" {
		return m.Type()
	}
	return m.Type() + "^" + m.Trigger()
}

func (m *Message) ControlID() string          { return m.Header().Field(10).Value() }
func (m *Message) Version() string            { return m.Header().Field(12).Value() }
func (m *Message) SendingApplication() string { return m.Header().Field(3).Value() }
func (m *Message) SendingFacility() string    { return m.Header().Field(4).Value() }

// Segment returns the first segment with the given name, or nil.
func (m *Message) Segment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// SegmentsNamed returns every segment with the given name, in order.
func (m *Message) SegmentsNamed(name string) []Segment {
	var out []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			out = append(out, seg)
		}
	}
	return out
}

// Render serializes the message with CR segment separators and no trailing
// terminator.
func (m *Message) Render() string {
	var b strings.Builder
	for i := range m.Segments {
		if i > 0 {
			b.WriteByte(CarriageReturn)
		}
		m.Segments[i].render(&b, m.Delimiters)
	}
	return b.String()
}

// Parse parses an ER7 message. Segments may be separated by CR, LF or CRLF.
// Delimiters are read from the MSH segment itself.
func Parse(raw string) (*Message, error) {
	text := strings.ReplaceAll(raw, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")
	// trailing spaces belong to the last field
	text = strings.TrimRight(strings.TrimLeft(text, " \t\r"), "\r")

	var lines []string
	for _, line := range strings.Split(text, "\r") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, &ParseError{Reason: "empty message"}
	}

	header := lines[0]
	if !strings.HasPrefix(header, "MSH") {
		return nil, &ParseError{Reason: "first segment must be MSH", ControlID: SalvageControlID(raw)}
	}
	d, err := readDelimiters(header)
	if err != nil {
		var perr *ParseError
		if errors.As(err, &perr) && perr.ControlID == "" {
			perr.ControlID = SalvageControlID(raw)
		}
		return nil, err
	}

	msg := &Message{Delimiters: d}
	for _, line := range lines {
		seg, err := parseSegment(line, d)
		if err != nil {
			return nil, &ParseError{Reason: err.Error(), ControlID: SalvageControlID(raw)}
		}
		msg.Segments = append(msg.Segments, seg)
	}

	if err := Validate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func readDelimiters(header string) (Delimiters, error) {
	if len(header) < 5 {
		return Delimiters{}, &ParseError{Reason: "MSH segment declares no delimiters"}
	}
	d := DefaultDelimiters
	d.Field = header[3]
	enc := header[4:]
	if i := strings.IndexByte(enc, d.Field); i >= 0 {
		enc = enc[:i]
	}
	if enc == "" {
		return Delimiters{}, &ParseError{Reason: "MSH-2 encoding characters missing"}
	}
	d.Component = enc[0]
	if len(enc) > 1 {
		d.Repetition = enc[1]
	}
	if len(enc) > 2 {
		d.Escape = enc[2]
	}
	if len(enc) > 3 {
		d.SubComponent = enc[3]
	}
	if !d.valid() {
		return Delimiters{}, &ParseError{Reason: fmt.Sprintf("invalid delimiters %q", header[3:4]+enc)}
	}
	return d, nil
}

func parseSegment(line string, d Delimiters) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("segment too short: %q", line)
	}
	name := line[:3]
	for i := 0; i < 3; i++ {
		if !isAlnum(name[i]) || (name[i] >= 'a' && name[i] <= 'z') {
			return Segment{}, fmt.Errorf("invalid segment name %q", name)
		}
	}
	seg := Segment{Name: name}
	if len(line) == 3 {
		return seg, nil
	}
	if line[3] != d.Field {
		return Segment{}, fmt.Errorf("segment %s: expected field separator after name", name)
	}

	parts := strings.Split(line[4:], string(d.Field))
	if name == "MSH" {
		seg.Fields = append(seg.Fields, Scalar(string(d.Field)))
		seg.Fields = append(seg.Fields, Field{Repetitions: [][]string{{parts[0]}}})
		parts = parts[1:]
	}
	for _, p := range parts {
		seg.Fields = append(seg.Fields, parseField(p, d))
	}
	return seg, nil
}

// SalvageControlID makes a best effort to read MSH-10 from text that failed
// to parse. It returns "" when nothing usable is found.
func SalvageControlID(raw string) string {
	line := raw
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "MSH") || len(line) < 4 {
		return ""
	}
	parts := strings.Split(line[4:], string(line[3]))
	// parts[0] is MSH-2, so MSH-10 sits at index 8
	if len(parts) < 9 {
		return ""
	}
	id := parts[8]
	if parts[0] != "" {
		if i := strings.IndexByte(id, parts[0][0]); i >= 0 {
			id = id[:i]
		}
	}
	return id
}

func isAlnum(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

// Builder assembles a message segment by segment. Unset ordinals render as
// empty fields.
type Builder struct {
	msg *Message
	err error
}

// NewBuilder starts a message whose MSH-1 and MSH-2 reflect d.
func NewBuilder(d Delimiters) *Builder {
	msh := Segment{Name: "MSH"}
	msh.Set(1, Scalar(string(d.Field)))
	msh.Set(2, Field{Repetitions: [][]string{{d.Encoding()}}})
	return &Builder{msg: &Message{Delimiters: d, Segments: []Segment{msh}}}
}

// Header returns the builder for the MSH segment.
func (b *Builder) Header() *SegmentBuilder {
	return &SegmentBuilder{b: b, idx: 0}
}

// Add appends a new segment.
func (b *Builder) Add(name string) *SegmentBuilder {
	if _, err := parseSegment(name, b.msg.Delimiters); err != nil && b.err == nil {
		b.err = err
	}
	if name == "MSH" && b.err == nil {
		b.err = fmt.Errorf("hl7: MSH is created by NewBuilder")
	}
	b.msg.Segments = append(b.msg.Segments, Segment{Name: name})
	return &SegmentBuilder{b: b, idx: len(b.msg.Segments) - 1}
}

// Build returns the message, or the first error recorded while building.
func (b *Builder) Build() (*Message, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := Validate(b.msg); err != nil {
		return nil, err
	}
	return b.msg, nil
}

// SegmentBuilder sets fields on one segment of a Builder.
type SegmentBuilder struct {
	b   *Builder
	idx int
}

// Set assigns the 1-based field n.
func (sb *SegmentBuilder) Set(n int, f Field) *SegmentBuilder {
	seg := &sb.b.msg.Segments[sb.idx]
	if n < 1 || (seg.Name == "MSH" && n <= 2) {
		if sb.b.err == nil {
			sb.b.err = fmt.Errorf("hl7: %s-%d cannot be set", seg.Name, n)
		}
		return sb
	}
	seg.Set(n, f)
	return sb
}

// SetNamed assigns a field by its schema name.
func (sb *SegmentBuilder) SetNamed(name string, f Field) *SegmentBuilder {
	seg := &sb.b.msg.Segments[sb.idx]
	n, ok := SchemaFor(seg.Name).Ordinal(name)
	if !ok {
		if sb.b.err == nil {
			sb.b.err = fmt.Errorf("hl7: segment %s has no field %q", seg.Name, name)
		}
		return sb
	}
	return sb.Set(n, f)
}
