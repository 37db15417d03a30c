package hl7

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_ADT(t *testing.T) {
	msg, err := Parse(sampleADT)
	require.NoError(t, err)

	assert.Equal(t, "ADT", msg.Type())
	assert.Equal(t, "A04", msg.Trigger())
	assert.Equal(t, "ADT^A04", msg.Kind())
	assert.Equal(t, "MSG001", msg.ControlID())
	assert.Equal(t, "2.4", msg.Version())
	assert.Equal(t, "HIS", msg.SendingApplication())
	assert.Equal(t, "HOSP", msg.SendingFacility())
	require.Len(t, msg.Segments, 2)

	pid := msg.Segment("PID")
	require.NotNil(t, pid)
	ids := pid.Named("patient_identifier_list")
	assert.Equal(t, "OMANG3478593", ids.Value())
	assert.Equal(t, "SS", ids.Component(5))
	assert.Equal(t, "Doe", pid.Named("patient_name").Component(1))
	assert.Equal(t, "Jane", pid.Field(5).Component(2))
	assert.Equal(t, "F", pid.Named("administrative_sex").Value())
}

func TestParse_HeaderFields(t *testing.T) {
	msg, err := Parse(sampleADT)
	require.NoError(t, err)

	msh := msg.Header()
	assert.Equal(t, "|", msh.Field(1).Value())
	assert.Equal(t, "^~\\&", msh.Field(2).Value())
	assert.Equal(t, "IPMS", msh.Named("receiving_application").Value())
}

func TestParse_LineEndings(t *testing.T) {
	for name, sep := range map[string]string{"lf": "\n", "crlf": "\r\n"} {
		t.Run(name, func(t *testing.T) {
			raw := "MSH|^~\\&|A|B|||20240101||ADT^A04|C1|P|2.4" + sep + "PID|1||K1" + sep
			msg, err := Parse(raw)
			require.NoError(t, err)
			assert.Len(t, msg.Segments, 2)
		})
	}
}

func TestParse_CustomDelimiters(t *testing.T) {
	raw := "MSH#*@/$#A#B###20240101##ADT*A04#C9#P#2.4\rPID#1##K1*A**X*SS@K2"
	msg, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, byte('#'), msg.Delimiters.Field)
	assert.Equal(t, byte('*'), msg.Delimiters.Component)
	assert.Equal(t, byte('@'), msg.Delimiters.Repetition)
	assert.Equal(t, "ADT^A04", msg.Kind())

	ids := msg.Segment("PID").Field(3)
	reps := ids.Repeats()
	require.Len(t, reps, 2)
	assert.Equal(t, "K1", reps[0].Value())
	assert.Equal(t, "A", reps[0].Component(2))
	assert.Equal(t, "SS", reps[0].Component(5))
	assert.Equal(t, "K2", reps[1].Value())

	again, err := Parse(msg.Render())
	require.NoError(t, err)
	assert.Equal(t, msg.Segments, again.Segments)
}

func TestParse_Errors(t *testing.T) {
	cases := map[string]string{
		"empty":             "",
		"not msh":           "PID|1",
		"bare msh":          "MSH",
		"no type":           "MSH|^~\\&|A|B|||20240101|||C1|P|2.4",
		"no trigger":        "MSH|^~\\&|A|B|||20240101||ADT|C1|P|2.4\rPID|1",
		"missing pid":       "MSH|^~\\&|A|B|||20240101||ADT^A04|C1|P|2.4",
		"bad segment name":  "MSH|^~\\&|A|B|||20240101||ADT^A04|C1|P|2.4\rpi|1",
		"duplicate header":  "MSH|^~\\&|A|B|||20240101||ADT^A04|C1|P|2.4\rMSH|^~\\&",
		"bad delimiters":    "MSH|^^\\&|A",
		"oru without order": "MSH|^~\\&|A|B|||20240101||ORU^R01|C1|P|2.4\rPID|1",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(raw)
			var perr *ParseError
			assert.True(t, errors.As(err, &perr), "got %v", err)
		})
	}
}

func TestParse_ErrorSalvagesControlID(t *testing.T) {
	_, err := Parse("MSH|^~\\&|A|B|||20240101||ADT^A04|CTRL77|P|2.4")

	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "CTRL77", perr.ControlID)
}

func TestParse_BadEncodingSalvagesControlID(t *testing.T) {
	_, err := Parse("MSH|^^\\&|A|B|||20240101||ADT^A04|CTRL9|P|2.4\rPID|1||K1")

	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "CTRL9", perr.ControlID)
}

func TestParse_KindIsCaseInsensitive(t *testing.T) {
	_, err := Parse("MSH|^~\\&|A|B|||20240101||adt^a04|C1|P|2.4")

	var perr *ParseError
	require.True(t, errors.As(err, &perr), "got %v", err)
	assert.Contains(t, perr.Reason, "PID")
	assert.Equal(t, "C1", perr.ControlID)

	_, err = Parse("MSH|^~\\&|A|B|||20240101||ack|C2|P|2.4")
	require.True(t, errors.As(err, &perr), "got %v", err)
	assert.Contains(t, perr.Reason, "MSA")
}

func TestParse_WhitespaceOnly(t *testing.T) {
	for _, raw := range []string{" ", "\r\n", "\v", "\t\r \r"} {
		_, err := Parse(raw)
		var perr *ParseError
		assert.True(t, errors.As(err, &perr), "input %q", raw)
	}
}

func TestParse_UnknownKindSkipsSegmentCheck(t *testing.T) {
	msg, err := Parse("MSH|^~\\&|A|B|||20240101||SIU^S12|C1|P|2.4")
	require.NoError(t, err)
	assert.Equal(t, "SIU^S12", msg.Kind())
}

func TestSalvageControlID(t *testing.T) {
	assert.Equal(t, "C42", SalvageControlID("MSH|^~\\&|A|B|||ts||ADT^A04|C42|P|2.4\rgarbage"))
	assert.Equal(t, "C42", SalvageControlID("MSH|^~\\&|A|B|||ts||ADT^A04|C42^x|P"))
	assert.Equal(t, "", SalvageControlID("MSH|^~\\&|A"))
	assert.Equal(t, "", SalvageControlID("PID|1"))
	assert.Equal(t, "", SalvageControlID(""))
}

func TestRender_RoundTrip(t *testing.T) {
	payloads := []string{
		sampleADT,
		"MSH|^~\\&|A|B|C|D|20240101||ORM^O01|C1|P|2.4\rPID|1||K1^^^A^SS~K2^^^A^MR||Doe^Jane\rORC|NW|PO1\rOBR|1|PO1||CBC^Blood count^L",
		"MSH|^~\\&|A|B|||20240101||ADT^A04|C1|P|2.4\rPID|1||K1\rZZ1|custom|x^y&z",
		"MSH|^~\\&|A|B|||20240101||ADT^A04|C1|P|2.4\rPID|1||K1||O\\F\\Brien^Pat\\S\\Jr",
	}
	for _, p := range payloads {
		first, err := Parse(p)
		require.NoError(t, err)
		second, err := Parse(first.Render())
		require.NoError(t, err)
		assert.Equal(t, first, second)
	}
}

func buildResult(t testing.TB, family, given, note string) *Message {
	t.Helper()
	b := NewBuilder(DefaultDelimiters)
	b.Header().
		Set(9, Composite("ORU", "R01")).
		Set(10, Scalar("C1")).
		Set(12, Scalar("2.4"))
	b.Add("PID").Set(1, Scalar("1")).Set(5, Composite(family, given))
	b.Add("OBR").Set(1, Scalar("1"))
	b.Add("NTE").Set(1, Scalar("1")).Set(3, Scalar(note))
	msg, err := b.Build()
	require.NoError(t, err)
	return msg
}

func TestRender_BuiltMessageRoundTrip(t *testing.T) {
	cases := map[string][3]string{
		"multi-line note":     {"Doe", "Jane", "Specimen received.\nRepeat in 2 weeks."},
		"crlf note":           {"Doe", "Jane", "line one\r\nline two"},
		"trailing space":      {"Doe", "Jane ", ""},
		"trailing space last": {"Doe", "Jane", "see lab  "},
		"delimiters in text":  {"O|Brien", "A^B~C", "10\\20 & more"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			built := buildResult(t, tc[0], tc[1], tc[2])

			parsed, err := Parse(built.Render())
			require.NoError(t, err)
			assert.Equal(t, built, parsed)
			assert.Equal(t, tc[2], parsed.Segment("NTE").Field(3).Value())
		})
	}
}

func TestEscaping_LineBreaks(t *testing.T) {
	f := Scalar("a\rb\nc")
	assert.Equal(t, "a\\X0D\\b\\X0A\\c", f.Render(DefaultDelimiters))

	msg, err := Parse("MSH|^~\\&|A|B|||20240101||ADT^A04|C1|P|2.4\rPID|1||K1\rNTE|1||x\\X0d\\y\\X0A\\z\\X0B\\")
	require.NoError(t, err)
	assert.Equal(t, "x\ry\nz\\X0B\\", msg.Segment("NTE").Field(3).Value())
}

func FuzzParseRender(f *testing.F) {
	f.Add(sampleADT)
	f.Add("MSH|^~\\&|A|B|C|D|20240101||ORM^O01|C1|P|2.4\rPID|1||K1^^^A^SS~K2^^^A^MR||Doe^Jane\rORC|NW|PO1\rOBR|1|PO1||CBC^Blood count^L")
	f.Add("MSH|^~\\&|A|B|||20240101||ADT^A04|C1|P|2.4\rPID|1||K1||O\\F\\Brien^Pat\\S\\Jr\\H\\ \rNTE|1||a\\X0D\\b")
	f.Add("MSH#*@/$#A#B###20240101##ADT*A04#C9#P#2.4\nPID#1##K1*A**X*SS@K2\n")
	f.Add("MSH|^~\\&|A|B|||20240101||ACK|C1|P|2.4\r\nMSA|AA|C0|\\E\\x\\")

	f.Fuzz(func(t *testing.T, raw string) {
		first, err := Parse(raw)
		if err != nil {
			return
		}
		second, err := Parse(first.Render())
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})
}

func FuzzBuilderRoundTrip(f *testing.F) {
	f.Add("Doe", "Jane", "Specimen received.\nRepeat in 2 weeks.")
	f.Add("Doe", "Jane ", "")
	f.Add("", "", " ")
	f.Add("O|Brien", "\\X0D\\", "a^b~c&d\r\n")

	f.Fuzz(func(t *testing.T, family, given, note string) {
		built := buildResult(t, family, given, note)

		parsed, err := Parse(built.Render())
		require.NoError(t, err)
		assert.Equal(t, built, parsed)
	})
}

func TestRender_TrailingCRNormalized(t *testing.T) {
	msg, err := Parse(sampleADT + "\r")
	require.NoError(t, err)
	assert.Equal(t, sampleADT, msg.Render())
}

func TestEscaping(t *testing.T) {
	msg, err := Parse("MSH|^~\\&|A|B|||20240101||ADT^A04|C1|P|2.4\rPID|1||K1||O\\F\\Brien^Pat\\S\\Jr\\R\\x\\E\\y\\H\\")
	require.NoError(t, err)

	name := msg.Segment("PID").Field(5)
	assert.Equal(t, "O|Brien", name.Component(1))
	assert.Equal(t, "Pat^Jr~x\\y\\H\\", name.Component(2))
}

func TestEscaping_SubcomponentUntouched(t *testing.T) {
	msg, err := Parse("MSH|^~\\&|A|B|||20240101||ADT^A04|C1|P|2.4\rPID|1||K1&AUTH")
	require.NoError(t, err)
	assert.Equal(t, "K1&AUTH", msg.Segment("PID").Field(3).Value())
}

func TestField(t *testing.T) {
	assert.True(t, Scalar("").IsEmpty())
	assert.True(t, Composite().IsEmpty())
	assert.True(t, Repeated().IsEmpty())
	assert.Equal(t, "", Field{}.Value())
	assert.Equal(t, "", Composite("a").Component(2))
	assert.Equal(t, "", Composite("a").Component(0))

	f := Repeated([]string{"a", "b"}, []string{"c"})
	assert.Equal(t, "a^b~c", f.Render(DefaultDelimiters))
	assert.Len(t, f.Repeats(), 2)

	assert.Equal(t, "a\\S\\b", Scalar("a^b").Render(DefaultDelimiters))
}

func TestSegment_OrdinalGaps(t *testing.T) {
	seg := Segment{Name: "OBR"}
	seg.Set(25, Scalar("F"))

	assert.Len(t, seg.Fields, 25)
	assert.True(t, seg.Field(24).IsEmpty())
	assert.Equal(t, "F", seg.Named("result_status").Value())
	assert.True(t, seg.Field(99).IsEmpty())
	assert.True(t, seg.Named("no_such_field").IsEmpty())
}

func TestBuilder(t *testing.T) {
	b := NewBuilder(DefaultDelimiters)
	b.Header().
		SetNamed("sending_application", Scalar("ADM")).
		SetNamed("message_type", Composite("ORU", "R01")).
		SetNamed("message_control_id", Scalar("X1")).
		SetNamed("version_id", Scalar("2.4"))
	b.Add("PID").Set(3, Composite("K1", "", "", "GGC", "SS"))
	b.Add("OBR").SetNamed("result_status", Scalar("F"))

	msg, err := b.Build()
	require.NoError(t, err)
	assert.Equal(t,
		"MSH|^~\\&|ADM||||||ORU^R01|X1||2.4\rPID|||K1^^^GGC^SS\rOBR|||||||||||||||||||||||||F",
		msg.Render())

	parsed, err := Parse(msg.Render())
	require.NoError(t, err)
	assert.Equal(t, msg.Segments, parsed.Segments)
}

func TestBuilder_Errors(t *testing.T) {
	b := NewBuilder(DefaultDelimiters)
	b.Header().Set(1, Scalar("#"))
	_, err := b.Build()
	assert.Error(t, err)

	b = NewBuilder(DefaultDelimiters)
	b.Header().SetNamed("message_type", Composite("ADT", "A04"))
	b.Add("PID").SetNamed("bogus", Scalar("x"))
	_, err = b.Build()
	assert.ErrorContains(t, err, "bogus")

	b = NewBuilder(DefaultDelimiters)
	b.Header().SetNamed("message_type", Composite("ADT", "A04"))
	_, err = b.Build()
	var perr *ParseError
	assert.True(t, errors.As(err, &perr), "ADT^A04 without PID must fail validation")
}

func TestSchemaFor(t *testing.T) {
	n, ok := SchemaFor("PID").Ordinal("patient_account_number")
	assert.True(t, ok)
	assert.Equal(t, 18, n)

	n, ok = SchemaFor("PV1").Ordinal("admit_date_time")
	assert.True(t, ok)
	assert.Equal(t, 44, n)
	assert.Equal(t, "admit_date_time", SchemaFor("PV1").FieldName(44))

	_, ok = SchemaFor("ZZZ").Ordinal("anything")
	assert.False(t, ok)
}
