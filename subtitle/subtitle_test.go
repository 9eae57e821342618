package subtitle

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const canonical = `1
00:00:00,000 --> 00:00:01,500
Hello world

2
00:00:01,500 --> 00:00:03,250
Second cue
with two lines
`

func TestParseCanonical(t *testing.T) {
	segs, err := Parse(canonical)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	require.Equal(t, Segment{Index: 0, StartMS: 0, EndMS: 1500, Text: "Hello world"}, segs[0])
	require.Equal(t, int64(1500), segs[1].StartMS)
	require.Equal(t, int64(3250), segs[1].EndMS)
	require.Equal(t, "Second cue\nwith two lines", segs[1].Text)
}

func TestRoundTripIdempotent(t *testing.T) {
	segs, err := Parse(canonical)
	require.NoError(t, err)
	emitted := Emit(segs)
	require.Equal(t, canonical, emitted)

	again, err := Parse(emitted)
	require.NoError(t, err)
	require.Equal(t, segs, again)
}

func TestParseTolerance(t *testing.T) {
	crlf := strings.ReplaceAll(canonical, "\n", "\r\n")
	withBOM := "\ufeff" + crlf
	extraBlanks := strings.Replace(withBOM, "Hello world\r\n\r\n", "Hello world\r\n\r\n\r\n\r\n", 1)

	segs, err := Parse(extraBlanks)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	require.Equal(t, "Hello world", segs[0].Text)

	// dot millisecond separator is accepted on input
	dotted := strings.ReplaceAll(canonical, ",", ".")
	segs, err = Parse(dotted)
	require.NoError(t, err)
	require.Equal(t, int64(1500), segs[0].EndMS)
}

func TestParseRejectsGarbageTiming(t *testing.T) {
	_, err := Parse("1\nnot a timing line\ntext\n")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(nil))

	bad := []Segment{{Index: 0, StartMS: 10, EndMS: 10, Text: "x"}}
	require.Error(t, Validate(bad))

	overlap := []Segment{
		{Index: 0, StartMS: 0, EndMS: 100, Text: "a"},
		{Index: 1, StartMS: 50, EndMS: 150, Text: "b"},
	}
	require.Error(t, Validate(overlap))

	sparse := []Segment{{Index: 1, StartMS: 0, EndMS: 100, Text: "a"}}
	require.Error(t, Validate(sparse))
}

func TestFormatTimestamp(t *testing.T) {
	require.Equal(t, "00:00:00,000", FormatTimestamp(0))
	require.Equal(t, "01:02:03,004", FormatTimestamp(3723004))
	require.Equal(t, "10:00:00,999", FormatTimestamp(36000999))
}

func TestWithTexts(t *testing.T) {
	segs, err := Parse(canonical)
	require.NoError(t, err)

	out, err := WithTexts(segs, []string{"Bonjour le monde", "Deuxième"})
	require.NoError(t, err)
	require.Equal(t, "Bonjour le monde", out[0].Text)
	require.Equal(t, "Hello world", segs[0].Text)
	require.Equal(t, segs[0].StartMS, out[0].StartMS)

	_, err = WithTexts(segs, []string{"only one"})
	require.Error(t, err)
}
