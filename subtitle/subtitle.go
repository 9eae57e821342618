// Package subtitle holds the in-memory segment model and the SRT codec.
//
// The parser is tolerant: CRLF and LF line endings, an optional UTF-8 BOM and
// runs of blank lines between cues are all accepted. The emitter always
// produces the canonical form: blank-line separated cues, timestamps as
// HH:MM:SS,mmm and UTF-8 without BOM. Round-tripping canonical input is
// byte-identical.
package subtitle

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Segment is a single timed cue. Index is dense from 0 within a list and is
// stable across translation.
type Segment struct {
	Index   int    `json:"index"`
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
	Text    string `json:"text"`
}

var timingRE = regexp.MustCompile(`^(\d{2}):(\d{2}):(\d{2})[,.](\d{3})\s*-->\s*(\d{2}):(\d{2}):(\d{2})[,.](\d{3})`)

// Parse reads SRT content into a segment list. Cue numbers in the file are
// ignored; indices are reassigned densely from 0.
func Parse(data string) ([]Segment, error) {
	data = strings.TrimPrefix(data, "\ufeff")
	data = strings.ReplaceAll(data, "\r\n", "\n")

	var segments []Segment
	lines := strings.Split(data, "\n")
	i := 0
	for i < len(lines) {
		// skip blank lines and the cue counter line
		for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
			i++
		}
		if i >= len(lines) {
			break
		}
		if isCueCounter(lines[i]) && i+1 < len(lines) && timingRE.MatchString(strings.TrimSpace(lines[i+1])) {
			i++
		}
		m := timingRE.FindStringSubmatch(strings.TrimSpace(lines[i]))
		if m == nil {
			return nil, fmt.Errorf("invalid timing line %d: %q", i+1, lines[i])
		}
		start := timestampMS(m[1], m[2], m[3], m[4])
		end := timestampMS(m[5], m[6], m[7], m[8])
		i++

		var text []string
		for i < len(lines) && strings.TrimSpace(lines[i]) != "" {
			text = append(text, strings.TrimRight(lines[i], " \t"))
			i++
		}
		segments = append(segments, Segment{
			Index:   len(segments),
			StartMS: start,
			EndMS:   end,
			Text:    strings.Join(text, "\n"),
		})
	}

	if err := Validate(segments); err != nil {
		return nil, err
	}
	return segments, nil
}

func isCueCounter(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	_, err := strconv.Atoi(line)
	return err == nil
}

func timestampMS(h, m, s, ms string) int64 {
	hi, _ := strconv.ParseInt(h, 10, 64)
	mi, _ := strconv.ParseInt(m, 10, 64)
	si, _ := strconv.ParseInt(s, 10, 64)
	msi, _ := strconv.ParseInt(ms, 10, 64)
	return ((hi*60+mi)*60+si)*1000 + msi
}

// Emit writes segments in canonical SRT form. Cue numbers are 1-based as the
// format expects, regardless of the 0-based segment indices.
func Emit(segments []Segment) string {
	var sb strings.Builder
	for i, seg := range segments {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(strconv.Itoa(i + 1))
		sb.WriteString("\n")
		sb.WriteString(FormatTimestamp(seg.StartMS))
		sb.WriteString(" --> ")
		sb.WriteString(FormatTimestamp(seg.EndMS))
		sb.WriteString("\n")
		sb.WriteString(seg.Text)
		sb.WriteString("\n")
	}
	return sb.String()
}

// FormatTimestamp renders milliseconds as zero-padded HH:MM:SS,mmm.
func FormatTimestamp(ms int64) string {
	h := ms / 3600000
	m := (ms % 3600000) / 60000
	s := (ms % 60000) / 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms%1000)
}

// Validate enforces the cue invariants: start < end per segment,
// non-overlapping monotonic cues and dense indices from 0.
func Validate(segments []Segment) error {
	for i, seg := range segments {
		if seg.Index != i {
			return fmt.Errorf("segment %d has non-dense index %d", i, seg.Index)
		}
		if seg.StartMS >= seg.EndMS {
			return fmt.Errorf("segment %d has start %d >= end %d", i, seg.StartMS, seg.EndMS)
		}
		if i > 0 && segments[i-1].EndMS > seg.StartMS {
			return fmt.Errorf("segment %d starts at %d before previous ends at %d", i, seg.StartMS, segments[i-1].EndMS)
		}
	}
	return nil
}

// WithTexts returns a copy of segments with texts replaced positionally.
func WithTexts(segments []Segment, texts []string) ([]Segment, error) {
	if len(texts) != len(segments) {
		return nil, fmt.Errorf("got %d texts for %d segments", len(texts), len(segments))
	}
	out := make([]Segment, len(segments))
	copy(out, segments)
	for i := range out {
		out[i].Text = texts[i]
	}
	return out, nil
}
