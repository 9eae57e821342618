package subtitle

// Batch is a contiguous slice of segments, the unit of translation and retry.
// ID is the first segment's index divided by the batch size.
type Batch struct {
	ID       int
	Segments []Segment
}

// Batches groups segments into batches of size. Segments must carry dense
// indices from 0, so batch k holds indices [k*size, (k+1)*size).
func Batches(segments []Segment, size int) []Batch {
	if size < 1 {
		size = 1
	}
	var out []Batch
	for start := 0; start < len(segments); start += size {
		end := start + size
		if end > len(segments) {
			end = len(segments)
		}
		out = append(out, Batch{
			ID:       segments[start].Index / size,
			Segments: segments[start:end],
		})
	}
	return out
}

// Indices returns the segment indices contained in the batch.
func (b Batch) Indices() []int {
	out := make([]int, len(b.Segments))
	for i, s := range b.Segments {
		out[i] = s.Index
	}
	return out
}
