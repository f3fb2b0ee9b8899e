package bbi

import (
	"math"

	"github.com/yevshin/big/encoding/binio"
)

// Summary aggregates statistics over a set of value-carrying intervals.
// Count is in bases; Sum and SumSquares are value-weighted by intersection
// length.  Summaries form a commutative monoid under Add; the zero Summary
// is the identity (its Min/Max are overwritten by the first contribution).
type Summary struct {
	Count      uint64
	Min        float64
	Max        float64
	Sum        float64
	SumSquares float64
}

// IsEmpty reports whether no interval has contributed.
func (s Summary) IsEmpty() bool { return s.Count == 0 }

// Update folds in a single raw item's value over intersection bases.
func (s *Summary) Update(value float64, intersection uint64) {
	if intersection == 0 {
		return
	}
	if s.Count == 0 {
		s.Min, s.Max = value, value
	} else {
		s.Min = math.Min(s.Min, value)
		s.Max = math.Max(s.Max, value)
	}
	s.Count += intersection
	s.Sum += value * float64(intersection)
	s.SumSquares += value * value * float64(intersection)
}

// UpdateZoom folds in the fraction of a zoom record intersecting the target
// bin: Count, Sum and SumSquares are scaled by intersection/total, with
// Count rounded to nearest.
func (s *Summary) UpdateZoom(zd ZoomData, intersection, total uint64) {
	if intersection == 0 || total == 0 || zd.Count == 0 {
		return
	}
	frac := float64(intersection) / float64(total)
	if s.Count == 0 {
		s.Min, s.Max = float64(zd.Min), float64(zd.Max)
	} else {
		s.Min = math.Min(s.Min, float64(zd.Min))
		s.Max = math.Max(s.Max, float64(zd.Max))
	}
	s.Count += uint64(math.Round(float64(zd.Count) * frac))
	s.Sum += float64(zd.Sum) * frac
	s.SumSquares += float64(zd.SumSquares) * frac
}

// Add merges o into s.  Add is associative and commutative, and the zero
// Summary is its identity.
func (s *Summary) Add(o Summary) {
	if o.Count == 0 {
		return
	}
	if s.Count == 0 {
		*s = o
		return
	}
	s.Count += o.Count
	s.Min = math.Min(s.Min, o.Min)
	s.Max = math.Max(s.Max, o.Max)
	s.Sum += o.Sum
	s.SumSquares += o.SumSquares
}

// Mean returns Sum/Count, or 0 for an empty summary.
func (s Summary) Mean() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

func readSummary(r *binio.Reader) Summary {
	return Summary{
		Count:      r.U64(),
		Min:        r.F64(),
		Max:        r.F64(),
		Sum:        r.F64(),
		SumSquares: r.F64(),
	}
}

func writeSummary(w *binio.Writer, s Summary) {
	w.PutU64(s.Count)
	w.PutF64(s.Min)
	w.PutF64(s.Max)
	w.PutF64(s.Sum)
	w.PutF64(s.SumSquares)
}

// ZoomData is one 32-byte summary record in a zoom level's data section.
type ZoomData struct {
	ChromIx    uint32
	Start, End uint32
	Count      uint32
	Min, Max   float32
	Sum        float32
	SumSquares float32
}

const zoomDataSize = 32

func readZoomData(r *binio.Reader) ZoomData {
	return ZoomData{
		ChromIx:    r.U32(),
		Start:      r.U32(),
		End:        r.U32(),
		Count:      r.U32(),
		Min:        r.F32(),
		Max:        r.F32(),
		Sum:        r.F32(),
		SumSquares: r.F32(),
	}
}

func writeZoomData(w *binio.Writer, zd ZoomData) {
	w.PutU32(zd.ChromIx)
	w.PutU32(zd.Start)
	w.PutU32(zd.End)
	w.PutU32(zd.Count)
	w.PutF32(zd.Min)
	w.PutF32(zd.Max)
	w.PutF32(zd.Sum)
	w.PutF32(zd.SumSquares)
}
