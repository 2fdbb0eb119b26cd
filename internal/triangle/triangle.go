package triangle

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/stat"
)

const (
	// MaxStars bounds the stars used to build an index, keeping at most C(10,3)=120 triangles.
	MaxStars = 10
	// Tolerance is the relative band applied to every invariant when matching.
	Tolerance = 0.001
)

// ErrNoMatch is returned when no triangle of the current frame matches the reference.
var ErrNoMatch = errors.New("no matching triangles between frames")

// Star is a detected star position in pixels. Stars are expected brightest first.
type Star struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Flux float64 `json:"flux,omitempty"`
	HFR  float64 `json:"hfr,omitempty"`
}

// Triangle is the similarity fingerprint of three stars.
type Triangle struct {
	X1, Y1    float64
	X2, Y2    float64
	X3, Y3    float64
	D12       float64
	D13       float64
	D23       float64
	Perimeter float64
	Area      float64
	Ratio     float64
}

// MatchedPair links one reference vertex to its position in the current frame.
type MatchedPair struct {
	XR, YR float64
	XC, YC float64
	DX, DY float64
}

// Match is the outcome of a successful MatchIndexes call.
type Match struct {
	Pairs []MatchedPair
	DX    float64
	DY    float64
	Count int
}

// NewTriangle computes the invariants of the triangle (a, b, c).
func NewTriangle(a, b, c Star) Triangle {
	d12 := math.Hypot(a.X-b.X, a.Y-b.Y)
	d13 := math.Hypot(a.X-c.X, a.Y-c.Y)
	d23 := math.Hypot(b.X-c.X, b.Y-c.Y)
	p := d12 + d13 + d23

	// Heron's formula on the semi-perimeter
	s := p / 2
	area := math.Sqrt(math.Max(0, s*(s-d12)*(s-d13)*(s-d23)))

	var ratio float64
	if p > 0 {
		ratio = area / p
	}

	return Triangle{
		X1: a.X, Y1: a.Y,
		X2: b.X, Y2: b.Y,
		X3: c.X, Y3: c.Y,
		D12:       d12,
		D13:       d13,
		D23:       d23,
		Perimeter: p,
		Area:      area,
		Ratio:     ratio,
	}
}

// BuildIndexes returns every triangle formed by the first MaxStars stars.
func BuildIndexes(stars []Star) []Triangle {
	n := len(stars)
	if n > MaxStars {
		n = MaxStars
	}
	if n < 3 {
		return nil
	}

	trigs := make([]Triangle, 0, n*(n-1)*(n-2)/6)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			for k := j + 1; k < n; k++ {
				trigs = append(trigs, NewTriangle(stars[i], stars[j], stars[k]))
			}
		}
	}
	return trigs
}

// Similar reports whether r and a agree within Tolerance on area, perimeter and all three sides.
func Similar(r, a Triangle) bool {
	return within(r.Area, a.Area) &&
		within(r.Perimeter, a.Perimeter) &&
		within(r.D12, a.D12) &&
		within(r.D13, a.D13) &&
		within(r.D23, a.D23)
}

func within(r, a float64) bool {
	return r < a*(1+Tolerance) && r > a*(1-Tolerance)
}

// MatchIndexes pairs reference and current triangles and returns the mean
// displacement (reference minus current) over all uniquely matched reference vertices.
func MatchIndexes(ref, cur []Triangle) (Match, error) {
	var pairs []MatchedPair

	add := func(xr, yr, xc, yc float64) {
		for _, p := range pairs {
			if p.XR == xr && p.YR == yr {
				return
			}
		}
		pairs = append(pairs, MatchedPair{XR: xr, YR: yr, XC: xc, YC: yc, DX: xr - xc, DY: yr - yc})
	}

	for _, r := range ref {
		for _, a := range cur {
			if !Similar(r, a) {
				continue
			}
			add(r.X1, r.Y1, a.X1, a.Y1)
			add(r.X2, r.Y2, a.X2, a.Y2)
			add(r.X3, r.Y3, a.X3, a.Y3)
		}
	}

	if len(pairs) == 0 {
		return Match{}, ErrNoMatch
	}

	dxs := make([]float64, len(pairs))
	dys := make([]float64, len(pairs))
	for i, p := range pairs {
		dxs[i] = p.DX
		dys[i] = p.DY
	}

	return Match{
		Pairs: pairs,
		DX:    stat.Mean(dxs, nil),
		DY:    stat.Mean(dys, nil),
		Count: len(pairs),
	}, nil
}

// Drift builds the current index from stars and matches it against ref.
// Fewer than three stars yields ErrNoMatch.
func Drift(ref []Triangle, stars []Star) (Match, []Triangle, error) {
	cur := BuildIndexes(stars)
	if len(cur) == 0 || len(ref) == 0 {
		return Match{}, cur, ErrNoMatch
	}
	m, err := MatchIndexes(ref, cur)
	return m, cur, err
}
