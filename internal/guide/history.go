package guide

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// RMS summarises the recent guiding error in arcseconds.
type RMS struct {
	RA    float64 `json:"ra"`
	DE    float64 `json:"de"`
	Total float64 `json:"total"`
}

// History is a fixed-size ring of RA/DE errors used for RMS telemetry.
type History struct {
	ra   []float64
	de   []float64
	next int
	full bool
}

// NewHistory creates a ring holding at most window samples.
func NewHistory(window int) *History {
	if window < 1 {
		window = 1
	}
	return &History{ra: make([]float64, window), de: make([]float64, window)}
}

// Push records one sample, evicting the oldest when full.
func (h *History) Push(ra, de float64) {
	h.ra[h.next] = ra
	h.de[h.next] = de
	h.next++
	if h.next == len(h.ra) {
		h.next = 0
		h.full = true
	}
}

// Len is the number of samples held.
func (h *History) Len() int {
	if h.full {
		return len(h.ra)
	}
	return h.next
}

// Window is the ring capacity.
func (h *History) Window() int { return len(h.ra) }

// Resize changes the ring capacity, keeping the most recent samples that fit.
func (h *History) Resize(window int) {
	if window < 1 {
		window = 1
	}
	if window == len(h.ra) {
		return
	}
	n := h.Len()
	ra := make([]float64, 0, n)
	de := make([]float64, 0, n)
	start := 0
	if h.full {
		start = h.next
	}
	for i := 0; i < n; i++ {
		j := (start + i) % len(h.ra)
		ra = append(ra, h.ra[j])
		de = append(de, h.de[j])
	}
	if n > window {
		ra, de = ra[n-window:], de[n-window:]
		n = window
	}

	h.ra = make([]float64, window)
	h.de = make([]float64, window)
	copy(h.ra, ra)
	copy(h.de, de)
	h.next = n % window
	h.full = n == window
}

// RMS computes root-mean-square error per axis over the held samples.
func (h *History) RMS() RMS {
	n := h.Len()
	if n == 0 {
		return RMS{}
	}
	ra := h.ra[:n]
	de := h.de[:n]
	r := RMS{
		RA: math.Sqrt(floats.Dot(ra, ra) / float64(n)),
		DE: math.Sqrt(floats.Dot(de, de) / float64(n)),
	}
	r.Total = math.Hypot(r.RA, r.DE)
	return r
}
