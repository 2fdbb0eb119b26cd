package starfind

import (
	"math"
	"testing"
)

// frame builds a width×height image with square stars of the given side and
// brightness placed at their top-left corners.
func frame(width, height int, stars [][4]int) (mask, gray []float32) {
	mask = make([]float32, width*height)
	gray = make([]float32, width*height)
	for i := range gray {
		gray[i] = 0.1
	}
	for _, s := range stars {
		x0, y0, side, level := s[0], s[1], s[2], s[3]
		for y := y0; y < y0+side; y++ {
			for x := x0; x < x0+side; x++ {
				mask[y*width+x] = 1
				gray[y*width+x] = 0.1 + float32(level)/10
			}
		}
	}
	return mask, gray
}

func TestBlobsBrightestFirst(t *testing.T) {
	mask, gray := frame(20, 20, [][4]int{
		{2, 2, 2, 3},
		{10, 12, 3, 8},
		{15, 3, 1, 9},
	})
	stars := Blobs(mask, gray, 20, 20, 0.1, DefaultOptions())

	// The single-pixel blob is below MinPixels.
	if len(stars) != 2 {
		t.Fatalf("expected 2 stars, got %d: %+v", len(stars), stars)
	}
	if math.Abs(stars[0].X-11) > 1e-6 || math.Abs(stars[0].Y-13) > 1e-6 {
		t.Fatalf("expected brightest star centred at (11,13), got (%v,%v)", stars[0].X, stars[0].Y)
	}
	if math.Abs(stars[1].X-2.5) > 1e-6 || math.Abs(stars[1].Y-2.5) > 1e-6 {
		t.Fatalf("expected second star centred at (2.5,2.5), got (%v,%v)", stars[1].X, stars[1].Y)
	}
	if stars[0].Flux <= stars[1].Flux {
		t.Fatalf("expected flux ordering, got %+v", stars)
	}
	if stars[1].HFR <= 0 {
		t.Fatalf("expected a positive half-flux radius")
	}
}

func TestBlobsWeightedCentroid(t *testing.T) {
	width, height := 5, 1
	mask := []float32{0, 1, 1, 0, 0}
	gray := []float32{0, 0.3, 0.9, 0, 0}

	stars := Blobs(mask, gray, width, height, 0, DefaultOptions())
	if len(stars) != 1 {
		t.Fatalf("expected one star, got %d", len(stars))
	}
	want := (1*0.3 + 2*0.9) / 1.2
	if math.Abs(stars[0].X-want) > 1e-6 {
		t.Fatalf("expected centroid %v, got %v", want, stars[0].X)
	}
}

func TestBlobsLimits(t *testing.T) {
	mask, gray := frame(30, 30, [][4]int{
		{1, 1, 2, 1},
		{5, 5, 2, 2},
		{10, 10, 2, 3},
		{20, 2, 8, 5},
	})
	opts := Options{MinPixels: 2, MaxPixels: 10, MaxStars: 2}
	stars := Blobs(mask, gray, 30, 30, 0.1, opts)
	if len(stars) != 2 {
		t.Fatalf("expected the star cap to apply, got %d", len(stars))
	}
	for _, s := range stars {
		if s.X > 19 {
			t.Fatalf("oversized blob should be rejected: %+v", s)
		}
	}
	if math.Abs(stars[0].X-10.5) > 1e-6 {
		t.Fatalf("expected brightest remaining star first, got %+v", stars[0])
	}
}

func TestFloodFillIsFourConnected(t *testing.T) {
	// Diagonal neighbours are separate blobs.
	mask := []float32{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	}
	visited := make([]bool, len(mask))
	if got := floodFill(mask, visited, 0, 0, 3, 3); len(got) != 1 {
		t.Fatalf("expected a single pixel blob, got %d", len(got))
	}
	opts := DefaultOptions()
	opts.MinPixels = 1
	if stars := Blobs(mask, nil, 3, 3, 0, opts); len(stars) != 3 {
		t.Fatalf("expected 3 blobs, got %d", len(stars))
	}
}

func TestThreshold(t *testing.T) {
	gray := []float32{0, 0, 0, 1}
	mean, th := Threshold(gray, 1)
	if math.Abs(mean-0.25) > 1e-6 {
		t.Fatalf("expected mean 0.25, got %v", mean)
	}
	want := 0.25 + math.Sqrt(0.1875)
	if math.Abs(th-want) > 1e-6 {
		t.Fatalf("expected threshold %v, got %v", want, th)
	}
	if _, th := Threshold(gray, 10); th != 1 {
		t.Fatalf("expected threshold clamped to 1, got %v", th)
	}
}

func TestThresholdMaskFindsStars(t *testing.T) {
	width, height := 40, 40
	gray := make([]float32, width*height)
	for i := range gray {
		gray[i] = 0.05
	}
	square := func(cx, cy int, level float32) {
		for y := cy - 1; y <= cy+1; y++ {
			for x := cx - 1; x <= cx+1; x++ {
				gray[y*width+x] = level
			}
		}
	}
	square(10, 10, 0.9)
	square(28, 20, 0.6)
	gray[35*width+35] = 1 // hot pixel

	mean, threshold := Threshold(gray, DefaultOptions().Sigma)
	if threshold <= mean || threshold >= 0.6 {
		t.Fatalf("threshold %v should separate stars from a %v background", threshold, mean)
	}

	mask := Open(Mask(gray, threshold), width, height)
	if mask[35*width+35] != 0 {
		t.Fatalf("expected the opening to remove the hot pixel")
	}
	stars := Blobs(mask, gray, width, height, mean, DefaultOptions())
	if len(stars) != 2 {
		t.Fatalf("expected 2 stars, got %d: %+v", len(stars), stars)
	}
	if math.Abs(stars[0].X-10) > 1e-6 || math.Abs(stars[0].Y-10) > 1e-6 {
		t.Fatalf("expected brightest star at (10,10), got (%v,%v)", stars[0].X, stars[0].Y)
	}
	if math.Abs(stars[1].X-28) > 1e-6 || math.Abs(stars[1].Y-20) > 1e-6 {
		t.Fatalf("expected second star at (28,20), got (%v,%v)", stars[1].X, stars[1].Y)
	}
}

func TestOpenKeepsFrameEdgesBackground(t *testing.T) {
	width, height := 4, 3
	mask := make([]float32, width*height)
	for i := range mask {
		mask[i] = 1
	}
	out := Open(mask, width, height)
	// Only the interior survives erosion, and dilation grows it back into a
	// plus without reaching the corners.
	for _, corner := range []int{0, width - 1, (height-1)*width, height*width - 1} {
		if out[corner] != 0 {
			t.Fatalf("expected corner %d cleared, got %v", corner, out)
		}
	}
	if out[1*width+1] != 1 || out[1*width+2] != 1 {
		t.Fatalf("expected the interior kept, got %v", out)
	}
}
