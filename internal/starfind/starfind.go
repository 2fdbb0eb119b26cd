package starfind

import (
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gopkg.in/gographics/imagick.v3/imagick"

	"skyguide/internal/triangle"
)

// Options tune detection.
type Options struct {
	// Sigma is how many standard deviations above the mean a pixel must be
	// to belong to a star.
	Sigma     float64
	MinPixels int
	MaxPixels int
	MaxStars  int
}

// DefaultOptions returns settings suited to guide camera frames.
func DefaultOptions() Options {
	return Options{Sigma: 3, MinPixels: 2, MaxPixels: 1000, MaxStars: 100}
}

// Detector finds stars in image files with ImageMagick.
type Detector struct {
	opts Options
	log  *slog.Logger
}

// New creates a detector. Zero fields of opts take their defaults.
func New(opts Options, logger *slog.Logger) *Detector {
	def := DefaultOptions()
	if opts.Sigma <= 0 {
		opts.Sigma = def.Sigma
	}
	if opts.MinPixels <= 0 {
		opts.MinPixels = def.MinPixels
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = def.MaxPixels
	}
	if opts.MaxStars <= 0 {
		opts.MaxStars = def.MaxStars
	}
	return &Detector{opts: opts, log: logger}
}

// Detect reads the image at path and returns its stars, brightest first.
func (d *Detector) Detect(path string) ([]triangle.Star, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if err := mw.SetImageColorspace(imagick.COLORSPACE_GRAY); err != nil {
		return nil, fmt.Errorf("convert to grayscale: %w", err)
	}
	width := mw.GetImageWidth()
	height := mw.GetImageHeight()

	px, err := mw.ExportImagePixels(0, 0, width, height, "I", imagick.PIXEL_FLOAT)
	if err != nil {
		return nil, fmt.Errorf("export pixels: %w", err)
	}
	gray := px.([]float32)
	mean, threshold := Threshold(gray, d.opts.Sigma)

	d.log.Debug("analyzing frame",
		"file", filepath.Base(path),
		"width", width,
		"height", height,
		"mean", mean,
		"threshold", threshold)

	mask := Open(Mask(gray, threshold), int(width), int(height))
	stars := Blobs(mask, gray, int(width), int(height), mean, d.opts)
	d.log.Debug("stars detected", "file", filepath.Base(path), "count", len(stars))
	return stars, nil
}

// Threshold returns the frame mean and mean + sigma·stddev clamped to [0, 1].
func Threshold(gray []float32, sigma float64) (mean, threshold float64) {
	if len(gray) == 0 {
		return 0, 1
	}
	vals := make([]float64, len(gray))
	for i, v := range gray {
		vals[i] = float64(v)
	}
	mean, std := stat.PopMeanStdDev(vals, nil)
	threshold = math.Min(1, math.Max(0, mean+sigma*std))
	return mean, threshold
}

// Mask marks the pixels of gray brighter than threshold with 1.
func Mask(gray []float32, threshold float64) []float32 {
	mask := make([]float32, len(gray))
	for i, v := range gray {
		if float64(v) > threshold {
			mask[i] = 1
		}
	}
	return mask
}

// Open erodes then dilates mask with a radius-1 disk, which removes hot
// pixels and thin streaks. Pixels outside the frame count as background.
func Open(mask []float32, width, height int) []float32 {
	return morph(morph(mask, width, height, true), width, height, false)
}

var disk = []point{{0, 0}, {1, 0}, {-1, 0}, {0, 1}, {0, -1}}

func morph(mask []float32, width, height int, erode bool) []float32 {
	out := make([]float32, len(mask))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			set := erode
			for _, d := range disk {
				nx, ny := x+d.x, y+d.y
				on := nx >= 0 && nx < width && ny >= 0 && ny < height && mask[ny*width+nx] > 0.5
				if erode && !on {
					set = false
					break
				}
				if !erode && on {
					set = true
					break
				}
			}
			if set {
				out[y*width+x] = 1
			}
		}
	}
	return out
}

type point struct{ x, y int }

// Blobs extracts connected components of mask (pixels > 0.5) and returns
// their background-subtracted flux-weighted centroids, brightest first.
// gray supplies the weights; blobs outside [MinPixels, MaxPixels] are
// rejected.
func Blobs(mask, gray []float32, width, height int, background float64, opts Options) []triangle.Star {
	visited := make([]bool, len(mask))
	var stars []triangle.Star

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			idx := y*width + x
			if mask[idx] <= 0.5 || visited[idx] {
				continue
			}
			blob := floodFill(mask, visited, x, y, width, height)
			if len(blob) < opts.MinPixels || len(blob) > opts.MaxPixels {
				continue
			}
			if s, ok := centroid(blob, gray, width, background); ok {
				stars = append(stars, s)
			}
		}
	}

	sort.SliceStable(stars, func(i, j int) bool { return stars[i].Flux > stars[j].Flux })
	if opts.MaxStars > 0 && len(stars) > opts.MaxStars {
		stars = stars[:opts.MaxStars]
	}
	return stars
}

func centroid(blob []point, gray []float32, width int, background float64) (triangle.Star, bool) {
	var sx, sy, flux float64
	for _, p := range blob {
		w := 1.0
		if gray != nil {
			w = math.Max(0, float64(gray[p.y*width+p.x])-background)
		}
		sx += float64(p.x) * w
		sy += float64(p.y) * w
		flux += w
	}
	if flux <= 0 {
		return triangle.Star{}, false
	}
	cx, cy := sx/flux, sy/flux

	// Half-flux radius: flux-weighted mean distance from the centroid.
	var hfr float64
	for _, p := range blob {
		w := 1.0
		if gray != nil {
			w = math.Max(0, float64(gray[p.y*width+p.x])-background)
		}
		hfr += w * math.Hypot(float64(p.x)-cx, float64(p.y)-cy)
	}
	return triangle.Star{X: cx, Y: cy, Flux: flux, HFR: hfr / flux}, true
}

// floodFill traces the 4-connected blob containing (startX, startY).
func floodFill(mask []float32, visited []bool, startX, startY, width, height int) []point {
	var out []point
	stack := []point{{startX, startY}}

	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if p.x < 0 || p.x >= width || p.y < 0 || p.y >= height {
			continue
		}
		idx := p.y*width + p.x
		if visited[idx] || mask[idx] <= 0.5 {
			continue
		}
		visited[idx] = true
		out = append(out, p)

		stack = append(stack,
			point{p.x + 1, p.y},
			point{p.x - 1, p.y},
			point{p.x, p.y + 1},
			point{p.x, p.y - 1},
		)
	}
	return out
}
