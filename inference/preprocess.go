package inference

import (
	"fmt"
	"image"
	"runtime"
	"sync"
)

// Normalization maps an 8-bit channel value v to (v - Mean) / Std.
type Normalization struct {
	Mean float32
	Std  float32
}

// PlanarPreprocessor writes an RGB image into a CHW float32 tensor buffer.
type PlanarPreprocessor struct {
	width, height int
	norm          Normalization
	numWorkers    int
}

func NewPlanarPreprocessor(width, height int, norm Normalization) *PlanarPreprocessor {
	workers := runtime.GOMAXPROCS(0)
	if workers > height {
		workers = height
	}
	if workers < 1 {
		workers = 1
	}
	return &PlanarPreprocessor{
		width:      width,
		height:     height,
		norm:       norm,
		numWorkers: workers,
	}
}

// Len is the number of float32 values Process writes.
func (p *PlanarPreprocessor) Len() int {
	return 3 * p.width * p.height
}

// Process fills dst with img anchored at the top-left corner. Tensor cells
// not covered by img hold the normalized value of a black pixel.
func (p *PlanarPreprocessor) Process(img image.Image, dst []float32) error {
	if len(dst) < p.Len() {
		return fmt.Errorf("tensor buffer too small: got %d, want %d", len(dst), p.Len())
	}

	pad := (0 - p.norm.Mean) / p.norm.Std
	for i := range dst[:p.Len()] {
		dst[i] = pad
	}

	if nrgba, ok := img.(*image.NRGBA); ok {
		p.processParallel(nrgba, dst)
		return nil
	}
	p.processGeneric(img, dst)
	return nil
}

func (p *PlanarPreprocessor) bounds(img image.Image) (int, int) {
	b := img.Bounds()
	return min(b.Dx(), p.width), min(b.Dy(), p.height)
}

func (p *PlanarPreprocessor) processParallel(img *image.NRGBA, buffer []float32) {
	w, h := p.bounds(img)
	channelSize := p.width * p.height
	mean, std := p.norm.Mean, p.norm.Std

	workers := min(p.numWorkers, h)
	if workers < 1 {
		return
	}
	rowsPerWorker := h / workers

	var wg sync.WaitGroup
	wg.Add(workers)

	for wk := 0; wk < workers; wk++ {
		startRow := wk * rowsPerWorker
		endRow := (wk + 1) * rowsPerWorker
		if wk == workers-1 {
			endRow = h
		}

		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				row := img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y)
				src := img.Pix[row : row+w*4]
				offset := y * p.width
				for x := 0; x < w; x++ {
					i := offset + x
					buffer[i] = (float32(src[x*4]) - mean) / std
					buffer[channelSize+i] = (float32(src[x*4+1]) - mean) / std
					buffer[channelSize*2+i] = (float32(src[x*4+2]) - mean) / std
				}
			}
		}(startRow, endRow)
	}

	wg.Wait()
}

func (p *PlanarPreprocessor) processGeneric(img image.Image, buffer []float32) {
	w, h := p.bounds(img)
	b := img.Bounds()
	channelSize := p.width * p.height
	mean, std := p.norm.Mean, p.norm.Std

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*p.width + x
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			buffer[i] = (float32(r>>8) - mean) / std
			buffer[channelSize+i] = (float32(g>>8) - mean) / std
			buffer[channelSize*2+i] = (float32(bl>>8) - mean) / std
		}
	}
}
