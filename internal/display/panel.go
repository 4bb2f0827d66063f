package display

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"sync"
	"time"
)

// Common RGB565 colors
const (
	WHITE = 0xFFFF
	BLACK = 0x0000
	RED   = 0xF800
	GREEN = 0x07E0
	BLUE  = 0x001F
)

// MemoryPanel is a framebuffer standing in for the SPI panel. Each block
// completes on its own goroutine after Latency, like a DMA interrupt.
type MemoryPanel struct {
	Width, Height int
	Latency       time.Duration

	mu       sync.Mutex
	fb       []byte
	window   Region
	cursor   int
	complete func()
	blocks   int
}

// NewMemoryPanel creates a blank panel.
func NewMemoryPanel(width, height int) *MemoryPanel {
	return &MemoryPanel{
		Width:  width,
		Height: height,
		fb:     make([]byte, width*height*BYTES_PER_PIXEL),
	}
}

// Attach sets the completion callback, normally Engine.OnChunkComplete.
func (p *MemoryPanel) Attach(complete func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.complete = complete
}

func (p *MemoryPanel) SetWindow(r Region) error {
	if r.X < 0 || r.Y < 0 || r.Width <= 0 || r.Height <= 0 || r.X+r.Width > p.Width || r.Y+r.Height > p.Height {
		return fmt.Errorf("window %+v outside %dx%d panel", r, p.Width, p.Height)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.window = r
	p.cursor = 0
	return nil
}

func (p *MemoryPanel) StartBlock(data []byte) error {
	p.mu.Lock()
	for i := 0; i+1 < len(data); i += BYTES_PER_PIXEL {
		px := p.cursor % p.window.Pixels()
		x := p.window.X + px%p.window.Width
		y := p.window.Y + px/p.window.Width
		off := (y*p.Width + x) * BYTES_PER_PIXEL
		p.fb[off], p.fb[off+1] = data[i], data[i+1]
		p.cursor++
	}
	p.blocks++
	complete, latency := p.complete, p.Latency
	p.mu.Unlock()

	if complete != nil {
		go func() {
			if latency > 0 {
				time.Sleep(latency)
			}
			complete()
		}()
	}
	return nil
}

// Pixel returns the RGB565 value at x, y.
func (p *MemoryPanel) Pixel(x, y int) uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	off := (y*p.Width + x) * BYTES_PER_PIXEL
	return uint16(p.fb[off])<<8 | uint16(p.fb[off+1])
}

// Blocks returns the number of blocks written so far.
func (p *MemoryPanel) Blocks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blocks
}

// RGB565 packs 16-bit-per-channel color into 5-6-5.
func RGB565(r, g, b uint32) uint16 {
	return uint16((r>>11)<<11 | (g>>10)<<5 | b>>11)
}

// EncodeImage converts img to big-endian RGB565, row by row.
func EncodeImage(img image.Image) (Region, []byte) {
	bounds := img.Bounds()
	region := Region{Width: bounds.Dx(), Height: bounds.Dy()}
	out := make([]byte, 0, region.Bytes())
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			c := RGB565(r, g, b)
			out = append(out, byte(c>>8), byte(c))
		}
	}
	return region, out
}

// LoadPNG reads a PNG file as a picture job placed at x, y.
func LoadPNG(name, path string, x, y int) (Job, error) {
	f, err := os.Open(path)
	if err != nil {
		return Job{}, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return Job{}, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	region, pixels := EncodeImage(img)
	region.X, region.Y = x, y
	return Picture(name, region, pixels), nil
}
