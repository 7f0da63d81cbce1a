// Package render composites volume planes and draws them for display
// using fogleman/gg.
package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"sync"

	"github.com/fogleman/gg"
	xdraw "golang.org/x/image/draw"

	"github.com/neuroslice/server/internal/viewport"
)

// Config contains renderer configuration.
type Config struct {
	OverlayColor   color.RGBA
	CrosshairColor color.RGBA
	CrosshairWidth float64
	// DefaultWidth is used when a request does not give a display width.
	DefaultWidth int
}

// Renderer draws composited planes into letterboxed display images.
type Renderer struct {
	config     Config
	bufferPool sync.Pool
}

// NewRenderer creates a new renderer.
func NewRenderer(cfg Config) *Renderer {
	if cfg.CrosshairWidth <= 0 {
		cfg.CrosshairWidth = 1
	}
	if cfg.DefaultWidth <= 0 {
		cfg.DefaultWidth = 400
	}
	return &Renderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// Config returns the renderer configuration.
func (r *Renderer) Config() Config {
	return r.config
}

// Composite runs the compositor with the configured overlay colour.
func (r *Renderer) Composite(in Input) *image.RGBA {
	in.Color = r.config.OverlayColor
	return Composite(in)
}

// Display scales a native-resolution plane image into an availW x availH
// canvas, letterboxed on black, and draws the crosshair at the cursor.
func (r *Renderer) Display(native *image.RGBA, plane viewport.Planar, cursor [3]int, availW, availH int) (*image.RGBA, viewport.Layout) {
	w, h := plane.Size()
	if availW <= 0 {
		availW = r.config.DefaultWidth
	}
	layout := viewport.Fit(w, h, availW, availH)

	canvas := image.NewRGBA(image.Rect(0, 0, layout.AvailW, layout.AvailH))
	dc := gg.NewContextForRGBA(canvas)
	dc.SetColor(color.Black)
	dc.Clear()

	if layout.DrawW <= 0 || layout.DrawH <= 0 {
		return canvas, layout
	}

	dst := image.Rect(layout.OffsetX, layout.OffsetY, layout.OffsetX+layout.DrawW, layout.OffsetY+layout.DrawH)
	xdraw.NearestNeighbor.Scale(canvas, dst, native, native.Bounds(), xdraw.Src, nil)

	sx, sy := layout.Crosshair(plane, cursor)
	dc.SetColor(r.config.CrosshairColor)
	dc.SetLineWidth(r.config.CrosshairWidth)
	dc.DrawLine(sx, float64(dst.Min.Y), sx, float64(dst.Max.Y))
	dc.Stroke()
	dc.DrawLine(float64(dst.Min.X), sy, float64(dst.Max.X), sy)
	dc.Stroke()

	return canvas, layout
}

// EncodePNG encodes an image with the fast PNG encoder.
func (r *Renderer) EncodePNG(img image.Image) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, img); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// CreateEmptyImage creates a black image for planes with no volume loaded.
func (r *Renderer) CreateEmptyImage(availW, availH int) ([]byte, error) {
	if availW <= 0 {
		availW = r.config.DefaultWidth
	}
	if availH <= 0 {
		availH = availW
	}
	img := image.NewRGBA(image.Rect(0, 0, availW, availH))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
	return r.EncodePNG(img)
}
