// Package source provides the byte providers volumes are loaded from.
package source

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/neuroslice/server/internal/store"
)

// Params are the overlay generation parameters forwarded to the provider.
type Params struct {
	VoxelSizeMM   float64 `json:"voxel_size_mm" yaml:"voxel_size_mm"`
	SmoothingFWHM float64 `json:"smoothing_fwhm" yaml:"smoothing_fwhm"`
	KernelShape   string  `json:"kernel" yaml:"kernel"`
	Radius        float64 `json:"radius" yaml:"radius"`
}

// DefaultParams returns the parameters used when a request leaves them unset.
func DefaultParams() Params {
	return Params{
		VoxelSizeMM:   2,
		SmoothingFWHM: 6,
		KernelShape:   "gaussian",
		Radius:        6,
	}
}

// WithDefaults fills zero fields from def.
func (p Params) WithDefaults(def Params) Params {
	if p.VoxelSizeMM <= 0 {
		p.VoxelSizeMM = def.VoxelSizeMM
	}
	if p.SmoothingFWHM <= 0 {
		p.SmoothingFWHM = def.SmoothingFWHM
	}
	if strings.TrimSpace(p.KernelShape) == "" {
		p.KernelShape = def.KernelShape
	}
	if p.Radius <= 0 {
		p.Radius = def.Radius
	}
	return p
}

// Values encodes the parameters as query values.
func (p Params) Values() url.Values {
	v := url.Values{}
	v.Set("voxel_size", formatFloat(p.VoxelSizeMM))
	v.Set("fwhm", formatFloat(p.SmoothingFWHM))
	v.Set("kernel", p.KernelShape)
	v.Set("radius", formatFloat(p.Radius))
	return v
}

// Request describes one volume to fetch. The background ignores Query and
// Params.
type Request struct {
	Slot   store.Slot `json:"slot"`
	Query  string     `json:"query,omitempty"`
	Params Params     `json:"params"`
}

// BackgroundRequest returns the request for the fixed anatomical volume.
func BackgroundRequest() Request {
	return Request{Slot: store.Background}
}

// OverlayRequest returns a request for a statistical map.
func OverlayRequest(query string, params Params) Request {
	return Request{Slot: store.Overlay, Query: strings.TrimSpace(query), Params: params}
}

// Key returns a stable identifier for the request. Equal requests have
// equal keys.
func (r Request) Key() string {
	if r.Slot == store.Background {
		return "background"
	}
	v := r.Params.Values()
	v.Set("q", r.Query)
	return "overlay?" + v.Encode()
}

// Source delivers the raw, possibly compressed, bytes of a volume.
// Implementations report provider failures as *volume.IOError.
type Source interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

// Func adapts a function to Source.
type Func func(ctx context.Context, req Request) ([]byte, error)

// Fetch calls f.
func (f Func) Fetch(ctx context.Context, req Request) ([]byte, error) {
	return f(ctx, req)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func describe(req Request) string {
	if req.Slot == store.Background {
		return "background"
	}
	return fmt.Sprintf("overlay %q", req.Query)
}
