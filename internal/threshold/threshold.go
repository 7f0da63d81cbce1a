// Package threshold computes the overlay cutoff.
package threshold

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/neuroslice/server/internal/volume"
)

// maxSamples bounds the percentile sample size.
const maxSamples = 200000

// Mode selects how the threshold is derived.
type Mode string

const (
	ModeValue      Mode = "value"
	ModePercentile Mode = "percentile"
)

// ParseMode accepts "value" or "percentile".
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeValue:
		return ModeValue, nil
	case ModePercentile:
		return ModePercentile, nil
	}
	return "", fmt.Errorf("unknown threshold mode: %q", s)
}

// Config is the user's threshold setting.
type Config struct {
	Mode       Mode    `json:"mode" yaml:"mode"`
	Value      float64 `json:"value" yaml:"value"`
	Percentile float64 `json:"percentile" yaml:"percentile"`
}

// Result is a computed threshold. Defined is false when there is no overlay.
type Result struct {
	Value   float32
	Defined bool
}

// Compute derives the threshold for overlay. It is never cached: callers
// recompute whenever the overlay or the config changes.
func Compute(overlay *volume.Volume, cfg Config) Result {
	if overlay == nil {
		return Result{}
	}
	if cfg.Mode == ModePercentile {
		return Result{Value: Percentile(overlay.Data, cfg.Percentile), Defined: true}
	}
	return Result{Value: float32(cfg.Value), Defined: true}
}

// Percentile returns an approximate p-th percentile of data from a strided
// sample of at most about 200k values. NaN and infinite samples are left
// out; with no finite sample the result is 0.
func Percentile(data []float32, p float64) float32 {
	if len(data) == 0 {
		return 0
	}
	stride := (len(data) + maxSamples - 1) / maxSamples
	if stride < 1 {
		stride = 1
	}
	sample := make([]float32, 0, len(data)/stride+1)
	for i := 0; i < len(data); i += stride {
		x := data[i]
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			continue
		}
		sample = append(sample, x)
	}
	if len(sample) == 0 {
		return 0
	}
	slices.Sort(sample)

	if math.IsNaN(p) {
		p = 0
	}
	p = math.Max(0, math.Min(100, p))
	idx := int(math.Floor(p / 100 * float64(len(sample)-1)))
	if idx < 0 {
		idx = 0
	} else if idx >= len(sample) {
		idx = len(sample) - 1
	}
	return sample[idx]
}
