package source

import (
	"math"
	"sort"
)

// IRAF zscale parameters.
const (
	zscaleSamples    = 1000
	zscaleContrast   = 0.25
	zscaleMaxReject  = 0.5
	zscaleMinPixels  = 5
	zscaleKRej       = 2.5
	zscaleIterations = 5
)

// zscale picks the display interval for astronomical data: a robust line is fitted
// to the sorted sample and its slope, scaled by the contrast, bounds the interval
// around the median. Non-finite values must be filtered out by the caller.
func zscale(values []float64) (float64, float64) {
	samples := sampleValues(values, zscaleSamples)
	if len(samples) == 0 {
		return 0, 0
	}
	sort.Float64s(samples)

	npix := len(samples)
	zmin, zmax := samples[0], samples[npix-1]
	center := (npix - 1) / 2
	median := samples[center]
	if npix%2 == 0 {
		median = (samples[center] + samples[center+1]) / 2
	}

	minpix := max(zscaleMinPixels, int(float64(npix)*zscaleMaxReject))
	ngrow := max(1, int(float64(npix)*0.01))

	good := make([]bool, npix)
	for i := range good {
		good[i] = true
	}
	ngood := npix
	last := npix + 1
	var slope float64

	for iter := 0; iter < zscaleIterations && ngood >= minpix && ngood < last; iter++ {
		last = ngood

		var intercept float64
		slope, intercept = fitLine(samples, good)

		var sum, sumSq float64
		var n int
		residuals := make([]float64, npix)
		for i, v := range samples {
			residuals[i] = v - (intercept + slope*float64(i))
			if good[i] {
				sum += residuals[i]
				sumSq += residuals[i] * residuals[i]
				n++
			}
		}
		if n == 0 {
			break
		}
		mean := sum / float64(n)
		sigma := math.Sqrt(math.Max(sumSq/float64(n)-mean*mean, 0))
		threshold := zscaleKRej * sigma

		// отбрасываем выбросы вместе с соседями
		rejected := make([]bool, npix)
		for i, r := range residuals {
			if math.Abs(r) > threshold {
				lo, hi := max(0, i-ngrow), min(npix-1, i+ngrow)
				for j := lo; j <= hi; j++ {
					rejected[j] = true
				}
			}
		}
		ngood = 0
		for i := range good {
			good[i] = good[i] && !rejected[i]
			if good[i] {
				ngood++
			}
		}
	}

	if ngood >= minpix {
		slope /= zscaleContrast
		zmin = math.Max(zmin, median-float64(center-1)*slope)
		zmax = math.Min(zmax, median+float64(npix-center)*slope)
	}
	return zmin, zmax
}

// fitLine is an ordinary least squares fit of y=samples[i] over x=i for good points.
func fitLine(samples []float64, good []bool) (float64, float64) {
	var sx, sy, sxx, sxy, n float64
	for i, y := range samples {
		if !good[i] {
			continue
		}
		x := float64(i)
		sx += x
		sy += y
		sxx += x * x
		sxy += x * y
		n++
	}
	if n == 0 {
		return 0, 0
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0, sy / n
	}
	slope := (n*sxy - sx*sy) / den
	return slope, (sy - slope*sx) / n
}

// sampleValues takes at most limit values spread evenly over values.
func sampleValues(values []float64, limit int) []float64 {
	if len(values) <= limit {
		return append([]float64(nil), values...)
	}
	stride := float64(len(values)) / float64(limit)
	out := make([]float64, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, values[int(float64(i)*stride)])
	}
	return out
}

// stretch maps v into [0,255] over the interval [lo,hi].
func stretch(v, lo, hi float64) uint8 {
	if math.IsNaN(v) || math.IsInf(v, 0) || hi <= lo {
		return 0
	}
	t := (v - lo) / (hi - lo)
	switch {
	case t <= 0:
		return 0
	case t >= 1:
		return 255
	default:
		return uint8(t*255 + 0.5)
	}
}
