package correlator

import (
	"fmt"
	"math"

	"github.com/mjibson/go-dsp/fft"
	"gonum.org/v1/gonum/stat"
)

// CrossCorrelate computes the circular cross-correlation of the two event
// buffers and returns the lag bin with the strongest peak together with
// its z-score. A flat correlation (zero variance) reports lag 0 with a
// zero peak; callers must treat a near-zero peak as "no reliable lag
// found" rather than a valid answer.
func CrossCorrelate(a, b []complex128) (bestLag int, peakZ float64, err error) {
	scores, err := correlationScores(a, b)
	if err != nil {
		return 0, 0, err
	}
	if scores == nil {
		return 0, 0, nil
	}

	bestLag = 0
	peakZ = scores[0]
	for i, s := range scores {
		if s > peakZ {
			peakZ = s
			bestLag = i
		}
	}
	return bestLag, peakZ, nil
}

// correlationScores returns the z-score-normalized real part of the
// inverse transform of conj(FFT(a))·FFT(b). A nil slice (no error) means
// the correlation was flat and carries no information.
func correlationScores(a, b []complex128) ([]float64, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("buffer length mismatch: %d vs %d", len(a), len(b))
	}
	if len(a) < 2 {
		return nil, fmt.Errorf("correlation buffers too small: %d bins", len(a))
	}

	fa := fft.FFT(a)
	fb := fft.FFT(b)

	prod := make([]complex128, len(fa))
	for k := range fa {
		re1, im1 := real(fa[k]), imag(fa[k])
		re2, im2 := real(fb[k]), imag(fb[k])
		// conj(A)·B, matching the sign convention of the timing pipeline:
		// the peak index is the shift of dataset 2 relative to dataset 1.
		prod[k] = complex(re1*re2+im1*im2, re1*im2-im1*re2)
	}

	inv := fft.IFFT(prod)

	xs := make([]float64, len(inv))
	for i, c := range inv {
		xs[i] = real(c)
	}

	mean, std := stat.MeanStdDev(xs, nil)
	if std == 0 || math.IsNaN(std) {
		return nil, nil
	}

	for i := range xs {
		xs[i] = (xs[i] - mean) / std
	}
	return xs, nil
}
