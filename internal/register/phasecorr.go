// Package register estimates translational misregistration between two
// single-band images by phase correlation.
package register

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"

	"georeg/internal/raster"
)

// DefaultUpsampleFactor resolves shifts to a tenth of a pixel.
const DefaultUpsampleFactor = 10

// ErrCorrelation is returned for inputs with no defined correlation peak,
// such as an image that is zero everywhere after normalization.
var ErrCorrelation = errors.New("degenerate correlation input")

// Image is a row-major single-band image.
type Image struct {
	Rows int
	Cols int
	Pix  []float64
}

// FromBand views band bi of buf as an Image. The samples are shared.
func FromBand(buf *raster.Buffer, bi int) Image {
	return Image{Rows: buf.Height, Cols: buf.Width, Pix: buf.Bands[bi]}
}

// Shift is the pixel translation that registers the moving image onto the
// reference: if moving[y][x] == reference[y+Row][x+Col] then Estimate
// returns (Row, Col). Error is 0 for a perfect match and grows toward 1 as
// the correlation peak weakens.
type Shift struct {
	Row   float64 `json:"row"`
	Col   float64 `json:"col"`
	Error float64 `json:"error"`
}

func (s Shift) String() string {
	return fmt.Sprintf("shift(row=%.3f col=%.3f err=%.4f)", s.Row, s.Col, s.Error)
}

// Estimate finds the sub-pixel shift between ref and mov. Images of
// different shapes are zero-padded at the bottom and right to a common
// shape. upsample is the sub-pixel refinement factor; values below 2 give
// whole-pixel precision.
func Estimate(ref, mov Image, upsample int) (Shift, error) {
	if err := ref.validate("reference"); err != nil {
		return Shift{}, err
	}
	if err := mov.validate("moving"); err != nil {
		return Shift{}, err
	}
	if upsample < 1 {
		upsample = 1
	}

	rows, cols := max(ref.Rows, mov.Rows), max(ref.Cols, mov.Cols)
	a, okA := unitRange(ref, rows, cols)
	b, okB := unitRange(mov, rows, cols)
	if !okA {
		return Shift{}, fmt.Errorf("%w: reference image is constant", ErrCorrelation)
	}
	if !okB {
		return Shift{}, fmt.Errorf("%w: moving image is constant", ErrCorrelation)
	}

	fa := fft2(a, rows, cols, false)
	fb := fft2(b, rows, cols, false)

	raw := make([]complex128, len(fa))
	product := make([]complex128, len(fa))
	var srcAmp, tgtAmp float64
	floor := 100 * epsilon
	for i := range fa {
		p := fa[i] * cmplx.Conj(fb[i])
		raw[i] = p
		product[i] = p / complex(math.Max(cmplx.Abs(p), floor), 0)
		srcAmp += real(fa[i] * cmplx.Conj(fa[i]))
		tgtAmp += real(fb[i] * cmplx.Conj(fb[i]))
	}

	surface := fft2(product, rows, cols, true)
	peak := argmaxAbs(surface)
	shiftRow := float64(peak / cols)
	shiftCol := float64(peak % cols)
	if shiftRow > float64(rows/2) {
		shiftRow -= float64(rows)
	}
	if shiftCol > float64(cols/2) {
		shiftCol -= float64(cols)
	}

	if upsample > 1 {
		uf := float64(upsample)
		shiftRow = math.Round(shiftRow*uf) / uf
		shiftCol = math.Round(shiftCol*uf) / uf
		region := int(math.Ceil(uf * 1.5))
		center := float64(region / 2)

		conj := make([]complex128, len(product))
		for i, p := range product {
			conj[i] = cmplx.Conj(p)
		}
		zoom := upsampledDFT(conj, rows, cols, region, upsample,
			center-shiftRow*uf, center-shiftCol*uf)
		for i := range zoom {
			zoom[i] = cmplx.Conj(zoom[i])
		}
		zp := argmaxAbs(zoom)
		shiftRow += (float64(zp/region) - center) / uf
		shiftCol += (float64(zp%region) - center) / uf
	}

	if rows == 1 {
		shiftRow = 0
	}
	if cols == 1 {
		shiftCol = 0
	}

	cc := correlationAt(raw, rows, cols, shiftRow, shiftCol)
	ratio := real(cc*cmplx.Conj(cc)) / (srcAmp * tgtAmp)
	return Shift{
		Row:   shiftRow,
		Col:   shiftCol,
		Error: math.Sqrt(math.Abs(1 - ratio)),
	}, nil
}

var epsilon = math.Nextafter(1, 2) - 1

func (im Image) validate(name string) error {
	if im.Rows < 1 || im.Cols < 1 {
		return fmt.Errorf("%w: %s image is empty (%dx%d)", ErrCorrelation, name, im.Cols, im.Rows)
	}
	if len(im.Pix) != im.Rows*im.Cols {
		return fmt.Errorf("%s image has %d samples for %dx%d", name, len(im.Pix), im.Cols, im.Rows)
	}
	return nil
}

// unitRange rescales im onto [0, 1] by its own finite min and max and
// places it top-left in a rows x cols zero grid. Non-finite samples become
// 0. ok is false when the result is zero everywhere.
func unitRange(im Image, rows, cols int) (out []complex128, ok bool) {
	lo, hi, finite := raster.BandRange(im.Pix)
	out = make([]complex128, rows*cols)
	if !finite || hi <= lo {
		return out, false
	}
	span := hi - lo
	for r := 0; r < im.Rows; r++ {
		for c := 0; c < im.Cols; c++ {
			v := im.Pix[r*im.Cols+c]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			out[r*cols+c] = complex((v-lo)/span, 0)
		}
	}
	return out, true
}

// fft2 transforms a row-major grid along rows then columns. The inverse is
// scaled by 1/(rows*cols).
func fft2(in []complex128, rows, cols int, inverse bool) []complex128 {
	out := append([]complex128(nil), in...)

	if cols > 1 {
		fft := fourier.NewCmplxFFT(cols)
		res := make([]complex128, cols)
		for r := 0; r < rows; r++ {
			line := out[r*cols : (r+1)*cols]
			if inverse {
				fft.Sequence(res, line)
			} else {
				fft.Coefficients(res, line)
			}
			copy(line, res)
		}
	}

	if rows > 1 {
		fft := fourier.NewCmplxFFT(rows)
		line := make([]complex128, rows)
		res := make([]complex128, rows)
		for c := 0; c < cols; c++ {
			for r := range line {
				line[r] = out[r*cols+c]
			}
			if inverse {
				fft.Sequence(res, line)
			} else {
				fft.Coefficients(res, line)
			}
			for r, v := range res {
				out[r*cols+c] = v
			}
		}
	}

	if inverse {
		scale := complex(1/float64(rows*cols), 0)
		for i := range out {
			out[i] *= scale
		}
	}
	return out
}

// fftFreq returns the sample frequencies of an n-point transform with
// sample spacing d, zero first and negatives in the upper half.
func fftFreq(n int, d float64) []float64 {
	out := make([]float64, n)
	positive := (n-1)/2 + 1
	for i := 0; i < positive; i++ {
		out[i] = float64(i) / (float64(n) * d)
	}
	for i := positive; i < n; i++ {
		out[i] = float64(i-n) / (float64(n) * d)
	}
	return out
}

// upsampledDFT evaluates the inverse DFT of data on a region x region
// grid, upsample times finer than the input, whose origin sits at
// (rowOffset, colOffset) in upsampled units. The two kernel products avoid
// a full zero-padded transform.
func upsampledDFT(data []complex128, rows, cols, region, upsample int, rowOffset, colOffset float64) []complex128 {
	kernel := func(n int, offset float64) []complex128 {
		freq := fftFreq(n, float64(upsample))
		k := make([]complex128, region*n)
		for u := 0; u < region; u++ {
			for j, f := range freq {
				k[u*n+j] = cmplx.Exp(complex(0, -2*math.Pi*(float64(u)-offset)*f))
			}
		}
		return k
	}
	kc := kernel(cols, colOffset)
	kr := kernel(rows, rowOffset)

	// tmp[uc][r] = sum_c kc[uc][c] * data[r][c]
	tmp := make([]complex128, region*rows)
	for uc := 0; uc < region; uc++ {
		for r := 0; r < rows; r++ {
			var acc complex128
			for c := 0; c < cols; c++ {
				acc += kc[uc*cols+c] * data[r*cols+c]
			}
			tmp[uc*rows+r] = acc
		}
	}
	// out[ur][uc] = sum_r kr[ur][r] * tmp[uc][r]
	out := make([]complex128, region*region)
	for ur := 0; ur < region; ur++ {
		for uc := 0; uc < region; uc++ {
			var acc complex128
			for r := 0; r < rows; r++ {
				acc += kr[ur*rows+r] * tmp[uc*rows+r]
			}
			out[ur*region+uc] = acc
		}
	}
	return out
}

// correlationAt evaluates the unnormalized cross-correlation of the raw
// cross-power spectrum at a fractional lag.
func correlationAt(spectrum []complex128, rows, cols int, shiftRow, shiftCol float64) complex128 {
	fr := fftFreq(rows, 1)
	fc := fftFreq(cols, 1)
	var acc complex128
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			phase := 2 * math.Pi * (fr[r]*shiftRow + fc[c]*shiftCol)
			acc += spectrum[r*cols+c] * cmplx.Exp(complex(0, phase))
		}
	}
	return acc
}

// argmaxAbs returns the first index of the largest magnitude.
func argmaxAbs(v []complex128) int {
	best, idx := -1.0, 0
	for i, x := range v {
		if a := cmplx.Abs(x); a > best {
			best, idx = a, i
		}
	}
	return idx
}
