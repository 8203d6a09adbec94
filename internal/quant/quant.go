// Package quant implements QuantizationCodec: variable-precision encode and
// decode for 1/2/4/8-bit integer, 16-bit half-float, and 32-bit float
// payloads, with linear, block-wise, k-means, salience-weighted, and
// adaptive algorithms.
package quant

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/zetareticula/kvcached/internal/kverrors"
)

// Precision is a supported bit-depth.
type Precision int

const (
	Int1 Precision = iota
	Int2
	Int4
	Int8
	Half16
	Float32
)

// Bits reports the nominal bit width of the precision level.
func (p Precision) Bits() int {
	switch p {
	case Int1:
		return 1
	case Int2:
		return 2
	case Int4:
		return 4
	case Int8:
		return 8
	case Half16:
		return 16
	case Float32:
		return 32
	default:
		return 32
	}
}

// MaxValue reports qmax for the asymmetric integer precisions. The two
// float precisions quantize onto a grid matching their native mantissa
// resolution (11 significand bits for half, 24 for single), which makes the
// affine codec a passthrough at that precision: dequantized values land
// within one grid step of the input.
func (p Precision) MaxValue() float32 {
	switch p {
	case Int1:
		return 1
	case Int2:
		return 3
	case Int4:
		return 15
	case Int8:
		return 255
	case Half16:
		return 1<<11 - 1
	case Float32:
		return 1<<24 - 1
	default:
		return 1<<24 - 1
	}
}

// Algorithm selects the quantization strategy.
type Algorithm int

const (
	Linear Algorithm = iota
	KMeans
	Learned
	BlockWise
	SalienceWeighted
	Adaptive
)

// Config configures a Codec.
type Config struct {
	Precision         Precision
	Algorithm         Algorithm
	BlockSize         int // default 128
	SalienceThreshold float32
	UseSymmetric      bool
}

// DefaultConfig matches the original system's defaults.
func DefaultConfig() Config {
	return Config{
		Precision:         Int4,
		Algorithm:         SalienceWeighted,
		BlockSize:         128,
		SalienceThreshold: 0.7,
	}
}

// Parameters is the quantization descriptor: scale, zero-point, and the
// observed min/max.
type Parameters struct {
	Scale     float32
	ZeroPoint int32
	MinVal    float32
	MaxVal    float32
}

// NewParameters computes scale/zero_point for the given observed range and
// precision, matching the asymmetric linear convention: qmin=0,
// qmax=precision.MaxValue().
func NewParameters(minVal, maxVal float32, precision Precision) Parameters {
	qmin := float32(0)
	qmax := precision.MaxValue()
	scale := (maxVal - minVal) / (qmax - qmin)
	if scale == 0 {
		scale = 1
	}
	zeroPoint := int32(math.Round(float64(qmin - minVal/scale)))
	return Parameters{Scale: scale, ZeroPoint: zeroPoint, MinVal: minVal, MaxVal: maxVal}
}

// ErrorMetrics reports MSE, MAE, max absolute error, and SNR in dB.
type ErrorMetrics struct {
	MSE      float32
	MAE      float32
	MaxError float32
	SNR      float32
}

// Result is the output of Quantize.
type Result struct {
	QuantizedData     []int32
	Parameters        Parameters
	CompressionRatio  float32
	ErrorMetrics      ErrorMetrics
	SalienceReserved  float32 // the salience_preserved fraction; also read via SaliencePreserved()
}

// SaliencePreserved is an alias accessor kept for readability at call
// sites; it is the same field as SalienceReserved.
func (r Result) SaliencePreserved() float32 { return r.SalienceReserved }

// Codec is the QuantizationCodec component. It is safe for concurrent use:
// Quantize/Dequantize are pure given the configuration and salience
// weights; SetSalienceWeights takes the lock to publish a new weight map.
type Codec struct {
	mu       sync.RWMutex
	cfg      Config
	salience map[int]float32
}

// New constructs a Codec with the given configuration.
func New(cfg Config) *Codec {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = 128
	}
	return &Codec{cfg: cfg, salience: make(map[int]float32)}
}

// SetSalienceWeights replaces the per-element salience weight map used by
// the salience-weighted and adaptive algorithms.
func (c *Codec) SetSalienceWeights(weights map[int]float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.salience = weights
}

func (c *Codec) salienceWeight(i int) (float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.salience[i]
	return w, ok
}

func (c *Codec) hasSalienceWeights() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.salience) > 0
}

// Quantize dispatches to the configured algorithm.
func (c *Codec) Quantize(data []float32) (Result, error) {
	c.mu.RLock()
	cfg := c.cfg
	c.mu.RUnlock()

	switch cfg.Algorithm {
	case Linear:
		return c.linearQuantize(data, cfg)
	case KMeans:
		return c.kmeansQuantize(data, cfg)
	case Learned:
		return Result{}, fmt.Errorf("%w: learned quantization not configured", kverrors.ErrCodec)
	case BlockWise:
		return c.blockwiseQuantize(data, cfg)
	case SalienceWeighted:
		return c.salienceQuantize(data, cfg)
	case Adaptive:
		return c.adaptiveQuantize(data, cfg)
	default:
		return Result{}, fmt.Errorf("%w: unknown algorithm", kverrors.ErrCodec)
	}
}

// Dequantize recovers approximate fp32 values: x_hat = (q - zero_point) *
// scale + min_val.
func (c *Codec) Dequantize(quantized []int32, params Parameters) []float32 {
	out := make([]float32, len(quantized))
	for i, q := range quantized {
		out[i] = (float32(q)-float32(params.ZeroPoint))*params.Scale + params.MinVal
	}
	return out
}

func minMax(data []float32) (float32, float32) {
	if len(data) == 0 {
		return 0, 0
	}
	lo, hi := data[0], data[0]
	for _, v := range data[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

func (c *Codec) linearQuantize(data []float32, cfg Config) (Result, error) {
	minVal, maxVal := minMax(data)
	params := NewParameters(minVal, maxVal, cfg.Precision)

	quantized := make([]int32, len(data))
	for i, v := range data {
		quantized[i] = quantizeOne(v, minVal, params, cfg.Precision)
	}

	errs := c.errorMetrics(data, quantized, params)
	return Result{
		QuantizedData:    quantized,
		Parameters:       params,
		CompressionRatio: 32.0 / float32(cfg.Precision.Bits()),
		ErrorMetrics:     errs,
		SalienceReserved: 1.0, // linear doesn't consider salience
	}, nil
}

// quantizeOne rounds value's grid offset (value-minVal)/scale to the nearest
// step, clamps that offset to [0, qmax], and adds the zero point, so that
// Dequantize's (q - zero_point)*scale + min_val recovers the value.
func quantizeOne(value, minVal float32, params Parameters, precision Precision) int32 {
	q := (value - minVal) / params.Scale
	q = float32(math.Round(float64(q)))
	if q < 0 {
		q = 0
	}
	if max := precision.MaxValue(); q > max {
		q = max
	}
	return int32(q) + params.ZeroPoint
}

func (c *Codec) salienceQuantize(data []float32, cfg Config) (Result, error) {
	weighted := make([]float32, len(data))
	var preserved, total float32

	for i, v := range data {
		w, ok := c.salienceWeight(i)
		if !ok {
			w = 1.0
		}
		total += w
		if w >= cfg.SalienceThreshold {
			weighted[i] = v
			preserved += w
		} else {
			weighted[i] = roundTo(v*0.9) / 0.9
		}
	}
	if total > 0 {
		preserved /= total
	}

	minVal, maxVal := minMax(weighted)
	params := NewParameters(minVal, maxVal, cfg.Precision)

	quantized := make([]int32, len(weighted))
	for i, v := range weighted {
		quantized[i] = quantizeOne(v, minVal, params, cfg.Precision)
	}

	errs := c.errorMetrics(data, quantized, params)
	return Result{
		QuantizedData:    quantized,
		Parameters:       params,
		CompressionRatio: 32.0 / float32(cfg.Precision.Bits()),
		ErrorMetrics:     errs,
		SalienceReserved: preserved,
	}, nil
}

func roundTo(v float32) float32 {
	return float32(math.Round(float64(v)))
}

func (c *Codec) blockwiseQuantize(data []float32, cfg Config) (Result, error) {
	blockSize := cfg.BlockSize
	if blockSize <= 0 {
		blockSize = 128
	}

	quantized := make([]int32, 0, len(data))
	var allParams []Parameters

	for start := 0; start < len(data); start += blockSize {
		end := start + blockSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[start:end]
		minVal, maxVal := minMax(chunk)
		params := NewParameters(minVal, maxVal, cfg.Precision)
		allParams = append(allParams, params)

		for _, v := range chunk {
			quantized = append(quantized, quantizeOne(v, minVal, params, cfg.Precision))
		}
	}

	avgParams := averageParameters(allParams, cfg.Precision)
	errs := c.errorMetrics(data, quantized, avgParams)

	return Result{
		QuantizedData:    quantized,
		Parameters:       avgParams,
		CompressionRatio: 32.0 / float32(cfg.Precision.Bits()),
		ErrorMetrics:     errs,
		SalienceReserved: 0.8, // block-wise preserves some structure
	}, nil
}

func averageParameters(all []Parameters, precision Precision) Parameters {
	if len(all) == 0 {
		return NewParameters(0, 1, precision)
	}
	var scale, minVal, maxVal float32
	var zp int64
	for _, p := range all {
		scale += p.Scale
		minVal += p.MinVal
		maxVal += p.MaxVal
		zp += int64(p.ZeroPoint)
	}
	n := float32(len(all))
	return Parameters{
		Scale:     scale / n,
		ZeroPoint: int32(zp / int64(len(all))),
		MinVal:    minVal / n,
		MaxVal:    maxVal / n,
	}
}

func (c *Codec) kmeansQuantize(data []float32, cfg Config) (Result, error) {
	k := 1 << uint(cfg.Precision.Bits())
	if k > 256 {
		k = 256
	}
	if k < 1 {
		k = 1
	}
	// k may exceed len(data); surplus centroids simply end up unassigned.

	centroids := initCentroids(data, k)
	var assignments []int
	for iter := 0; iter < 10; iter++ {
		assignments = assignToCentroids(data, centroids)
		centroids = updateCentroids(data, assignments, k)
	}

	quantized := make([]int32, len(data))
	for i, v := range data {
		quantized[i] = int32(closestCentroid(v, centroids))
	}

	minVal, maxVal := minMax(centroids)
	params := NewParameters(minVal, maxVal, cfg.Precision)

	errs := c.kmeansErrorMetrics(data, quantized, centroids)
	return Result{
		QuantizedData:    quantized,
		Parameters:       params,
		CompressionRatio: 32.0 / float32(cfg.Precision.Bits()),
		ErrorMetrics:     errs,
		SalienceReserved: 0.9, // k-means preserves data distribution
	}, nil
}

func initCentroids(data []float32, k int) []float32 {
	minVal, maxVal := minMax(data)
	centroids := make([]float32, k)
	if k == 1 {
		var mean float32
		for _, v := range data {
			mean += v
		}
		if len(data) > 0 {
			mean /= float32(len(data))
		}
		centroids[0] = mean
		return centroids
	}
	for i := 0; i < k; i++ {
		centroids[i] = minVal + (maxVal-minVal)*float32(i)/float32(k-1)
	}
	return centroids
}

func assignToCentroids(data []float32, centroids []float32) []int {
	out := make([]int, len(data))
	for i, v := range data {
		out[i] = closestCentroid(v, centroids)
	}
	return out
}

func closestCentroid(value float32, centroids []float32) int {
	best := 0
	bestDist := float32(math.MaxFloat32)
	for i, c := range centroids {
		d := value - c
		if d < 0 {
			d = -d
		}
		if d < bestDist {
			bestDist = d
			best = i
		}
	}
	return best
}

func updateCentroids(data []float32, assignments []int, k int) []float32 {
	sums := make([]float32, k)
	counts := make([]int, k)
	for i, v := range data {
		a := assignments[i]
		sums[a] += v
		counts[a]++
	}
	for i := range sums {
		if counts[i] > 0 {
			sums[i] /= float32(counts[i])
		}
	}
	return sums
}

func (c *Codec) adaptiveQuantize(data []float32, cfg Config) (Result, error) {
	v := variance(data)
	outliers := detectOutliers(data)

	switch {
	case v > 1.0 && outliers:
		return c.blockwiseQuantize(data, cfg)
	case c.hasSalienceWeights():
		return c.salienceQuantize(data, cfg)
	default:
		return c.linearQuantize(data, cfg)
	}
}

func variance(data []float32) float32 {
	if len(data) == 0 {
		return 0
	}
	var mean float32
	for _, v := range data {
		mean += v
	}
	mean /= float32(len(data))
	var sq float32
	for _, v := range data {
		d := v - mean
		sq += d * d
	}
	return sq / float32(len(data))
}

// detectOutliers runs the 1.5*IQR fence test.
func detectOutliers(data []float32) bool {
	if len(data) == 0 {
		return false
	}
	sorted := make([]float32, len(data))
	copy(sorted, data)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	q1idx := len(sorted) / 4
	q3idx := 3 * len(sorted) / 4
	if q1idx >= len(sorted) || q3idx >= len(sorted) {
		return false
	}
	q1, q3 := sorted[q1idx], sorted[q3idx]
	iqr := q3 - q1
	lower := q1 - 1.5*iqr
	upper := q3 + 1.5*iqr

	for _, v := range data {
		if v < lower || v > upper {
			return true
		}
	}
	return false
}

func (c *Codec) errorMetrics(original []float32, quantized []int32, params Parameters) ErrorMetrics {
	var mse, mae, maxErr, signalPower, noisePower float32
	n := float32(len(original))
	for i, orig := range original {
		dequant := (float32(quantized[i])-float32(params.ZeroPoint))*params.Scale + params.MinVal
		err := orig - dequant
		mse += err * err
		if err < 0 {
			mae += -err
		} else {
			mae += err
		}
		abs := err
		if abs < 0 {
			abs = -abs
		}
		if abs > maxErr {
			maxErr = abs
		}
		signalPower += orig * orig
		noisePower += err * err
	}
	if n > 0 {
		mse /= n
		mae /= n
	}
	snr := float32(math.Inf(1))
	if noisePower > 0 {
		snr = 10.0 * float32(math.Log10(float64(signalPower/noisePower)))
	}
	return ErrorMetrics{MSE: mse, MAE: mae, MaxError: maxErr, SNR: snr}
}

func (c *Codec) kmeansErrorMetrics(original []float32, assignments []int32, centroids []float32) ErrorMetrics {
	var mse, mae, maxErr, signalPower, noisePower float32
	n := float32(len(original))
	for i, orig := range original {
		idx := int(assignments[i])
		var centroid float32
		if idx >= 0 && idx < len(centroids) {
			centroid = centroids[idx]
		}
		err := orig - centroid
		mse += err * err
		abs := err
		if abs < 0 {
			abs = -abs
		}
		mae += abs
		if abs > maxErr {
			maxErr = abs
		}
		signalPower += orig * orig
		noisePower += err * err
	}
	if n > 0 {
		mse /= n
		mae /= n
	}
	snr := float32(math.Inf(1))
	if noisePower > 0 {
		snr = 10.0 * float32(math.Log10(float64(signalPower/noisePower)))
	}
	return ErrorMetrics{MSE: mse, MAE: mae, MaxError: maxErr, SNR: snr}
}
