package quant

import (
	"math"
	"testing"
)

func TestLinearQuantize8BitRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Precision = Int8
	cfg.Algorithm = Linear
	c := New(cfg)

	data := []float32{-1.0, -0.5, 0.0, 0.5, 1.0}
	res, err := c.Quantize(data)
	if err != nil {
		t.Fatalf("Quantize: %v", err)
	}
	if res.CompressionRatio != 4.0 {
		t.Fatalf("compression ratio = %v, want 4.0", res.CompressionRatio)
	}
	if res.ErrorMetrics.MSE > 1e-3 {
		t.Fatalf("MSE = %v, want <= 1e-3", res.ErrorMetrics.MSE)
	}

	dequant := c.Dequantize(res.QuantizedData, res.Parameters)
	for i, v := range dequant {
		if diff := math.Abs(float64(v - data[i])); diff > 0.02 {
			t.Errorf("dequant[%d] = %v, want within 0.02 of %v", i, v, data[i])
		}
	}
}

func TestFloatPrecisionsRoundTripNearLosslessly(t *testing.T) {
	cases := []struct {
		name      string
		precision Precision
		ratio     float32
		maxErr    float64
	}{
		{"half16", Half16, 2.0, 1e-3},
		{"float32", Float32, 1.0, 1e-5},
	}
	data := []float32{-1.0, -0.25, 0.0, 0.5, 1.0}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Precision = tc.precision
			cfg.Algorithm = Linear
			c := New(cfg)

			res, err := c.Quantize(data)
			if err != nil {
				t.Fatalf("Quantize: %v", err)
			}
			if res.CompressionRatio != tc.ratio {
				t.Fatalf("compression ratio = %v, want %v", res.CompressionRatio, tc.ratio)
			}
			dequant := c.Dequantize(res.QuantizedData, res.Parameters)
			for i, v := range dequant {
				if diff := math.Abs(float64(v - data[i])); diff > tc.maxErr {
					t.Errorf("dequant[%d] = %v, want within %v of %v", i, v, tc.maxErr, data[i])
				}
			}
		})
	}
}

// K-means: using precision Int1 (b=1) so k = min(2^b, 256) = 2, matching
// the spec's worked two-centroid scenario.
func TestKMeansTwoClusters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Precision = Int1
	cfg.Algorithm = KMeans
	c := New(cfg)

	data := []float32{1.0, 1.1, 1.2, 5.0, 5.1, 5.2}
	res, err := c.Quantize(data)
	if err != nil {
		t.Fatalf("Quantize: %v", err)
	}

	counts := map[int32]int{}
	for _, q := range res.QuantizedData {
		counts[q]++
	}
	if len(counts) != 2 {
		t.Fatalf("expected 2 distinct cluster assignments, got %d: %v", len(counts), counts)
	}
	for _, n := range counts {
		if n != 3 {
			t.Errorf("expected a 3/3 split, got cluster size %d", n)
		}
	}
}

func TestKMeansSingleCentroidIsTheMean(t *testing.T) {
	data := []float32{2.0, 4.0, 6.0}
	centroids := initCentroids(data, 1)
	if len(centroids) != 1 {
		t.Fatalf("expected 1 centroid, got %d", len(centroids))
	}
	if math.Abs(float64(centroids[0]-4.0)) > 1e-6 {
		t.Fatalf("single centroid = %v, want 4.0 (the mean)", centroids[0])
	}
}

func TestLearnedAlgorithmIsAConfigurationError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Algorithm = Learned
	c := New(cfg)
	if _, err := c.Quantize([]float32{1, 2, 3}); err == nil {
		t.Fatal("learned quantization should return a configuration error")
	}
}

func TestAdaptiveChoosesBlockwiseForHighVarianceWithOutliers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Algorithm = Adaptive
	cfg.Precision = Int8
	c := New(cfg)

	data := []float32{1, 1, 1, 1, 1, 1, 1, 100}
	res, err := c.Quantize(data)
	if err != nil {
		t.Fatalf("Quantize: %v", err)
	}
	if res.SalienceReserved != 0.8 {
		t.Fatalf("expected the blockwise path's salience_preserved marker 0.8, got %v", res.SalienceReserved)
	}
}

func TestSalienceWeightedReportsPreservedFraction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Algorithm = SalienceWeighted
	cfg.Precision = Int8
	cfg.SalienceThreshold = 0.5
	c := New(cfg)
	c.SetSalienceWeights(map[int]float32{0: 1.0, 1: 0.1})

	res, err := c.Quantize([]float32{1.0, 2.0})
	if err != nil {
		t.Fatalf("Quantize: %v", err)
	}
	if res.SalienceReserved <= 0 || res.SalienceReserved > 1 {
		t.Fatalf("salience_preserved = %v, want in (0,1]", res.SalienceReserved)
	}
}
