package quant

import (
	"encoding/binary"
	"math"

	"github.com/klauspost/compress/zstd"
)

// PayloadCodec serializes quantized/raw float payloads to bytes for the
// transfer engine, optionally zstd-compressing them. One encoder/decoder
// pair is shared across calls; zstd's EncodeAll/DecodeAll are safe for
// concurrent use.
type PayloadCodec struct {
	enabled bool
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewPayloadCodec builds a codec. When enabled is false, Encode/Decode pass
// the serialized bytes through uncompressed.
func NewPayloadCodec(enabled bool) (*PayloadCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &PayloadCodec{enabled: enabled, encoder: enc, decoder: dec}, nil
}

// Encode serializes data as little-endian float32s and, if enabled,
// zstd-compresses the result.
func (c *PayloadCodec) Encode(data []float32) []byte {
	raw := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	if !c.enabled {
		return raw
	}
	return c.encoder.EncodeAll(raw, make([]byte, 0, len(raw)))
}

// Decode reverses Encode: it decompresses (if the codec is enabled) then
// reinterprets the bytes as little-endian float32s.
func (c *PayloadCodec) Decode(payload []byte) ([]float32, error) {
	raw := payload
	if c.enabled {
		decoded, err := c.decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, err
		}
		raw = decoded
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}
