package oplog

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/roach88/derive/internal/computed"
)

// Durable logs store hints as deterministic CBOR and payloads behind a
// one-byte compression tag.

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	// zstd encoders and decoders are safe for concurrent use.
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("oplog: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("oplog: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("oplog: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("oplog: zstd decoder initialization failed: " + err.Error())
	}
}

// EncodeHints encodes hints as a CBOR array.
func EncodeHints(hints []computed.Key) ([]byte, error) {
	if hints == nil {
		hints = []computed.Key{}
	}
	data, err := encMode.Marshal(hints)
	if err != nil {
		return nil, fmt.Errorf("encode hints: %w", err)
	}
	return data, nil
}

// DecodeHints decodes the output of EncodeHints.
func DecodeHints(data []byte) ([]computed.Key, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var hints []computed.Key
	if err := decMode.Unmarshal(data, &hints); err != nil {
		return nil, fmt.Errorf("decode hints: %w", err)
	}
	if len(hints) == 0 {
		return nil, nil
	}
	return hints, nil
}

const (
	payloadRaw  byte = 0
	payloadZstd byte = 1

	// Payloads smaller than this are stored raw.
	compressThreshold = 512
)

// EncodePayload prefixes payload with its compression tag, compressing
// it with zstd when it is large enough to benefit.
func EncodePayload(payload []byte) []byte {
	if len(payload) >= compressThreshold {
		compressed := zstdEncoder.EncodeAll(payload, []byte{payloadZstd})
		if len(compressed) < len(payload) {
			return compressed
		}
	}
	out := make([]byte, 0, len(payload)+1)
	out = append(out, payloadRaw)
	return append(out, payload...)
}

// DecodePayload reverses EncodePayload.
func DecodePayload(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	switch data[0] {
	case payloadRaw:
		return append([]byte(nil), data[1:]...), nil
	case payloadZstd:
		out, err := zstdDecoder.DecodeAll(data[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress payload: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown payload encoding %d", data[0])
}
