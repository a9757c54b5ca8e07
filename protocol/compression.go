package protocol

import (
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// ExtensionCompressionZstd is the banner extension announcing support for
// zstd compressed packet frames.
const ExtensionCompressionZstd = "compression=zstd"

// EncodeAll and DecodeAll are safe for concurrent use, so a single
// encoder and decoder serve all connections.
var zstdCodec struct {
	once sync.Once
	enc  *zstd.Encoder
	dec  *zstd.Decoder
	err  error
}

func initZstd() error {
	zstdCodec.once.Do(func() {
		zstdCodec.enc, zstdCodec.err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1))
		if zstdCodec.err != nil {
			return
		}
		zstdCodec.dec, zstdCodec.err = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(0),
			zstd.WithDecoderMaxMemory(uint64(maxFramePayload())))
	})
	return zstdCodec.err
}

func compress(p []byte) ([]byte, error) {
	if err := initZstd(); err != nil {
		return nil, errors.Wrap(err, "init zstd")
	}
	return zstdCodec.enc.EncodeAll(p, make([]byte, 0, len(p)/2+16)), nil
}

func decompress(p []byte) ([]byte, error) {
	if err := initZstd(); err != nil {
		return nil, errors.Wrap(err, "init zstd")
	}
	out, err := zstdCodec.dec.DecodeAll(p, nil)
	if err != nil {
		return nil, errors.Wrap(err, "zstd decode")
	}
	return out, nil
}
