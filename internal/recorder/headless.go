//go:build headless

package recorder

import (
	"errors"

	"github.com/MiMickyyy/NICU-Noise-Shield/internal/stream"
)

var errInputOverflowed = errors.New("recorder: input overflowed")

func (r *PortAudio) openDevice([]float32) (inputStream, error) {
	return nil, stream.ErrHeadless
}
