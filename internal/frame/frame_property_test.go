package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_FrameRoundTrip drives the codec with generated payloads:
// whatever Write frames, Read must hand back byte-for-byte, and damaged
// input must surface as the documented errors rather than bad payloads.
func TestProperty_FrameRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("arbitrary payloads round-trip", prop.ForAll(
		func(payload []byte) bool {
			var buf bytes.Buffer
			written, err := Write(&buf, payload)
			if err != nil {
				return false
			}
			got, n, err := Read(&buf)
			if err != nil || n != written {
				return false
			}
			return bytes.Equal(got, payload)
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.Property("repetitive payloads round-trip through compression", prop.ForAll(
		func(b byte, size int) bool {
			payload := bytes.Repeat([]byte{b}, size)
			var buf bytes.Buffer
			written, err := Write(&buf, payload)
			if err != nil {
				return false
			}
			got, n, err := Read(&buf)
			if err != nil || n != written {
				return false
			}
			return bytes.Equal(got, payload)
		},
		gen.UInt8(),
		gen.IntRange(0, 4096),
	))

	properties.Property("truncation is reported, never misread", prop.ForAll(
		func(payload []byte, seed uint) bool {
			var buf bytes.Buffer
			if _, err := Write(&buf, payload); err != nil {
				return false
			}
			full := buf.Bytes()
			cut := int(seed % uint(len(full)))
			_, _, err := Read(bytes.NewReader(full[:cut]))
			if cut == 0 {
				return err == io.EOF
			}
			return err == io.ErrUnexpectedEOF
		},
		gen.SliceOf(gen.UInt8()),
		gen.UInt(),
	))

	properties.Property("a corrupt frame is skipped without losing the next", prop.ForAll(
		func(first, second []byte, seed uint) bool {
			var buf bytes.Buffer
			n1, err := Write(&buf, first)
			if err != nil {
				return false
			}
			if _, err := Write(&buf, second); err != nil {
				return false
			}
			data := append([]byte(nil), buf.Bytes()...)
			// Keep the length prefix intact so the reader still knows
			// the corrupt frame's span.
			off := 4 + int(seed%uint(n1-4))
			data[off] ^= 0xff

			r := bytes.NewReader(data)
			if _, _, err := Read(r); !errors.Is(err, ErrChecksum) {
				return false
			}
			got, _, err := Read(r)
			return err == nil && bytes.Equal(got, second)
		},
		gen.SliceOf(gen.UInt8()),
		gen.SliceOf(gen.UInt8()),
		gen.UInt(),
	))

	properties.TestingRun(t)
}
