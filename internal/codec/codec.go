// Package codec converts raw register words into typed values and back.
// Decoding runs swap, reassembly, scaling and label lookup in that
// order; encoding is the numeric inverse. Label tables are not inverted
// automatically, callers supply the numeric form when writing.
package codec

import (
	"bytes"
	"fmt"
	"math"
	"math/bits"
	"strings"

	"modbus-manager/internal/registry"
)

// DecodeError marks a register whose words could not be interpreted.
// It is register-scoped: the rest of the span still decodes.
type DecodeError struct {
	Register string
	Reason   string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %s", e.Register, e.Reason)
}

func decodeErr(id, format string, args ...any) *DecodeError {
	return &DecodeError{Register: id, Reason: fmt.Sprintf(format, args...)}
}

// Value is one decoded register: the wire words, the reassembled
// pre-scale numeric, the scaled numeric, and the display form (float64,
// label or decoded string, or bool).
type Value struct {
	Words     []uint16
	Raw       float64
	Numeric   float64
	Processed any
}

// Decode interprets words per the definition.
func Decode(words []uint16, def *registry.Definition) (Value, error) {
	if len(words) != int(def.Words) {
		return Value{}, decodeErr(def.UniqueID, "%s wants %d words, got %d", def.Type, def.Words, len(words))
	}

	ordered := applySwap(words, def.Swap)
	v := Value{Words: words}

	switch def.Type {
	case registry.TypeUint16:
		v.Raw = float64(ordered[0])
	case registry.TypeInt16:
		v.Raw = float64(int16(ordered[0]))
	case registry.TypeUint32:
		v.Raw = float64(join32(ordered))
	case registry.TypeInt32:
		v.Raw = float64(int32(join32(ordered)))
	case registry.TypeFloat32:
		f := math.Float32frombits(join32(ordered))
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return Value{}, decodeErr(def.UniqueID, "float32 bits decode to %v", f)
		}
		v.Raw = float64(f)
	case registry.TypeFloat64:
		f := math.Float64frombits(join64(ordered, 4))
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Value{}, decodeErr(def.UniqueID, "float64 bits decode to %v", f)
		}
		v.Raw = f
	case registry.TypeBoolean:
		on := ordered[0] != 0
		v.Processed = on
		if on {
			v.Raw, v.Numeric = 1, 1
		}
		return v, nil
	case registry.TypeString:
		s, err := decodeString(ordered, def)
		if err != nil {
			return Value{}, err
		}
		v.Processed = s
		return v, nil
	case registry.TypeBitfield:
		v.Raw = float64(extractBits(join64(ordered, len(ordered)), def))
	default:
		return Value{}, decodeErr(def.UniqueID, "unhandled data_type %q", def.Type)
	}

	v.Numeric = v.Raw*def.Scale + def.Offset
	if label, ok := def.Labels[int64(math.Round(v.Numeric))]; ok {
		v.Processed = label
	} else {
		v.Processed = v.Numeric
	}
	return v, nil
}

// Encode turns a display value back into wire words: the scale/offset
// inverse first, then type packing, then the same swap the read side
// uses.
func Encode(display float64, def *registry.Definition) ([]uint16, error) {
	var raw float64
	if def.Type.Numeric() {
		if def.Scale == 0 {
			return nil, decodeErr(def.UniqueID, "scale must not be zero")
		}
		raw = (display - def.Offset) / def.Scale
	} else {
		raw = display
	}

	var words []uint16
	switch def.Type {
	case registry.TypeUint16:
		words = []uint16{uint16(int64(math.Round(raw)))}
	case registry.TypeInt16:
		words = []uint16{uint16(int16(math.Round(raw)))}
	case registry.TypeUint32:
		words = split32(uint32(int64(math.Round(raw))))
	case registry.TypeInt32:
		words = split32(uint32(int32(math.Round(raw))))
	case registry.TypeFloat32:
		words = split32(math.Float32bits(float32(raw)))
	case registry.TypeFloat64:
		b := math.Float64bits(raw)
		words = []uint16{uint16(b >> 48), uint16(b >> 32), uint16(b >> 16), uint16(b)}
	case registry.TypeBoolean:
		if raw != 0 {
			words = []uint16{1}
		} else {
			words = []uint16{0}
		}
	default:
		return nil, decodeErr(def.UniqueID, "data_type %s is not numerically writable", def.Type)
	}
	return applySwap(words, def.Swap), nil
}

// EncodeString packs a text payload for a string register: two bytes per
// word, NUL padded to the declared width, truncated at MaxLength.
// Swap does not apply to strings.
func EncodeString(s string, def *registry.Definition) ([]uint16, error) {
	if def.Type != registry.TypeString {
		return nil, decodeErr(def.UniqueID, "data_type %s does not take text", def.Type)
	}
	if def.MaxLength > 0 && len(s) > def.MaxLength {
		s = s[:def.MaxLength]
	}
	if len(s) > int(def.Words)*2 {
		return nil, decodeErr(def.UniqueID, "text %q exceeds %d-word register", s, def.Words)
	}
	raw := make([]byte, int(def.Words)*2)
	copy(raw, s)
	words := make([]uint16, def.Words)
	for i := range words {
		words[i] = uint16(raw[2*i])<<8 | uint16(raw[2*i+1])
	}
	return words, nil
}

// applySwap adjusts word/byte order. Word swap reverses word order
// (CDAB for 32-bit values); byte swap flips the bytes inside each word
// (BADC). It is its own inverse, so encode reuses it.
func applySwap(words []uint16, mode registry.Swap) []uint16 {
	switch mode {
	case registry.SwapWord:
		if len(words) < 2 {
			return words
		}
		out := make([]uint16, len(words))
		for i, w := range words {
			out[len(words)-1-i] = w
		}
		return out
	case registry.SwapByte:
		out := make([]uint16, len(words))
		for i, w := range words {
			out[i] = w<<8 | w>>8
		}
		return out
	default:
		return words
	}
}

func join32(words []uint16) uint32 {
	return uint32(words[0])<<16 | uint32(words[1])
}

func split32(v uint32) []uint16 {
	return []uint16{uint16(v >> 16), uint16(v)}
}

// join64 folds up to n leading words into one big-endian unsigned value.
func join64(words []uint16, n int) uint64 {
	if n > len(words) {
		n = len(words)
	}
	var v uint64
	for _, w := range words[:n] {
		v = v<<16 | uint64(w)
	}
	return v
}

func decodeString(words []uint16, def *registry.Definition) (string, error) {
	raw := make([]byte, 0, len(words)*2)
	for _, w := range words {
		raw = append(raw, byte(w>>8), byte(w))
	}
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	s := strings.TrimSpace(string(raw))
	switch strings.ToLower(def.Encoding) {
	case "", "utf-8", "utf8":
		s = strings.ToValidUTF8(s, "")
	case "ascii":
		var b strings.Builder
		for _, c := range []byte(s) {
			if c >= 0x20 && c < 0x7f {
				b.WriteByte(c)
			}
		}
		s = b.String()
	default:
		return "", decodeErr(def.UniqueID, "unknown encoding %q", def.Encoding)
	}
	if def.MaxLength > 0 && len(s) > def.MaxLength {
		s = s[:def.MaxLength]
	}
	return s, nil
}

// extractBits applies the bitfield pipeline: mask, position, shift,
// rotate, range. Width for the rotate is the register's full bit width.
func extractBits(v uint64, def *registry.Definition) uint64 {
	width := uint(def.Words) * 16
	if def.Bitmask != 0 {
		v &= def.Bitmask
	}
	if def.BitPosition != nil {
		v = (v >> uint(*def.BitPosition)) & 1
	}
	switch {
	case def.BitShift > 0:
		v >>= uint(def.BitShift)
	case def.BitShift < 0:
		v <<= uint(-def.BitShift)
	}
	if def.BitRotate != 0 && width > 0 {
		if width == 64 {
			v = bits.RotateLeft64(v, -def.BitRotate)
		} else {
			mask := uint64(1)<<width - 1
			r := ((def.BitRotate % int(width)) + int(width)) % int(width)
			v &= mask
			v = ((v >> uint(r)) | (v << (width - uint(r)))) & mask
		}
	}
	if r := def.BitRange; r != nil {
		span := uint(r[1]-r[0]) + 1
		v = (v >> uint(r[0])) & (uint64(1)<<span - 1)
	}
	return v
}
