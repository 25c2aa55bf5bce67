package index

import "github.com/cockroachdb/errors"

// Component encoding escapes embedded zero bytes as 0x00 0xFF and closes
// with a bare 0x00 terminator. Encoded components sort in the same order as
// the raw values, and a component that extends another (0x00 0xFF at the
// split point) sorts after the shorter one's terminator but before
// componentEnd.
const (
	componentEscape     = 0x00
	componentEscapeTail = 0xFF
	componentTerm       = 0x00

	// idTag separates the value component from the trailing id bytes. It
	// must stay below componentEnd so exact-value ranges exclude longer
	// values.
	idTag = 0x0c

	// componentEnd is the exclusive upper bound appended to a component to
	// cover every id of exactly that value.
	componentEnd = 0xFF
)

func encodeComponent(v []byte) []byte {
	out := make([]byte, 0, len(v)+2)
	for _, b := range v {
		out = append(out, b)
		if b == componentEscape {
			out = append(out, componentEscapeTail)
		}
	}
	return append(out, componentTerm)
}

func decodeComponent(enc []byte) ([]byte, []byte, error) {
	var out []byte
	for i := 0; i < len(enc); i++ {
		b := enc[i]
		if b != componentEscape {
			out = append(out, b)
			continue
		}
		if i+1 < len(enc) && enc[i+1] == componentEscapeTail {
			out = append(out, componentEscape)
			i++
			continue
		}
		// Bare zero byte terminates the component.
		return out, enc[i+1:], nil
	}
	return nil, nil, errors.WithStack(ErrMalformedKey)
}
