package event

import "strconv"

// CanonicalSerialize renders the 6-element array
// [0, pubkey, created_at, kind, tags, content] with minimal JSON and
// NIP-01's exact escape rules: `"`, `\`, and C0 control characters are
// escaped; `/` is never escaped; non-ASCII bytes are emitted verbatim.
// This intentionally does not go through encoding/json, which escapes
// differently (it does not guarantee `/` is left alone, and its control
// character escaping is not specified to match this exact grammar).
func (e *E) CanonicalSerialize() []byte {
	buf := make([]byte, 0, 256+len(e.Content))
	buf = append(buf, '[')
	buf = append(buf, '0', ',')
	buf = appendCanonicalString(buf, e.Pubkey)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, e.CreatedAt.I64(), 10)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, int64(e.Kind), 10)
	buf = append(buf, ',')
	buf = appendCanonicalTags(buf, e.Tags)
	buf = append(buf, ',')
	buf = appendCanonicalString(buf, e.Content)
	buf = append(buf, ']')
	return buf
}

func appendCanonicalTags(buf []byte, tags interface{ ToStringSlices() [][]string }) []byte {
	ss := tags.ToStringSlices()
	buf = append(buf, '[')
	for i, t := range ss {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '[')
		for j, v := range t {
			if j > 0 {
				buf = append(buf, ',')
			}
			buf = appendCanonicalString(buf, v)
		}
		buf = append(buf, ']')
	}
	buf = append(buf, ']')
	return buf
}

// appendCanonicalString appends the JSON string encoding of s per the
// escape rules above.
func appendCanonicalString(buf []byte, s string) []byte {
	buf = append(buf, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			buf = append(buf, '\\', '"')
		case '\\':
			buf = append(buf, '\\', '\\')
		case '\n':
			buf = append(buf, '\\', 'n')
		case '\r':
			buf = append(buf, '\\', 'r')
		case '\t':
			buf = append(buf, '\\', 't')
		case '\b':
			buf = append(buf, '\\', 'b')
		case '\f':
			buf = append(buf, '\\', 'f')
		default:
			if c < 0x20 {
				const hexDigits = "0123456789abcdef"
				buf = append(
					buf, '\\', 'u', '0', '0',
					hexDigits[c>>4], hexDigits[c&0xf],
				)
			} else {
				buf = append(buf, c)
			}
		}
	}
	buf = append(buf, '"')
	return buf
}
