package classfile

import (
	"errors"
	"unicode/utf8"
)

// ErrMalformedUtf8 modified UTF-8 编码错误
var ErrMalformedUtf8 = errors.New("malformed modified utf-8")

// decodeMUTF8 将 modified UTF-8 解码为 Go 字符串
//
// 代理对合并为增补字符；孤立的代理项按 3 字节原样保留，以便无损写回。
func decodeMUTF8(b []byte) (string, error) {
	ascii := true
	for _, c := range b {
		if c == 0 || c >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return string(b), nil
	}

	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); {
		c := b[i]
		switch {
		case c < 0x80:
			if c == 0 {
				return "", ErrMalformedUtf8
			}
			out = append(out, c)
			i++
		case c&0xE0 == 0xC0:
			if i+1 >= len(b) || b[i+1]&0xC0 != 0x80 {
				return "", ErrMalformedUtf8
			}
			r := rune(c&0x1F)<<6 | rune(b[i+1]&0x3F)
			out = utf8.AppendRune(out, r)
			i += 2
		case c&0xF0 == 0xE0:
			if i+2 >= len(b) || b[i+1]&0xC0 != 0x80 || b[i+2]&0xC0 != 0x80 {
				return "", ErrMalformedUtf8
			}
			r := rune(c&0x0F)<<12 | rune(b[i+1]&0x3F)<<6 | rune(b[i+2]&0x3F)
			if r >= 0xD800 && r <= 0xDBFF && i+5 < len(b) && b[i+3] == 0xED && b[i+4]&0xF0 == 0xB0 && b[i+5]&0xC0 == 0x80 {
				lo := rune(b[i+3]&0x0F)<<12 | rune(b[i+4]&0x3F)<<6 | rune(b[i+5]&0x3F)
				out = utf8.AppendRune(out, 0x10000+(r-0xD800)<<10+(lo-0xDC00))
				i += 6
				continue
			}
			if r >= 0xD800 && r <= 0xDFFF {
				out = append(out, b[i], b[i+1], b[i+2])
			} else {
				out = utf8.AppendRune(out, r)
			}
			i += 3
		default:
			return "", ErrMalformedUtf8
		}
	}
	return string(out), nil
}

// encodeMUTF8 将 Go 字符串编码为 modified UTF-8
func encodeMUTF8(s string) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); {
		c := s[i]
		if c != 0 && c < 0x80 {
			out = append(out, c)
			i++
			continue
		}
		// 孤立代理项（解码时原样保留的 3 字节序列）
		if c == 0xED && i+2 < len(s) && s[i+1]&0xE0 == 0xA0 && s[i+2]&0xC0 == 0x80 {
			out = append(out, s[i], s[i+1], s[i+2])
			i += 3
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		switch {
		case r == 0:
			out = append(out, 0xC0, 0x80)
		case r < 0x800:
			out = append(out, 0xC0|byte(r>>6), 0x80|byte(r&0x3F))
		case r < 0x10000:
			out = appendThreeByte(out, r)
		default:
			r -= 0x10000
			out = appendThreeByte(out, 0xD800+(r>>10))
			out = appendThreeByte(out, 0xDC00+(r&0x3FF))
		}
	}
	return out
}

func appendThreeByte(out []byte, r rune) []byte {
	return append(out, 0xE0|byte(r>>12), 0x80|byte((r>>6)&0x3F), 0x80|byte(r&0x3F))
}
