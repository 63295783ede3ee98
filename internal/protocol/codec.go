package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"unicode/utf8"
)

// minHeaderSize is ver(1) + secret(16) + alen(1) + cmd(1) + port(2) + atyp(1) + 1 addr byte.
const minHeaderSize = 22

var urlSafe = strings.NewReplacer("-", "+", "_", "/")

// DecodeToken turns a URL-safe base64 token back into raw header bytes.
// Padding is optional. Any malformed input, and an empty result, yield ok=false.
func DecodeToken(token string) ([]byte, bool) {
	s := urlSafe.Replace(token)
	if len(s)%4 == 0 {
		// At most two pad characters, and only on a complete quantum.
		s = strings.TrimSuffix(s, "=")
		s = strings.TrimSuffix(s, "=")
	}
	raw, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil || len(raw) == 0 {
		return nil, false
	}
	return raw, true
}

// EncodeToken is the inverse of DecodeToken: URL-safe base64 without padding.
func EncodeToken(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

// ParseHeader validates b left to right and returns the dial target.
// It never reads past len(b); every violation returns Invalid.
func ParseHeader(b []byte, secret Secret) Target {
	n := len(b)
	if n < minHeaderSize {
		return Invalid
	}
	if b[0] != Version {
		return Invalid
	}
	if !secretMatches(b[1:1+SecretSize], &secret) {
		return Invalid
	}

	alen := int(b[17])
	cmdOff := 18 + alen
	if cmdOff+3 > n {
		return Invalid
	}
	if b[cmdOff] != CmdConnect {
		return Invalid
	}

	port := binary.BigEndian.Uint16(b[cmdOff+1 : cmdOff+3])
	aoff := cmdOff + 3
	if aoff >= n {
		return Invalid
	}

	var host string
	var end int

	switch b[aoff] {
	case AddrIPv4:
		end = aoff + 1 + net.IPv4len
		if end > n {
			return Invalid
		}
		a := b[aoff+1 : end]
		host = strconv.Itoa(int(a[0])) + "." + strconv.Itoa(int(a[1])) + "." +
			strconv.Itoa(int(a[2])) + "." + strconv.Itoa(int(a[3]))

	case AddrDomain:
		if aoff+2 > n {
			return Invalid
		}
		end = aoff + 2 + int(b[aoff+1])
		if end > n {
			return Invalid
		}
		host = decodeDomain(b[aoff+2 : end])

	case AddrIPv6:
		end = aoff + 1 + net.IPv6len
		if end > n {
			return Invalid
		}
		host = formatIPv6(b[aoff+1 : end])

	default:
		return Invalid
	}

	return Target{OK: true, Host: host, Port: port, PayloadOffset: end}
}

// secretMatches compares in four groups of four; each group is OR-folded XORs.
func secretMatches(got []byte, want *Secret) bool {
	for g := 0; g < SecretSize; g += 4 {
		if (got[g]^want[g])|(got[g+1]^want[g+1])|(got[g+2]^want[g+2])|(got[g+3]^want[g+3]) != 0 {
			return false
		}
	}
	return true
}

// decodeDomain decodes UTF-8 the way browsers do: each maximal ill-formed
// subsequence becomes a single U+FFFD, so "\xe2\x82A" yields "\uFFFDA" and
// a surrogate encoding yields one U+FFFD per byte.
func decodeDomain(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}

	var sb strings.Builder
	sb.Grow(len(b) + 8)

	var cp rune
	needed, seen := 0, 0
	lower, upper := byte(0x80), byte(0xbf)

	for i := 0; i < len(b); i++ {
		c := b[i]
		if needed == 0 {
			switch {
			case c < 0x80:
				sb.WriteByte(c)
			case c >= 0xc2 && c <= 0xdf:
				needed, cp = 1, rune(c&0x1f)
			case c >= 0xe0 && c <= 0xef:
				if c == 0xe0 {
					lower = 0xa0
				} else if c == 0xed {
					upper = 0x9f
				}
				needed, cp = 2, rune(c&0x0f)
			case c >= 0xf0 && c <= 0xf4:
				if c == 0xf0 {
					lower = 0x90
				} else if c == 0xf4 {
					upper = 0x8f
				}
				needed, cp = 3, rune(c&0x07)
			default:
				sb.WriteRune(utf8.RuneError)
			}
			continue
		}

		if c < lower || c > upper {
			// The sequence so far is replaced and c starts over.
			needed, seen, cp = 0, 0, 0
			lower, upper = 0x80, 0xbf
			sb.WriteRune(utf8.RuneError)
			i--
			continue
		}

		lower, upper = 0x80, 0xbf
		cp = cp<<6 | rune(c&0x3f)
		seen++
		if seen == needed {
			sb.WriteRune(cp)
			needed, seen, cp = 0, 0, 0
		}
	}
	if needed != 0 {
		sb.WriteRune(utf8.RuneError)
	}
	return sb.String()
}

// formatIPv6 prints 8 lower-case hex groups without zero compression.
func formatIPv6(a []byte) string {
	var sb strings.Builder
	sb.Grow(39)
	for i := 0; i < net.IPv6len; i += 2 {
		if i > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(strconv.FormatUint(uint64(binary.BigEndian.Uint16(a[i:i+2])), 16))
	}
	return sb.String()
}

// EncodeHeader builds a connect header for host:port followed by payload.
// IP literals are encoded as IPv4/IPv6 addresses, anything else as a domain.
func EncodeHeader(secret Secret, host string, port uint16, payload []byte) ([]byte, error) {
	var addr []byte
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			addr = append([]byte{AddrIPv4}, v4...)
		} else {
			addr = append([]byte{AddrIPv6}, ip.To16()...)
		}
	} else {
		if host == "" || len(host) > 255 {
			return nil, fmt.Errorf("invalid domain length: %d", len(host))
		}
		addr = append([]byte{AddrDomain, byte(len(host))}, host...)
	}

	buf := make([]byte, 0, 1+SecretSize+1+1+2+len(addr)+len(payload))
	buf = append(buf, Version)
	buf = append(buf, secret[:]...)
	buf = append(buf, 0) // no addons
	buf = append(buf, CmdConnect)
	buf = binary.BigEndian.AppendUint16(buf, port)
	buf = append(buf, addr...)
	buf = append(buf, payload...)
	return buf, nil
}
