// Package protocol defines the connection header carried in the upgrade
// request and the codec that turns it into a dial target.
package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// Header layout constants.
const (
	Version    uint8 = 0x00 // only supported header version
	CmdConnect uint8 = 0x01 // connect outbound TCP

	AddrIPv4   uint8 = 0x01 // 4 raw bytes
	AddrDomain uint8 = 0x02 // 1 length byte + UTF-8 name
	AddrIPv6   uint8 = 0x03 // 16 raw bytes

	SecretSize = 16
)

// ResponseHeader prefixes the first downlink chunk: version + addon length.
var ResponseHeader = [2]byte{0x00, 0x00}

// Secret is the 16-byte token every header must carry.
type Secret [SecretSize]byte

// ParseSecret reads a canonical UUID string ("55d9ec38-1b8a-...").
func ParseSecret(s string) (Secret, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return Secret{}, fmt.Errorf("invalid secret %q: %w", s, err)
	}
	return Secret(id), nil
}

// String renders the secret in UUID form.
func (s Secret) String() string {
	return uuid.UUID(s).String()
}

// Target is the result of parsing a header. When OK is false the other
// fields carry no meaning.
type Target struct {
	OK            bool
	Host          string
	Port          uint16
	PayloadOffset int // index of the first initial-payload byte
}

// Invalid is the shared failure result.
var Invalid = Target{}
