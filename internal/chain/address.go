package chain

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/ripemd160"
)

const c32Alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// Address versions for single-sig (p2pkh) principals.
const (
	VersionMainnet byte = 22 // SP...
	VersionTestnet byte = 26 // ST...
)

var ErrInvalidAddress = errors.New("invalid stacks address")

func VersionFor(network string) byte {
	if strings.EqualFold(network, "testnet") {
		return VersionTestnet
	}
	return VersionMainnet
}

func hash160(b []byte) []byte {
	sum := sha256.Sum256(b)
	rip := ripemd160.New()
	_, _ = rip.Write(sum[:])
	return rip.Sum(nil)
}

func checksum(version byte, payload []byte) []byte {
	first := sha256.Sum256(append([]byte{version}, payload...))
	second := sha256.Sum256(first[:])
	return second[:4]
}

func c32Encode(data []byte) string {
	n := new(big.Int).SetBytes(data)
	radix := big.NewInt(32)
	mod := new(big.Int)
	var out []byte
	for n.Sign() > 0 {
		n.DivMod(n, radix, mod)
		out = append(out, c32Alphabet[mod.Int64()])
	}
	for _, b := range data {
		if b != 0 {
			break
		}
		out = append(out, '0')
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

func c32Normalize(s string) string {
	s = strings.ToUpper(s)
	s = strings.ReplaceAll(s, "O", "0")
	s = strings.ReplaceAll(s, "L", "1")
	return strings.ReplaceAll(s, "I", "1")
}

func c32Decode(s string) ([]byte, error) {
	s = c32Normalize(s)
	zeros := 0
	for zeros < len(s) && s[zeros] == '0' {
		zeros++
	}
	n := new(big.Int)
	radix := big.NewInt(32)
	for _, r := range s {
		idx := strings.IndexRune(c32Alphabet, r)
		if idx < 0 {
			return nil, fmt.Errorf("%w: bad character %q", ErrInvalidAddress, r)
		}
		n.Mul(n, radix)
		n.Add(n, big.NewInt(int64(idx)))
	}
	return append(make([]byte, zeros), n.Bytes()...), nil
}

// EncodeAddress renders version + hash160 as a c32check principal.
func EncodeAddress(version byte, h160 []byte) string {
	data := append(append([]byte{}, h160...), checksum(version, h160)...)
	return "S" + string(c32Alphabet[version]) + c32Encode(data)
}

// AddressFromPubKey hashes a compressed public key into a p2pkh address.
func AddressFromPubKey(version byte, compressed []byte) string {
	return EncodeAddress(version, hash160(compressed))
}

// DecodeAddress validates a standard principal and returns its version and
// hash160. Contract principals (addr.name) are rejected.
func DecodeAddress(addr string) (byte, []byte, error) {
	addr = c32Normalize(strings.TrimSpace(addr))
	if len(addr) < 5 || addr[0] != 'S' || strings.Contains(addr, ".") {
		return 0, nil, ErrInvalidAddress
	}
	version := strings.IndexByte(c32Alphabet, addr[1])
	if version < 0 {
		return 0, nil, ErrInvalidAddress
	}
	data, err := c32Decode(addr[2:])
	if err != nil {
		return 0, nil, err
	}
	if len(data) != 24 {
		return 0, nil, fmt.Errorf("%w: payload length %d", ErrInvalidAddress, len(data))
	}
	h160, sum := data[:20], data[20:]
	if !bytes.Equal(sum, checksum(byte(version), h160)) {
		return 0, nil, fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
	}
	return byte(version), h160, nil
}

func ValidateAddress(addr string) error {
	_, _, err := DecodeAddress(addr)
	return err
}
