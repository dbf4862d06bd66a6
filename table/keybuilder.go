package table

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// KeyBuilder generates compact, printable row keys: a GUID encoded in
// base85. The 85-character alphabet drops ';' '&' '\' '"' ',' so the keys
// stay safe in query strings and cookies.
const (
	guidSize = 16
	// 16 GUID bytes encode to 20 base85 characters
	keySize = 20
)

var (
	intToBase85 [85]byte
	base85ToInt [256]uint32
)

func init() {
	for i := range base85ToInt {
		base85ToInt[i] = 99
	}
	j := 0
	for i := '!'; j < 85 && i < 127; i++ {
		if i == ';' || i == '&' || i == '\\' || i == '"' || i == ',' {
			continue
		}
		intToBase85[j] = byte(i)
		base85ToInt[i] = uint32(j)
		j++
	}
}

// NewKey returns a fresh base85-encoded GUID key.
func NewKey() string {
	id := uuid.New()
	return EncodeKey(id[:])
}

// EncodeKey encodes 16 GUID bytes as 20 base85 characters.
func EncodeKey(guid []byte) string {
	var out [keySize]byte
	for i := 0; i < guidSize/4; i++ {
		v := binary.BigEndian.Uint32(guid[i*4:])
		cp := out[i*5 : i*5+5]
		cp[4] = intToBase85[v%85]
		v /= 85
		cp[3] = intToBase85[v%85]
		v /= 85
		cp[2] = intToBase85[v%85]
		v /= 85
		cp[1] = intToBase85[v%85]
		v /= 85
		cp[0] = intToBase85[v]
	}
	return string(out[:])
}

// DecodeKey reverses EncodeKey.
func DecodeKey(key string) []byte {
	guid := make([]byte, guidSize)
	for i := 0; i < guidSize/4; i++ {
		var v uint32
		for j := 0; j < 5; j++ {
			v = v*85 + base85ToInt[key[i*5+j]]
		}
		binary.BigEndian.PutUint32(guid[i*4:], v)
	}
	return guid
}
