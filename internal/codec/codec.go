package codec

import "encoding/binary"

// InitialKey is the running key value at the start of every message.
const InitialKey byte = 171

// HeaderSize is the length of the TCP length prefix.
const HeaderSize = 4

// Encrypt obfuscates a plaintext payload for a UDP datagram.
func Encrypt(plain []byte) []byte {
	out := make([]byte, len(plain))
	encryptInto(out, plain)
	return out
}

// EncryptWithHeader obfuscates a plaintext payload and prefixes it with the
// big-endian plaintext length, as expected on a TCP stream.
func EncryptWithHeader(plain []byte) []byte {
	out := make([]byte, HeaderSize+len(plain))
	binary.BigEndian.PutUint32(out[:HeaderSize], uint32(len(plain)))
	encryptInto(out[HeaderSize:], plain)
	return out
}

// Decrypt reverses Encrypt.
func Decrypt(wire []byte) []byte {
	out := make([]byte, len(wire))
	key := InitialKey
	for i, b := range wire {
		out[i] = b ^ key
		key = b
	}
	return out
}

// DecryptWithHeader drops the 4-byte length prefix and decrypts the rest.
// The prefix is not validated; input shorter than the prefix yields an
// empty result.
func DecryptWithHeader(wire []byte) []byte {
	if len(wire) < HeaderSize {
		return []byte{}
	}
	return Decrypt(wire[HeaderSize:])
}

// PayloadLength returns the plaintext length announced in a TCP header and
// whether enough bytes were present to read it.
func PayloadLength(wire []byte) (uint32, bool) {
	if len(wire) < HeaderSize {
		return 0, false
	}
	return binary.BigEndian.Uint32(wire[:HeaderSize]), true
}

func encryptInto(dst, plain []byte) {
	key := InitialKey
	for i, b := range plain {
		c := b ^ key
		dst[i] = c
		key = c
	}
}
