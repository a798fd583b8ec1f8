// Package codec implements the byte obfuscation used on every wire payload
// exchanged with the devices.
//
// The scheme is an autokey XOR: a running key starts at InitialKey and each
// byte is XORed with it. When encrypting the key becomes the produced
// (cipher) byte, when decrypting the key becomes the consumed (cipher) byte,
// which makes the two transforms exact inverses.
//
// This is obfuscation only. There is no integrity check and no secret, so a
// corrupted payload decrypts to garbage which the caller surfaces as a JSON
// parse failure.
//
// # Framing
//
// UDP discovery datagrams carry the encrypted payload as-is; the datagram
// boundary is the message boundary. TCP streams prefix the encrypted payload
// with a 4-byte big-endian length of the plaintext:
//
//	wire := codec.EncryptWithHeader([]byte(`{"system":{"get_sysinfo":{}}}`))
//	plain := codec.DecryptWithHeader(wire)
package codec
