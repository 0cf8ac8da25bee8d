// Copyright 2022 Shade. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package shade

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"math/big"
	"os"
)

// CAPI blob constants.
const (
	// blobTypePublic is the PUBLICKEYBLOB type byte.
	blobTypePublic = 0x06

	// blobTypePrivate is the PRIVATEKEYBLOB type byte.
	blobTypePrivate = 0x07

	// rsa1Magic marks a public key ("RSA1").
	rsa1Magic = 0x31415352

	// rsa2Magic marks a public-plus-private key ("RSA2").
	rsa2Magic = 0x32415352

	// calgRSASign is the CAPI RSA signing algorithm identifier.
	calgRSASign = 0x00002400

	// calgSHA1 is the CAPI SHA-1 algorithm identifier.
	calgSHA1 = 0x00008004
)

// StrongNameKey is an RSA key parsed from a CAPI blob, able to produce
// the public key blob embedded in assemblies and to sign images.
type StrongNameKey struct {
	// PublicOnly is set when the blob carried no private parameters;
	// such a key can compute tokens but not sign.
	PublicOnly bool

	pub  rsa.PublicKey
	priv *rsa.PrivateKey

	bitLen uint32
}

// LoadKeyFile reads and parses a strong-name key file (.snk).
func LoadKeyFile(path string) (*StrongNameKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseKeyBlob(data)
}

// ParseKeyBlob parses a CAPI RSA key blob: public (type 0x06, magic
// RSA1) or public-plus-private (type 0x07, magic RSA2). All fields are
// little-endian.
func ParseKeyBlob(data []byte) (*StrongNameKey, error) {
	if len(data) < 20 {
		return nil, fmt.Errorf("%w: blob smaller than its header", ErrKey)
	}

	blobType := data[0]
	magic := binary.LittleEndian.Uint32(data[8:])
	bitLen := binary.LittleEndian.Uint32(data[12:])
	pubExp := binary.LittleEndian.Uint32(data[16:])

	if bitLen == 0 || bitLen%8 != 0 {
		return nil, fmt.Errorf("%w: invalid key bit length %d", ErrKey, bitLen)
	}
	byteLen := bitLen / 8
	halfLen := byteLen / 2

	k := &StrongNameKey{bitLen: bitLen}
	k.pub.E = int(pubExp)

	body := data[20:]
	switch {
	case blobType == blobTypePublic && magic == rsa1Magic:
		if uint32(len(body)) < byteLen {
			return nil, fmt.Errorf("%w: truncated public key blob", ErrKey)
		}
		k.pub.N = leBytesToInt(body[:byteLen])
		k.PublicOnly = true

	case blobType == blobTypePrivate && magic == rsa2Magic:
		need := byteLen + 5*halfLen + byteLen
		if uint32(len(body)) < need {
			return nil, fmt.Errorf("%w: truncated private key blob", ErrKey)
		}
		k.pub.N = leBytesToInt(body[:byteLen])
		off := byteLen
		p := leBytesToInt(body[off : off+halfLen])
		off += halfLen
		q := leBytesToInt(body[off : off+halfLen])
		off += halfLen
		// Skip exponent1, exponent2 and coefficient; Precompute derives
		// them.
		off += 3 * halfLen
		d := leBytesToInt(body[off : off+byteLen])

		k.priv = &rsa.PrivateKey{
			PublicKey: k.pub,
			D:         d,
			Primes:    []*big.Int{p, q},
		}
		k.priv.Precompute()

	default:
		return nil, fmt.Errorf("%w: unsupported blob type %#x magic %#x",
			ErrKey, blobType, magic)
	}

	return k, nil
}

// leBytesToInt interprets a little-endian byte run as a big integer.
func leBytesToInt(le []byte) *big.Int {
	be := make([]byte, len(le))
	for i, b := range le {
		be[len(le)-1-i] = b
	}
	return new(big.Int).SetBytes(be)
}

// intToLEBytes writes v into a little-endian buffer of the given size.
func intToLEBytes(v *big.Int, size uint32) []byte {
	be := v.Bytes()
	le := make([]byte, size)
	for i, b := range be {
		le[len(be)-1-i] = b
	}
	return le
}

// PublicKeyBlob builds the strong-name public key blob: the signature
// and hash algorithm identifiers, the byte count, and the CAPI
// PUBLICKEYBLOB.
func (k *StrongNameKey) PublicKeyBlob() []byte {
	byteLen := k.bitLen / 8
	capi := make([]byte, 20+byteLen)
	capi[0] = blobTypePublic
	capi[1] = 0x02 // blob version
	binary.LittleEndian.PutUint32(capi[4:], calgRSASign)
	binary.LittleEndian.PutUint32(capi[8:], rsa1Magic)
	binary.LittleEndian.PutUint32(capi[12:], k.bitLen)
	binary.LittleEndian.PutUint32(capi[16:], uint32(k.pub.E))
	copy(capi[20:], intToLEBytes(k.pub.N, byteLen))

	out := make([]byte, 12+len(capi))
	binary.LittleEndian.PutUint32(out[0:], calgRSASign)
	binary.LittleEndian.PutUint32(out[4:], calgSHA1)
	binary.LittleEndian.PutUint32(out[8:], uint32(len(capi)))
	copy(out[12:], capi)
	return out
}

// PublicKeyToken returns the token of this key's public key blob.
func (k *StrongNameKey) PublicKeyToken() []byte {
	return PublicKeyToken(k.PublicKeyBlob())
}

// SignatureSize returns the byte size of signatures this key produces.
func (k *StrongNameKey) SignatureSize() uint32 {
	return k.bitLen / 8
}

// PublicKeyToken computes the short identity stand-in for a public key
// blob: the last 8 bytes of its SHA-1 hash, reversed.
func PublicKeyToken(publicKeyBlob []byte) []byte {
	sum := sha1.Sum(publicKeyBlob)
	token := make([]byte, 8)
	for i := 0; i < 8; i++ {
		token[i] = sum[len(sum)-1-i]
	}
	return token
}

// signImage computes the strong-name signature of image and writes it
// into the window at [snOffset, snOffset+snSize). Hashing covers every
// byte of the file except the window itself and the PE checksum field;
// the caller must have zeroed the window already.
func (k *StrongNameKey) signImage(image []byte, snOffset, snSize,
	checksumOffset uint32) error {
	if k.PublicOnly {
		return fmt.Errorf("%w: key has no private parameters", ErrKey)
	}
	if snSize != k.SignatureSize() {
		return fmt.Errorf("%w: signature slot is %d bytes, key produces %d",
			ErrKey, snSize, k.SignatureSize())
	}

	h := sha1.New()
	skip := [][2]uint32{
		{checksumOffset, checksumOffset + 4},
		{snOffset, snOffset + snSize},
	}
	if skip[0][0] > skip[1][0] {
		skip[0], skip[1] = skip[1], skip[0]
	}
	pos := uint32(0)
	for _, s := range skip {
		h.Write(image[pos:s[0]])
		pos = s[1]
	}
	h.Write(image[pos:])

	sig, err := rsa.SignPKCS1v15(nil, k.priv, crypto.SHA1, h.Sum(nil))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKey, err)
	}

	// The window stores the signature little-endian.
	for i, b := range sig {
		image[snOffset+uint32(len(sig)-1-i)] = b
	}
	return nil
}
