// Copyright 2022 Shade. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package shade

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"testing"
)

// buildRSA2Blob formats a generated RSA key as a CAPI
// PRIVATEKEYBLOB, the layout of an .snk file.
func buildRSA2Blob(t *testing.T, key *rsa.PrivateKey) []byte {
	t.Helper()
	bitLen := uint32(key.N.BitLen())
	byteLen := bitLen / 8
	halfLen := byteLen / 2

	blob := make([]byte, 0, 20+2*byteLen+5*halfLen)
	blob = append(blob, blobTypePrivate, 0x02, 0, 0)
	blob = binary.LittleEndian.AppendUint32(blob, calgRSASign)
	blob = binary.LittleEndian.AppendUint32(blob, rsa2Magic)
	blob = binary.LittleEndian.AppendUint32(blob, bitLen)
	blob = binary.LittleEndian.AppendUint32(blob, uint32(key.E))

	key.Precompute()
	blob = append(blob, intToLEBytes(key.N, byteLen)...)
	blob = append(blob, intToLEBytes(key.Primes[0], halfLen)...)
	blob = append(blob, intToLEBytes(key.Primes[1], halfLen)...)
	blob = append(blob, intToLEBytes(key.Precomputed.Dp, halfLen)...)
	blob = append(blob, intToLEBytes(key.Precomputed.Dq, halfLen)...)
	blob = append(blob, intToLEBytes(key.Precomputed.Qinv, halfLen)...)
	blob = append(blob, intToLEBytes(key.D, byteLen)...)
	return blob
}

func generateTestKey(t *testing.T) (*rsa.PrivateKey, *StrongNameKey) {
	t.Helper()
	rsaKey, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	k, err := ParseKeyBlob(buildRSA2Blob(t, rsaKey))
	if err != nil {
		t.Fatalf("ParseKeyBlob failed: %v", err)
	}
	return rsaKey, k
}

func TestParseKeyBlob(t *testing.T) {
	rsaKey, k := generateTestKey(t)

	if k.PublicOnly {
		t.Error("PublicOnly = true for an RSA2 blob")
	}
	if k.SignatureSize() != 128 {
		t.Errorf("SignatureSize = %d, want 128", k.SignatureSize())
	}
	if k.pub.N.Cmp(rsaKey.N) != 0 {
		t.Error("parsed modulus differs")
	}
	if k.pub.E != rsaKey.E {
		t.Errorf("parsed exponent = %d, want %d", k.pub.E, rsaKey.E)
	}
}

func TestParseKeyBlobPublicOnly(t *testing.T) {
	rsaKey, k := generateTestKey(t)

	// Truncate the private blob down to a PUBLICKEYBLOB.
	full := buildRSA2Blob(t, rsaKey)
	pub := append([]byte(nil), full[:20+128]...)
	pub[0] = blobTypePublic
	binary.LittleEndian.PutUint32(pub[8:], rsa1Magic)

	parsed, err := ParseKeyBlob(pub)
	if err != nil {
		t.Fatalf("ParseKeyBlob failed: %v", err)
	}
	if !parsed.PublicOnly {
		t.Error("PublicOnly = false for an RSA1 blob")
	}
	if err := parsed.signImage(make([]byte, 1024), 512, 128, 64); !errors.Is(err, ErrKey) {
		t.Errorf("signImage with public key error = %v, want %v", err, ErrKey)
	}

	// The same public material must produce the same blob and token.
	if !bytes.Equal(parsed.PublicKeyBlob(), k.PublicKeyBlob()) {
		t.Error("public key blobs differ between RSA1 and RSA2 parses")
	}
}

func TestParseKeyBlobRejectsGarbage(t *testing.T) {
	tests := [][]byte{
		nil,
		make([]byte, 8),
		bytes.Repeat([]byte{0x55}, 64),
	}
	for _, blob := range tests {
		if _, err := ParseKeyBlob(blob); !errors.Is(err, ErrKey) {
			t.Errorf("ParseKeyBlob(% x...) error = %v, want %v",
				blob[:min(len(blob), 8)], err, ErrKey)
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func TestPublicKeyBlobLayout(t *testing.T) {
	_, k := generateTestKey(t)
	blob := k.PublicKeyBlob()

	if len(blob) != 12+20+128 {
		t.Fatalf("blob length = %d, want 160", len(blob))
	}
	if binary.LittleEndian.Uint32(blob[0:]) != calgRSASign {
		t.Error("signature algorithm id mismatch")
	}
	if binary.LittleEndian.Uint32(blob[4:]) != calgSHA1 {
		t.Error("hash algorithm id mismatch")
	}
	if binary.LittleEndian.Uint32(blob[8:]) != 148 {
		t.Error("key byte count mismatch")
	}
	if blob[12] != blobTypePublic {
		t.Error("embedded blob type mismatch")
	}
	if binary.LittleEndian.Uint32(blob[20:]) != rsa1Magic {
		t.Error("embedded magic mismatch")
	}
}

func TestPublicKeyToken(t *testing.T) {
	blob := []byte("not really a key, but token math does not care")
	sum := sha1.Sum(blob)

	token := PublicKeyToken(blob)
	if len(token) != 8 {
		t.Fatalf("token length = %d, want 8", len(token))
	}
	for i := 0; i < 8; i++ {
		if token[i] != sum[19-i] {
			t.Fatalf("token = % x, want reversed hash tail % x",
				token, sum[12:])
		}
	}
}

func TestSignImage(t *testing.T) {
	rsaKey, k := generateTestKey(t)

	image := bytes.Repeat([]byte{0xA5}, 2048)
	const snOff, snSize, csumOff = 1024, 128, 64
	for i := 0; i < snSize; i++ {
		image[snOff+i] = 0
	}

	if err := k.signImage(image, snOff, snSize, csumOff); err != nil {
		t.Fatalf("signImage failed: %v", err)
	}

	window := image[snOff : snOff+snSize]
	if bytes.Equal(window, make([]byte, snSize)) {
		t.Fatal("signature window still zero")
	}

	// Recompute the digest the way the signer does and verify with the
	// public half; the window stores the signature reversed.
	h := sha1.New()
	h.Write(image[:csumOff])
	h.Write(image[csumOff+4 : snOff])
	h.Write(image[snOff+snSize:])

	sig := make([]byte, snSize)
	for i := range window {
		sig[i] = window[snSize-1-i]
	}
	if err := rsa.VerifyPKCS1v15(&rsaKey.PublicKey, crypto.SHA1,
		h.Sum(nil), sig); err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
}

func TestSignImageSlotMismatch(t *testing.T) {
	_, k := generateTestKey(t)
	err := k.signImage(make([]byte, 1024), 512, 64, 0)
	if !errors.Is(err, ErrKey) {
		t.Errorf("slot mismatch error = %v, want %v", err, ErrKey)
	}
}

func TestRedirectAndResign(t *testing.T) {
	rsaKey, k := generateTestKey(t)

	cfg := defaultConfig()
	cfg.signed = true
	cfg.publicKey = k.PublicKeyBlob()
	ed := openTestEditor(t, cfg)
	defer ed.Close()

	token := []byte{0xAB, 0xCD, 0x12, 0x34, 0x56, 0x78, 0x9A, 0xBC}
	found, err := ed.RedirectReference("N", "N_Shaded", token)
	if err != nil || !found {
		t.Fatalf("RedirectReference = (%v, %v), want (true, nil)", found, err)
	}

	out, data := saveAndReload(t, ed, k)
	defer out.Close()

	refs, err := out.References()
	if err != nil {
		t.Fatalf("References failed: %v", err)
	}
	var match *AssemblyReference
	for i := range refs {
		if refs[i].Name == "N_Shaded" {
			match = &refs[i]
		}
	}
	if match == nil {
		t.Fatalf("no reference named N_Shaded in %+v", refs)
	}
	if !bytes.Equal(match.PublicKeyOrToken, token) {
		t.Errorf("redirected token = % x, want % x", match.PublicKeyOrToken, token)
	}

	// The signature window is populated and verifies against the key.
	f := out.file
	snDir := f.CLR.CLRHeader.StrongNameSignature
	if snDir.Size != 128 {
		t.Fatalf("strong name slot size = %d, want 128", snDir.Size)
	}
	snOff := f.GetOffsetFromRva(snDir.VirtualAddress)
	window := data[snOff : snOff+snDir.Size]
	if bytes.Equal(window, make([]byte, snDir.Size)) {
		t.Fatal("signature window is zero after re-signing")
	}

	csumOff := f.optionalHeaderOffset + offCheckSum
	h := sha1.New()
	h.Write(data[:csumOff])
	h.Write(data[csumOff+4 : snOff])
	h.Write(data[snOff+snDir.Size:])
	sig := make([]byte, snDir.Size)
	for i := range window {
		sig[i] = window[snDir.Size-1-uint32(i)]
	}
	if err := rsa.VerifyPKCS1v15(&rsaKey.PublicKey, crypto.SHA1,
		h.Sum(nil), sig); err != nil {
		t.Errorf("re-signed image does not verify: %v", err)
	}
}
