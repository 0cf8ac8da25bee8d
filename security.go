// Copyright 2022 Shade. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package shade

import (
	"fmt"

	"go.mozilla.org/pkcs7"
)

// WinCertificate header values.
const (
	// WinCertRevision2 is the current certificate structure revision.
	WinCertRevision2 = 0x0200

	// WinCertTypePKCSSignedData indicates a PKCS#7 SignedData blob.
	WinCertTypePKCSSignedData = 0x0002
)

// WinCertificate is the header of an attribute certificate entry.
type WinCertificate struct {
	// The length of the certificate entry, header included.
	Length uint32 `json:"length"`

	// The certificate structure revision.
	Revision uint16 `json:"revision"`

	// The certificate content type.
	CertificateType uint16 `json:"certificate_type"`
}

// CertificateInfo summarises the Authenticode signature of the input.
// Rewriting the image invalidates it, so the editor only reads it to
// report what is being dropped.
type CertificateInfo struct {
	Header WinCertificate `json:"header"`

	// Subject and issuer of the leaf signing certificate.
	SignerSubject string `json:"signer_subject"`
	SignerIssuer  string `json:"signer_issuer"`

	// File offset and total size of the attribute certificate table.
	offset uint32
	size   uint32
}

// parseSecurityDirectory parses the attribute certificate table. The
// certificate directory is addressed by file offset, not by RVA.
func (f *File) parseSecurityDirectory(fileOffset, size uint32) error {
	var header WinCertificate
	err := f.structUnpack(&header, fileOffset, 8)
	if err != nil {
		return err
	}
	if header.Length < 8 || header.Length > size {
		return fmt.Errorf("%w: certificate length out of range", ErrBadImage)
	}

	f.Certificates = CertificateInfo{
		Header: header,
		offset: fileOffset,
		size:   size,
	}
	f.HasCertificate = true

	if header.CertificateType != WinCertTypePKCSSignedData {
		return nil
	}

	der, err := f.ReadBytesAtOffset(fileOffset+8, header.Length-8)
	if err != nil {
		return err
	}
	signed, err := pkcs7.Parse(der)
	if err != nil {
		return fmt.Errorf("%w: undecodable PKCS#7 signature: %v",
			ErrBadImage, err)
	}
	if signer := signed.GetOnlySigner(); signer != nil {
		f.Certificates.SignerSubject = signer.Subject.String()
		f.Certificates.SignerIssuer = signer.Issuer.String()
	}
	return nil
}
