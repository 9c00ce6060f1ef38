// Package cms builds and verifies CMS (Cryptographic Message Syntax)
// detached signatures for document sealing.
package cms

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"hash"
	"math/big"
	"sort"
	"time"
)

// OIDs for CMS and signature algorithms
var (
	// Content types
	OIDData       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	OIDTSTInfo    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 4}

	// Digest algorithms
	OIDSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}

	// Signature algorithms
	OIDSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	OIDSHA384WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	OIDSHA512WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	OIDECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	OIDECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	OIDECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}

	// Signed attributes
	OIDContentType          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDMessageDigest        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDSigningTime          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
	OIDSigningCertificateV2 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}

	// OIDDocumentPolicy is the private attribute carrying issuance context
	// (document type, id, office, security level).
	OIDDocumentPolicy = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 58375, 1, 1}

	// Unsigned attributes
	OIDTimeStampToken         = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}
	OIDRevocationInfoArchival = asn1.ObjectIdentifier{1, 2, 840, 113583, 1, 1, 8}
)

// Common errors
var (
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrMissingCertificate   = errors.New("missing certificate")
	ErrNoTimestamp          = errors.New("no timestamp token")
)

// AlgorithmIdentifier represents an algorithm identifier.
type AlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

// ContentInfo represents a CMS ContentInfo structure.
type ContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// SignedData represents a CMS SignedData structure.
type SignedData struct {
	Version          int
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo EncapsulatedContentInfo
	Certificates     []asn1.RawValue `asn1:"optional,implicit,tag:0,set"`
	CRLs             []asn1.RawValue `asn1:"optional,implicit,tag:1"`
	SignerInfos      []SignerInfo    `asn1:"set"`
}

// EncapsulatedContentInfo represents encapsulated content.
type EncapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// SignerInfo represents a signer's information.
// Note: SID is IssuerAndSerialNumber directly (not wrapped in SignerIdentifier)
// because SignerIdentifier is a CHOICE in ASN.1, not a SEQUENCE.
type SignerInfo struct {
	Version            int
	SID                IssuerAndSerialNumber
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        []Attribute `asn1:"optional,implicit,tag:0,set"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      []Attribute `asn1:"optional,implicit,tag:1,set"`
}

// SignerInfoRaw is used for parsing to capture raw attribute bytes.
type SignerInfoRaw struct {
	Version            int
	SID                IssuerAndSerialNumber
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional,tag:1"`
}

// SignedDataRaw is used for parsing to capture raw signer info.
type SignedDataRaw struct {
	Version          int
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo EncapsulatedContentInfo
	Certificates     []asn1.RawValue `asn1:"optional,implicit,tag:0,set"`
	CRLs             []asn1.RawValue `asn1:"optional,implicit,tag:1"`
	SignerInfos      []asn1.RawValue `asn1:"set"`
}

// IssuerAndSerialNumber identifies a certificate by issuer and serial.
type IssuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

// Attribute represents a CMS attribute.
type Attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// SigningCertificateV2 represents the signing certificate attribute.
type SigningCertificateV2 struct {
	Certs []ESSCertIDv2
}

// ESSCertIDv2 represents a certificate identifier.
type ESSCertIDv2 struct {
	HashAlgorithm AlgorithmIdentifier `asn1:"optional"`
	CertHash      []byte
	IssuerSerial  IssuerSerial `asn1:"optional"`
}

// IssuerSerial identifies a certificate by issuer and serial.
type IssuerSerial struct {
	Issuer       GeneralNames
	SerialNumber *big.Int
}

// GeneralNames represents a sequence of GeneralName.
type GeneralNames struct {
	Names []asn1.RawValue
}

// DocumentPolicy is the issuance context bound into the signed
// attributes so it cannot be stripped without breaking the signature.
type DocumentPolicy struct {
	DocumentType  string `asn1:"utf8"`
	DocumentID    string `asn1:"utf8"`
	IssuingOffice string `asn1:"utf8"`
	SecurityLevel int
}

// RevocationInfoArchival carries DER revocation evidence inside the
// signature (Adobe arc, OID 1.2.840.113583.1.1.8).
type RevocationInfoArchival struct {
	CRLs  []asn1.RawValue `asn1:"optional,explicit,tag:0"`
	OCSPs []asn1.RawValue `asn1:"optional,explicit,tag:1"`
}

// SignatureAlgorithm represents a signature algorithm with its hash.
type SignatureAlgorithm struct {
	DigestAlgorithm    asn1.ObjectIdentifier
	SignatureAlgorithm asn1.ObjectIdentifier
	Hash               crypto.Hash
}

// Common signature algorithms
var (
	SHA256WithRSA = SignatureAlgorithm{
		DigestAlgorithm:    OIDSHA256,
		SignatureAlgorithm: OIDSHA256WithRSA,
		Hash:               crypto.SHA256,
	}
	SHA512WithRSA = SignatureAlgorithm{
		DigestAlgorithm:    OIDSHA512,
		SignatureAlgorithm: OIDSHA512WithRSA,
		Hash:               crypto.SHA512,
	}
	SHA256WithECDSA = SignatureAlgorithm{
		DigestAlgorithm:    OIDSHA256,
		SignatureAlgorithm: OIDECDSAWithSHA256,
		Hash:               crypto.SHA256,
	}
	SHA512WithECDSA = SignatureAlgorithm{
		DigestAlgorithm:    OIDSHA512,
		SignatureAlgorithm: OIDECDSAWithSHA512,
		Hash:               crypto.SHA512,
	}
)

// Builder builds CMS signed data structures.
type Builder struct {
	Certificate    *x509.Certificate
	CertChain      []*x509.Certificate
	PrivateKey     crypto.Signer
	Algorithm      SignatureAlgorithm
	SigningTime    time.Time
	DocumentPolicy *DocumentPolicy
}

// NewBuilder creates a CMS builder. The digest algorithm is SHA-512.
func NewBuilder(cert *x509.Certificate, key crypto.Signer) *Builder {
	alg := SHA512WithRSA
	if _, ok := cert.PublicKey.(*ecdsa.PublicKey); ok {
		alg = SHA512WithECDSA
	}
	return &Builder{
		Certificate: cert,
		PrivateKey:  key,
		Algorithm:   alg,
		SigningTime: time.Now().UTC(),
	}
}

// SetCertificateChain sets the certificate chain.
func (b *Builder) SetCertificateChain(chain []*x509.Certificate) {
	b.CertChain = chain
}

// SetSigningTime sets the signing time.
func (b *Builder) SetSigningTime(t time.Time) {
	b.SigningTime = t.UTC()
}

// SetDocumentPolicy binds the issuance context into the signed attributes.
func (b *Builder) SetDocumentPolicy(p *DocumentPolicy) {
	b.DocumentPolicy = p
}

// SignedAttributesForSigning returns signed attributes and the DER-encoded SET
// bytes used for signature generation.
func (b *Builder) SignedAttributesForSigning(data []byte) ([]Attribute, []byte, error) {
	h := newHash(b.Algorithm.Hash)
	h.Write(data)
	messageDigest := h.Sum(nil)

	signedAttrs, err := b.buildSignedAttributes(messageDigest)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build signed attributes: %w", err)
	}

	signedAttrs = derSortAttributes(signedAttrs)

	signedAttrsBytes, err := asn1.Marshal(signedAttrs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal signed attributes: %w", err)
	}

	signedAttrsBytes[0] = 0x31 // SET tag

	return signedAttrs, signedAttrsBytes, nil
}

// Sign creates a detached CMS signature for the given data.
func (b *Builder) Sign(data []byte) ([]byte, error) {
	signedAttrs, signedAttrsBytes, err := b.SignedAttributesForSigning(data)
	if err != nil {
		return nil, err
	}

	h := newHash(b.Algorithm.Hash)
	h.Write(signedAttrsBytes)
	attrDigest := h.Sum(nil)

	signature, err := b.signDigest(attrDigest)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	signerInfo := SignerInfo{
		Version: 1,
		SID: IssuerAndSerialNumber{
			Issuer:       asn1.RawValue{FullBytes: b.Certificate.RawIssuer},
			SerialNumber: b.Certificate.SerialNumber,
		},
		DigestAlgorithm: AlgorithmIdentifier{
			Algorithm:  b.Algorithm.DigestAlgorithm,
			Parameters: asn1.RawValue{Tag: 5}, // NULL
		},
		SignedAttrs: signedAttrs,
		SignatureAlgorithm: AlgorithmIdentifier{
			Algorithm:  b.Algorithm.SignatureAlgorithm,
			Parameters: signatureAlgorithmParameters(b.Algorithm.SignatureAlgorithm),
		},
		Signature: signature,
	}

	signedData := SignedData{
		Version: 1,
		DigestAlgorithms: []AlgorithmIdentifier{
			{
				Algorithm:  b.Algorithm.DigestAlgorithm,
				Parameters: asn1.RawValue{Tag: 5},
			},
		},
		EncapContentInfo: EncapsulatedContentInfo{
			EContentType: OIDData,
			// No encapsulated content for detached signature
		},
		SignerInfos: []SignerInfo{signerInfo},
	}

	signedData.Certificates = append(signedData.Certificates,
		asn1.RawValue{FullBytes: b.Certificate.Raw})
	for _, cert := range b.CertChain {
		signedData.Certificates = append(signedData.Certificates,
			asn1.RawValue{FullBytes: cert.Raw})
	}

	return marshalContentInfo(signedData)
}

func marshalContentInfo(signedData SignedData) ([]byte, error) {
	signedDataBytes, err := asn1.Marshal(signedData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signed data: %w", err)
	}

	contentInfo := ContentInfo{
		ContentType: OIDSignedData,
		Content:     asn1.RawValue{Class: 2, Tag: 0, IsCompound: true, Bytes: signedDataBytes},
	}
	return asn1.Marshal(contentInfo)
}

func signatureAlgorithmParameters(oid asn1.ObjectIdentifier) asn1.RawValue {
	switch {
	case oid.Equal(OIDSHA256WithRSA),
		oid.Equal(OIDSHA384WithRSA),
		oid.Equal(OIDSHA512WithRSA):
		return asn1.RawValue{Tag: 5} // NULL
	default:
		return asn1.RawValue{} // omit
	}
}

// buildSignedAttributes builds the signed attributes.
func (b *Builder) buildSignedAttributes(messageDigest []byte) ([]Attribute, error) {
	var attrs []Attribute

	contentTypeValue, _ := asn1.Marshal(OIDData)
	attrs = append(attrs, Attribute{
		Type:   OIDContentType,
		Values: []asn1.RawValue{{FullBytes: contentTypeValue}},
	})

	digestValue, _ := asn1.Marshal(messageDigest)
	attrs = append(attrs, Attribute{
		Type:   OIDMessageDigest,
		Values: []asn1.RawValue{{FullBytes: digestValue}},
	})

	signingTimeValue, _ := asn1.Marshal(b.SigningTime)
	attrs = append(attrs, Attribute{
		Type:   OIDSigningTime,
		Values: []asn1.RawValue{{FullBytes: signingTimeValue}},
	})

	if b.DocumentPolicy != nil {
		policyValue, err := asn1.Marshal(*b.DocumentPolicy)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal document policy: %w", err)
		}
		attrs = append(attrs, Attribute{
			Type:   OIDDocumentPolicy,
			Values: []asn1.RawValue{{FullBytes: policyValue}},
		})
	}

	// Signing certificate v2 attribute (ESS-signing-certificate-v2)
	certHash := b.hashCertificate()
	issuerSerial := IssuerSerial{
		Issuer: GeneralNames{
			Names: []asn1.RawValue{
				{
					Class:      asn1.ClassContextSpecific,
					Tag:        4, // directoryName
					IsCompound: true,
					Bytes:      b.Certificate.RawIssuer,
				},
			},
		},
		SerialNumber: b.Certificate.SerialNumber,
	}
	signingCert := SigningCertificateV2{
		Certs: []ESSCertIDv2{
			{
				HashAlgorithm: AlgorithmIdentifier{
					Algorithm:  b.Algorithm.DigestAlgorithm,
					Parameters: asn1.RawValue{Tag: 5},
				},
				CertHash:     certHash,
				IssuerSerial: issuerSerial,
			},
		},
	}
	signingCertValue, _ := asn1.Marshal(signingCert)
	attrs = append(attrs, Attribute{
		Type:   OIDSigningCertificateV2,
		Values: []asn1.RawValue{{FullBytes: signingCertValue}},
	})

	return attrs, nil
}

func newHash(h crypto.Hash) hash.Hash {
	switch h {
	case crypto.SHA384:
		return sha512.New384()
	case crypto.SHA512:
		return sha512.New()
	default:
		return sha256.New()
	}
}

// hashCertificate computes the certificate hash.
func (b *Builder) hashCertificate() []byte {
	h := newHash(b.Algorithm.Hash)
	h.Write(b.Certificate.Raw)
	return h.Sum(nil)
}

// signDigest signs the digest with the private key.
func (b *Builder) signDigest(digest []byte) ([]byte, error) {
	switch key := b.PrivateKey.(type) {
	case *rsa.PrivateKey:
		return rsa.SignPKCS1v15(rand.Reader, key, b.Algorithm.Hash, digest)
	default:
		return b.PrivateKey.Sign(rand.Reader, digest, b.Algorithm.Hash)
	}
}

// TokenFunc obtains a timestamp token for a digest of the signature value.
type TokenFunc func(digest []byte, hashAlg crypto.Hash) ([]byte, error)

// AddTimestampToken appends an RFC 3161 timestamp token as an unsigned
// attribute of the first signer. The token covers the signature value,
// so it must be obtained after signing. The signed attributes and the
// signature bytes are preserved verbatim.
func AddTimestampToken(cmsData []byte, tokenFor TokenFunc) ([]byte, error) {
	signedData, err := Parse(cmsData)
	if err != nil {
		return nil, err
	}
	if len(signedData.SignerInfos) == 0 {
		return nil, fmt.Errorf("no signer infos")
	}

	si := &signedData.SignerInfos[0]
	hashAlg := hashTypeFromOID(si.DigestAlgorithm.Algorithm)
	h := newHash(hashAlg)
	h.Write(si.Signature)

	token, err := tokenFor(h.Sum(nil), hashAlg)
	if err != nil {
		return nil, err
	}

	si.UnsignedAttrs = append(si.UnsignedAttrs, Attribute{
		Type:   OIDTimeStampToken,
		Values: []asn1.RawValue{{FullBytes: token}},
	})
	return marshalContentInfo(*signedData)
}

// AddRevocationInfo embeds OCSP responses and CRLs as an unsigned
// adbe-revocationInfoArchival attribute of the first signer.
func AddRevocationInfo(cmsData []byte, ocsps, crls [][]byte) ([]byte, error) {
	if len(ocsps) == 0 && len(crls) == 0 {
		return cmsData, nil
	}

	signedData, err := Parse(cmsData)
	if err != nil {
		return nil, err
	}
	if len(signedData.SignerInfos) == 0 {
		return nil, fmt.Errorf("no signer infos")
	}

	var archival RevocationInfoArchival
	for _, der := range crls {
		archival.CRLs = append(archival.CRLs, asn1.RawValue{FullBytes: der})
	}
	for _, der := range ocsps {
		archival.OCSPs = append(archival.OCSPs, asn1.RawValue{FullBytes: der})
	}
	archivalValue, err := asn1.Marshal(archival)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal revocation archival: %w", err)
	}

	si := &signedData.SignerInfos[0]
	si.UnsignedAttrs = append(si.UnsignedAttrs, Attribute{
		Type:   OIDRevocationInfoArchival,
		Values: []asn1.RawValue{{FullBytes: archivalValue}},
	})
	return marshalContentInfo(*signedData)
}

// Parse parses a CMS signed data structure.
func Parse(data []byte) (*SignedData, error) {
	var contentInfo ContentInfo
	if _, err := asn1.Unmarshal(data, &contentInfo); err != nil {
		return nil, fmt.Errorf("failed to parse ContentInfo: %w", err)
	}

	if !contentInfo.ContentType.Equal(OIDSignedData) {
		return nil, fmt.Errorf("expected SignedData, got %v", contentInfo.ContentType)
	}

	var signedData SignedData
	if _, err := asn1.Unmarshal(contentInfo.Content.Bytes, &signedData); err != nil {
		return nil, fmt.Errorf("failed to parse SignedData: %w", err)
	}

	return &signedData, nil
}

// VerifyDetached verifies a detached CMS signature against the signed
// content and returns the signer certificate on success.
func VerifyDetached(cmsData, signedContent []byte) (*x509.Certificate, error) {
	// Parse using raw types to preserve signed attributes bytes
	var contentInfo ContentInfo
	if _, err := asn1.Unmarshal(cmsData, &contentInfo); err != nil {
		return nil, fmt.Errorf("failed to parse ContentInfo: %w", err)
	}

	if !contentInfo.ContentType.Equal(OIDSignedData) {
		return nil, fmt.Errorf("expected SignedData, got %v", contentInfo.ContentType)
	}

	var signedDataRaw SignedDataRaw
	if _, err := asn1.Unmarshal(contentInfo.Content.Bytes, &signedDataRaw); err != nil {
		return nil, fmt.Errorf("failed to parse SignedData: %w", err)
	}

	if len(signedDataRaw.SignerInfos) == 0 {
		return nil, fmt.Errorf("no signer infos")
	}

	var signerInfoRaw SignerInfoRaw
	if _, err := asn1.Unmarshal(signedDataRaw.SignerInfos[0].FullBytes, &signerInfoRaw); err != nil {
		return nil, fmt.Errorf("failed to parse SignerInfo: %w", err)
	}

	// Locate the signer certificate by serial number.
	var signerCert *x509.Certificate
	for _, certRaw := range signedDataRaw.Certificates {
		cert, err := x509.ParseCertificate(certRaw.FullBytes)
		if err != nil {
			continue
		}
		if signerInfoRaw.SID.SerialNumber != nil &&
			cert.SerialNumber.Cmp(signerInfoRaw.SID.SerialNumber) == 0 {
			signerCert = cert
			break
		}
	}
	if signerCert == nil {
		return nil, ErrMissingCertificate
	}

	h, err := hashFromOID(signerInfoRaw.DigestAlgorithm.Algorithm)
	if err != nil {
		return nil, err
	}
	h.Write(signedContent)
	computedDigest := h.Sum(nil)

	signedAttrs, err := parseAttributes(signerInfoRaw.SignedAttrs.Bytes)
	if err != nil {
		return nil, err
	}

	var foundDigest []byte
	for _, attr := range signedAttrs {
		if attr.Type.Equal(OIDMessageDigest) && len(attr.Values) > 0 {
			if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &foundDigest); err == nil {
				break
			}
		}
	}
	if foundDigest == nil {
		return nil, fmt.Errorf("message digest attribute not found")
	}
	if !bytes.Equal(computedDigest, foundDigest) {
		return nil, fmt.Errorf("%w: message digest mismatch", ErrInvalidSignature)
	}

	// Re-marshal signed attributes so the digest input matches the exact
	// bytes produced during signing (SEQUENCE re-tagged as SET).
	signedAttrsBytes, err := asn1.Marshal(signedAttrs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signed attributes for verification: %w", err)
	}
	signedAttrsBytes[0] = 0x31

	h, _ = hashFromOID(signerInfoRaw.DigestAlgorithm.Algorithm)
	h.Write(signedAttrsBytes)
	attrDigest := h.Sum(nil)

	hashType := hashTypeFromOID(signerInfoRaw.DigestAlgorithm.Algorithm)
	if err := verifySignature(signerCert.PublicKey, hashType, attrDigest, signerInfoRaw.Signature); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	return signerCert, nil
}

// hashFromOID returns a hash function for the given OID.
func hashFromOID(oid asn1.ObjectIdentifier) (hash.Hash, error) {
	switch {
	case oid.Equal(OIDSHA256):
		return sha256.New(), nil
	case oid.Equal(OIDSHA384):
		return sha512.New384(), nil
	case oid.Equal(OIDSHA512):
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, oid)
	}
}

// hashTypeFromOID returns the crypto.Hash for the given OID.
func hashTypeFromOID(oid asn1.ObjectIdentifier) crypto.Hash {
	switch {
	case oid.Equal(OIDSHA384):
		return crypto.SHA384
	case oid.Equal(OIDSHA512):
		return crypto.SHA512
	default:
		return crypto.SHA256
	}
}

// verifySignature verifies a signature using the public key.
func verifySignature(pub any, hashType crypto.Hash, digest, sig []byte) error {
	switch key := pub.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(key, hashType, digest, sig)
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(key, digest, sig) {
			return errors.New("ECDSA verification failed")
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported key type", ErrUnsupportedAlgorithm)
	}
}

// parseAttributes parses a run of Attribute values.
func parseAttributes(data []byte) ([]Attribute, error) {
	var attrs []Attribute
	rest := data
	for len(rest) > 0 {
		var attr Attribute
		var err error
		rest, err = asn1.Unmarshal(rest, &attr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse attribute: %w", err)
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}

// derSortAttributes sorts attributes by their DER encoding.
// This ensures consistent ordering as Go's asn1 package sorts SET elements.
func derSortAttributes(attrs []Attribute) []Attribute {
	type attrWithDER struct {
		attr Attribute
		der  []byte
	}
	attrsWithDER := make([]attrWithDER, len(attrs))
	for i, attr := range attrs {
		der, _ := asn1.Marshal(attr)
		attrsWithDER[i] = attrWithDER{attr: attr, der: der}
	}

	sort.Slice(attrsWithDER, func(i, j int) bool {
		return bytes.Compare(attrsWithDER[i].der, attrsWithDER[j].der) < 0
	})

	result := make([]Attribute, len(attrs))
	for i, awd := range attrsWithDER {
		result[i] = awd.attr
	}
	return result
}

// SignerCertificates extracts all certificates carried in the CMS data.
func SignerCertificates(cmsData []byte) ([]*x509.Certificate, error) {
	signedData, err := Parse(cmsData)
	if err != nil {
		return nil, err
	}

	var certs []*x509.Certificate
	for _, certRaw := range signedData.Certificates {
		cert, err := x509.ParseCertificate(certRaw.FullBytes)
		if err != nil {
			continue
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// SigningTime extracts the claimed signing time from the signed attributes.
func SigningTime(cmsData []byte) (time.Time, error) {
	signedData, err := Parse(cmsData)
	if err != nil {
		return time.Time{}, err
	}
	if len(signedData.SignerInfos) == 0 {
		return time.Time{}, fmt.Errorf("no signer infos")
	}

	for _, attr := range signedData.SignerInfos[0].SignedAttrs {
		if attr.Type.Equal(OIDSigningTime) && len(attr.Values) > 0 {
			var signingTime time.Time
			if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &signingTime); err == nil {
				return signingTime, nil
			}
		}
	}
	return time.Time{}, fmt.Errorf("signing time not found")
}

// DocumentPolicyAttr extracts the document policy attribute, if present.
func DocumentPolicyAttr(cmsData []byte) (*DocumentPolicy, error) {
	signedData, err := Parse(cmsData)
	if err != nil {
		return nil, err
	}
	if len(signedData.SignerInfos) == 0 {
		return nil, fmt.Errorf("no signer infos")
	}

	for _, attr := range signedData.SignerInfos[0].SignedAttrs {
		if attr.Type.Equal(OIDDocumentPolicy) && len(attr.Values) > 0 {
			var policy DocumentPolicy
			if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &policy); err != nil {
				return nil, fmt.Errorf("failed to parse document policy: %w", err)
			}
			return &policy, nil
		}
	}
	return nil, nil
}

// TimestampToken extracts the raw RFC 3161 token from the unsigned
// attributes, or ErrNoTimestamp if absent.
func TimestampToken(cmsData []byte) ([]byte, error) {
	signedData, err := Parse(cmsData)
	if err != nil {
		return nil, err
	}
	if len(signedData.SignerInfos) == 0 {
		return nil, fmt.Errorf("no signer infos")
	}

	for _, attr := range signedData.SignerInfos[0].UnsignedAttrs {
		if attr.Type.Equal(OIDTimeStampToken) && len(attr.Values) > 0 {
			return attr.Values[0].FullBytes, nil
		}
	}
	return nil, ErrNoTimestamp
}

// RevocationInfo extracts embedded revocation evidence from the
// unsigned attributes. Both slices are nil when the attribute is absent.
func RevocationInfo(cmsData []byte) (ocsps, crls [][]byte, err error) {
	signedData, err := Parse(cmsData)
	if err != nil {
		return nil, nil, err
	}
	if len(signedData.SignerInfos) == 0 {
		return nil, nil, fmt.Errorf("no signer infos")
	}

	for _, attr := range signedData.SignerInfos[0].UnsignedAttrs {
		if !attr.Type.Equal(OIDRevocationInfoArchival) || len(attr.Values) == 0 {
			continue
		}
		var archival RevocationInfoArchival
		if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &archival); err != nil {
			return nil, nil, fmt.Errorf("failed to parse revocation archival: %w", err)
		}
		for _, raw := range archival.OCSPs {
			ocsps = append(ocsps, raw.FullBytes)
		}
		for _, raw := range archival.CRLs {
			crls = append(crls, raw.FullBytes)
		}
		return ocsps, crls, nil
	}
	return nil, nil, nil
}
