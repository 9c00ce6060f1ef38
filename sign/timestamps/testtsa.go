package timestamps

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// TestTSA acts as its own time-stamping authority for tests and offline
// use. It grants every request and signs tokens with its own key.
type TestTSA struct {
	Cert *x509.Certificate
	Key  crypto.Signer

	// CertsToEmbed are additional certificates included in tokens.
	CertsToEmbed []*x509.Certificate

	// FixedTime pins GenTime; zero means current time.
	FixedTime time.Time

	// EchoNonce controls whether request nonces are echoed back.
	EchoNonce bool

	// Policy is the TSA policy OID stamped into tokens.
	Policy asn1.ObjectIdentifier
}

// NewTestTSA creates a TSA with a fresh self-signed certificate.
func NewTestTSA() (*TestTSA, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   "Test TSA",
			Organization: []string{"Test"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return &TestTSA{
		Cert:      cert,
		Key:       key,
		EchoNonce: true,
		Policy:    asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 4146, 2, 2},
	}, nil
}

// Token implements Timestamper without any network round trip.
func (t *TestTSA) Token(_ context.Context, digest []byte, hashAlg crypto.Hash) ([]byte, error) {
	req := TimeStampReq{
		Version: 1,
		MessageImprint: MessageImprint{
			HashAlgorithm: AlgorithmIdentifier{
				Algorithm:  hashOID(hashAlg),
				Parameters: asn1.RawValue{Tag: 5},
			},
			HashedMessage: digest,
		},
		CertReq: true,
	}
	return t.issueToken(&req)
}

// Respond handles a DER TimeStampReq and returns a DER TimeStampResp,
// suitable for wiring into an httptest handler.
func (t *TestTSA) Respond(reqBytes []byte) ([]byte, error) {
	var req TimeStampReq
	if _, err := asn1.Unmarshal(reqBytes, &req); err != nil {
		return nil, fmt.Errorf("failed to parse request: %w", err)
	}

	token, err := t.issueToken(&req)
	if err != nil {
		return nil, err
	}

	resp := TimeStampResp{
		Status:         PKIStatusInfo{Status: 0}, // granted
		TimeStampToken: asn1.RawValue{FullBytes: token},
	}
	return asn1.Marshal(resp)
}

func (t *TestTSA) issueToken(req *TimeStampReq) ([]byte, error) {
	genTime := time.Now()
	if !t.FixedTime.IsZero() {
		genTime = t.FixedTime
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	tstInfo := TSTInfo{
		Version:        1,
		Policy:         t.Policy,
		MessageImprint: req.MessageImprint,
		SerialNumber:   serialNumber,
		GenTime:        genTime,
	}
	if t.EchoNonce && req.Nonce != nil {
		tstInfo.Nonce = req.Nonce
	}

	tstInfoBytes, err := asn1.Marshal(tstInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to encode TSTInfo: %w", err)
	}

	return t.signToken(tstInfoBytes)
}

// signToken wraps the TSTInfo in a signed CMS structure.
func (t *TestTSA) signToken(tstInfoBytes []byte) ([]byte, error) {
	h := sha256.New()
	h.Write(tstInfoBytes)
	messageDigest := h.Sum(nil)

	signedAttrs := []tsaAttribute{
		{
			Type: asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}, // contentType
			Values: []asn1.RawValue{{
				FullBytes: mustMarshal(OIDTSTInfo),
			}},
		},
		{
			Type: asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}, // messageDigest
			Values: []asn1.RawValue{{
				Class: asn1.ClassUniversal,
				Tag:   asn1.TagOctetString,
				Bytes: messageDigest,
			}},
		},
	}

	signedAttrsBytes, err := asn1.Marshal(signedAttrs)
	if err != nil {
		return nil, err
	}
	// The signature covers the attributes with the SET OF tag.
	signedAttrsBytes[0] = 0x31

	signature, err := t.sign(signedAttrsBytes)
	if err != nil {
		return nil, err
	}

	si := tsaSignerInfo{
		Version: 1,
		SID: tsaIssuerAndSerial{
			Issuer:       asn1.RawValue{FullBytes: t.Cert.RawIssuer},
			SerialNumber: t.Cert.SerialNumber,
		},
		DigestAlgorithm: AlgorithmIdentifier{
			Algorithm:  OIDSHA256,
			Parameters: asn1.RawValue{Tag: 5},
		},
		SignedAttrs: signedAttrs,
		SignatureAlgorithm: AlgorithmIdentifier{
			Algorithm:  asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}, // SHA256WithRSA
			Parameters: asn1.RawValue{Tag: 5},
		},
		Signature: signature,
	}

	var certBytes []asn1.RawValue
	certBytes = append(certBytes, asn1.RawValue{FullBytes: t.Cert.Raw})
	for _, cert := range t.CertsToEmbed {
		certBytes = append(certBytes, asn1.RawValue{FullBytes: cert.Raw})
	}

	sd := tsaSignedData{
		Version: 3,
		DigestAlgorithms: []AlgorithmIdentifier{{
			Algorithm:  OIDSHA256,
			Parameters: asn1.RawValue{Tag: 5},
		}},
		EncapContentInfo: tsaEncapContent{
			ContentType: OIDTSTInfo,
			Content: asn1.RawValue{
				Class:      asn1.ClassContextSpecific,
				Tag:        0,
				IsCompound: true,
				Bytes:      tstInfoBytes,
			},
		},
		Certificates: certBytes,
		SignerInfos:  []tsaSignerInfo{si},
	}

	signedDataBytes, err := asn1.Marshal(sd)
	if err != nil {
		return nil, err
	}

	contentInfo := struct {
		ContentType asn1.ObjectIdentifier
		Content     asn1.RawValue `asn1:"tag:0"`
	}{
		ContentType: asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}, // signedData
		Content: asn1.RawValue{
			Class:      asn1.ClassContextSpecific,
			Tag:        0,
			IsCompound: true,
			Bytes:      signedDataBytes,
		},
	}
	return asn1.Marshal(contentInfo)
}

func (t *TestTSA) sign(data []byte) ([]byte, error) {
	h := sha256.New()
	h.Write(data)
	digest := h.Sum(nil)

	switch key := t.Key.(type) {
	case *rsa.PrivateKey:
		return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest)
	default:
		return nil, errors.New("unsupported key type - test TSA supports RSA only")
	}
}

// Helper types for the token CMS structure

type tsaAttribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

type tsaIssuerAndSerial struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

type tsaSignerInfo struct {
	Version            int
	SID                tsaIssuerAndSerial
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        []tsaAttribute `asn1:"implicit,tag:0,set"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
}

type tsaEncapContent struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"optional,tag:0"`
}

type tsaSignedData struct {
	Version          int
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo tsaEncapContent
	Certificates     []asn1.RawValue `asn1:"implicit,optional,tag:0"`
	SignerInfos      []tsaSignerInfo `asn1:"set"`
}

func mustMarshal(v any) []byte {
	data, err := asn1.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
