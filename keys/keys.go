// Package keys parses certificates and private keys from in-memory PEM,
// DER and PKCS#12 data. Private key material is only ever accepted from
// memory (environment-injected secrets); files are read for public trust
// roots alone.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"software.sslmate.com/src/go-pkcs12"
)

// Common errors
var (
	ErrNoCertFound       = errors.New("no certificate found in data")
	ErrNoKeyFound        = errors.New("no private key found in data")
	ErrUnknownKeyType    = errors.New("unknown private key type")
	ErrInvalidPEMBlock   = errors.New("invalid PEM block")
	ErrMultipleCerts     = errors.New("expected exactly one certificate")
	ErrUnsupportedFormat = errors.New("unsupported key format")
)

// PrivateKey represents a private key that can be used for signing.
type PrivateKey interface {
	crypto.Signer
}

// ParseCertificates parses certificates from PEM or DER encoded data.
func ParseCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate

	if isPEM(data) {
		rest := data
		for len(rest) > 0 {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			if block.Type == "CERTIFICATE" {
				cert, err := x509.ParseCertificate(block.Bytes)
				if err != nil {
					return nil, fmt.Errorf("failed to parse certificate: %w", err)
				}
				certs = append(certs, cert)
			}
		}
	} else {
		parsedCerts, err := x509.ParseCertificates(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DER certificate: %w", err)
		}
		certs = parsedCerts
	}

	if len(certs) == 0 {
		return nil, ErrNoCertFound
	}
	return certs, nil
}

// ParseCertificate parses exactly one certificate from PEM or DER data.
func ParseCertificate(data []byte) (*x509.Certificate, error) {
	certs, err := ParseCertificates(data)
	if err != nil {
		return nil, err
	}
	if len(certs) != 1 {
		return nil, fmt.Errorf("%w: found %d", ErrMultipleCerts, len(certs))
	}
	return certs[0], nil
}

// ParsePrivateKey parses a private key from PEM or DER encoded data.
func ParsePrivateKey(data []byte) (PrivateKey, error) {
	if isPEM(data) {
		return parsePrivateKeyPEM(data)
	}
	return parsePrivateKeyDER(data)
}

func parsePrivateKeyPEM(data []byte) (PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidPEMBlock
	}
	return parsePrivateKeyByType(block.Type, block.Bytes)
}

func parsePrivateKeyDER(data []byte) (PrivateKey, error) {
	if key, err := x509.ParsePKCS8PrivateKey(data); err == nil {
		return toPrivateKey(key)
	}
	if key, err := x509.ParsePKCS1PrivateKey(data); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(data); err == nil {
		return key, nil
	}
	return nil, ErrNoKeyFound
}

func parsePrivateKeyByType(blockType string, keyBytes []byte) (PrivateKey, error) {
	switch blockType {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(keyBytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(keyBytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#8 private key: %w", err)
		}
		return toPrivateKey(key)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKeyType, blockType)
	}
}

// toPrivateKey converts a parsed key interface to our PrivateKey type.
func toPrivateKey(key any) (PrivateKey, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKeyType, key)
	}
}

// isPEM checks if the data appears to be PEM encoded.
func isPEM(data []byte) bool {
	return len(data) > 10 && string(data[:5]) == "-----"
}

// Credential holds a parsed signing certificate, its key and any CA
// certificates that accompanied it.
type Credential struct {
	Certificate *x509.Certificate
	PrivateKey  PrivateKey
	CACerts     []*x509.Certificate
}

// ParsePKCS12 decodes a PKCS#12 archive into a credential.
func ParsePKCS12(data []byte, password string) (*Credential, error) {
	key, cert, caCerts, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode PKCS#12: %w", err)
	}

	signer, err := toPrivateKey(key)
	if err != nil {
		return nil, err
	}

	return &Credential{
		Certificate: cert,
		PrivateKey:  signer,
		CACerts:     caCerts,
	}, nil
}

// ParseCredential parses a certificate (with optional chain) and key
// from separate PEM or DER blobs.
func ParseCredential(certData, keyData []byte) (*Credential, error) {
	certs, err := ParseCertificates(certData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	key, err := ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return &Credential{
		Certificate: certs[0],
		PrivateKey:  key,
		CACerts:     certs[1:],
	}, nil
}

// KeyInfo contains information about a private key.
type KeyInfo struct {
	// Algorithm is the key algorithm (RSA, ECDSA, Ed25519)
	Algorithm string

	// BitSize is the key size in bits (for RSA)
	BitSize int

	// Curve is the elliptic curve name (for ECDSA)
	Curve string
}

// GetKeyInfo returns information about a private key.
func GetKeyInfo(key PrivateKey) KeyInfo {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return KeyInfo{
			Algorithm: "RSA",
			BitSize:   k.N.BitLen(),
		}
	case *ecdsa.PrivateKey:
		return KeyInfo{
			Algorithm: "ECDSA",
			Curve:     k.Curve.Params().Name,
		}
	case ed25519.PrivateKey:
		return KeyInfo{
			Algorithm: "Ed25519",
		}
	default:
		return KeyInfo{Algorithm: "Unknown"}
	}
}

// LoadTrustRoots reads CA certificates from files into a pool. Only
// public material may live on disk; key files are never read here.
func LoadTrustRoots(paths []string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read trust root %s: %w", path, err)
		}
		certs, err := ParseCertificates(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse trust root %s: %w", path, err)
		}
		for _, cert := range certs {
			pool.AddCert(cert)
		}
	}
	return pool, nil
}
