// Package session holds the active signing credential for a running
// service. The credential is loaded from an environment-injected secret
// or an HSM handle, validated against the signing policy, and swapped
// atomically on rotation so in-flight signing operations keep the
// snapshot they started with.
package session

import (
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/veridoc/docseal/certvalidator"
	"github.com/veridoc/docseal/keys"
)

// Environment variables carrying the signing secret. Exactly one source
// must be present: a PEM pair or a base64 PKCS#12 archive.
const (
	EnvSigningCert    = "DOCSEAL_SIGNING_CERT"
	EnvSigningKey     = "DOCSEAL_SIGNING_KEY"
	EnvSigningP12     = "DOCSEAL_SIGNING_P12"
	EnvSigningP12Pass = "DOCSEAL_SIGNING_P12_PASSWORD"
)

// Common errors
var (
	ErrNotInitialized = errors.New("signing session not initialized")
	ErrNoCredential   = errors.New("no signing credential in environment")
)

// SigningCertificate is an immutable snapshot of the active credential.
// The Signer either wraps an in-memory key or an opaque HSM handle.
type SigningCertificate struct {
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
	Signer      crypto.Signer

	LoadedAt time.Time
	Source   string
	Warnings []string
}

// Session manages the active signing credential.
type Session struct {
	current   atomic.Pointer[SigningCertificate]
	validator *certvalidator.Validator
	logger    zerolog.Logger
}

// NewSession creates an empty session. Credentials are installed with
// Initialize or Rotate.
func NewSession(validator *certvalidator.Validator, logger zerolog.Logger) *Session {
	return &Session{
		validator: validator,
		logger:    logger.With().Str("component", "session").Logger(),
	}
}

// Current returns the active credential snapshot. Callers keep the
// returned pointer for the whole signing operation; a concurrent Rotate
// does not affect it.
func (s *Session) Current() (*SigningCertificate, error) {
	sc := s.current.Load()
	if sc == nil {
		return nil, ErrNotInitialized
	}
	return sc, nil
}

// Initialized reports whether a credential is installed.
func (s *Session) Initialized() bool {
	return s.current.Load() != nil
}

// Initialize installs the first credential. It is equivalent to Rotate
// but fails if the session already holds one.
func (s *Session) Initialize(sc *SigningCertificate) error {
	if s.current.Load() != nil {
		return errors.New("session already initialized")
	}
	return s.Rotate(sc)
}

// Rotate validates the credential and atomically replaces the active
// one. On validation failure the previous credential stays in place.
func (s *Session) Rotate(sc *SigningCertificate) error {
	if sc == nil || sc.Certificate == nil || sc.Signer == nil {
		return errors.New("incomplete signing credential")
	}

	result, err := s.validator.Validate(sc.Certificate, sc.Chain)
	if err != nil {
		s.logger.Error().
			Str("subject", sc.Certificate.Subject.CommonName).
			Str("serial", sc.Certificate.SerialNumber.String()).
			Err(err).
			Msg("credential rejected")
		return fmt.Errorf("credential rejected: %w", err)
	}
	sc.Warnings = result.Warnings
	if sc.LoadedAt.IsZero() {
		sc.LoadedAt = time.Now().UTC()
	}

	s.current.Store(sc)
	s.logger.Info().
		Str("subject", sc.Certificate.Subject.CommonName).
		Str("serial", sc.Certificate.SerialNumber.String()).
		Str("source", sc.Source).
		Time("not_after", sc.Certificate.NotAfter).
		Strs("warnings", result.Warnings).
		Msg("signing credential installed")
	return nil
}

// InitializeFromEnv loads the credential from the process environment.
// Secrets are read from memory only; nothing is written back.
func (s *Session) InitializeFromEnv() error {
	sc, err := LoadFromEnv()
	if err != nil {
		return err
	}
	return s.Initialize(sc)
}

// InitializeFromHSM resolves an opaque key handle on a PKCS#11 token
// and installs it.
func (s *Session) InitializeFromHSM(cfg HSMConfig) error {
	signer, cert, err := OpenHSMSigner(cfg)
	if err != nil {
		return err
	}

	sc := &SigningCertificate{
		Certificate: cert,
		Signer:      signer,
		LoadedAt:    time.Now().UTC(),
		Source:      "hsm",
	}
	if err := s.Initialize(sc); err != nil {
		signer.Close()
		return err
	}
	return nil
}

// LoadFromEnv reads the signing credential from environment variables:
// a PEM certificate/key pair, or a base64-encoded PKCS#12 archive.
func LoadFromEnv() (*SigningCertificate, error) {
	if p12 := os.Getenv(EnvSigningP12); p12 != "" {
		archive, err := base64.StdEncoding.DecodeString(p12)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", EnvSigningP12, err)
		}
		cred, err := keys.ParsePKCS12(archive, os.Getenv(EnvSigningP12Pass))
		if err != nil {
			return nil, err
		}
		return &SigningCertificate{
			Certificate: cred.Certificate,
			Chain:       cred.CACerts,
			Signer:      cred.PrivateKey,
			LoadedAt:    time.Now().UTC(),
			Source:      "env:pkcs12",
		}, nil
	}

	certPEM := os.Getenv(EnvSigningCert)
	keyPEM := os.Getenv(EnvSigningKey)
	if certPEM == "" || keyPEM == "" {
		return nil, ErrNoCredential
	}

	cred, err := keys.ParseCredential([]byte(certPEM), []byte(keyPEM))
	if err != nil {
		return nil, err
	}
	return &SigningCertificate{
		Certificate: cred.Certificate,
		Chain:       cred.CACerts,
		Signer:      cred.PrivateKey,
		LoadedAt:    time.Now().UTC(),
		Source:      "env:pem",
	}, nil
}
