package session

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"

	pkcs11 "github.com/miekg/pkcs11"
)

// HSM related errors
var (
	ErrHSMModuleLoad    = errors.New("failed to load PKCS#11 module")
	ErrHSMNoKey         = errors.New("private key not found on token")
	ErrHSMNoCert        = errors.New("certificate not found on token")
	ErrHSMSessionFailed = errors.New("failed to open PKCS#11 session")
	ErrHSMLoginFailed   = errors.New("PKCS#11 login failed")
	ErrHSMSignFailed    = errors.New("PKCS#11 signing failed")
)

// HSMConfig locates a signing key on a PKCS#11 token.
type HSMConfig struct {
	ModulePath string
	Slot       uint
	PIN        string
	KeyLabel   string
	KeyID      []byte
}

// HSMSigner implements crypto.Signer over an opaque PKCS#11 key handle.
// The private key never crosses the token boundary; only digests go in
// and signatures come out.
type HSMSigner struct {
	ctx     *pkcs11.Ctx
	session pkcs11.SessionHandle
	handle  pkcs11.ObjectHandle
	public  crypto.PublicKey

	mu sync.Mutex
}

// OpenHSMSigner loads the module, logs in and resolves the key handle
// and its certificate.
func OpenHSMSigner(cfg HSMConfig) (*HSMSigner, *x509.Certificate, error) {
	ctx := pkcs11.New(cfg.ModulePath)
	if ctx == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrHSMModuleLoad, cfg.ModulePath)
	}
	if err := ctx.Initialize(); err != nil {
		ctx.Destroy()
		return nil, nil, fmt.Errorf("PKCS#11 initialize failed: %w", err)
	}

	session, err := ctx.OpenSession(cfg.Slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		ctx.Finalize()
		ctx.Destroy()
		return nil, nil, fmt.Errorf("%w: %v", ErrHSMSessionFailed, err)
	}
	if cfg.PIN != "" {
		if err := ctx.Login(session, pkcs11.CKU_USER, cfg.PIN); err != nil {
			ctx.CloseSession(session)
			ctx.Finalize()
			ctx.Destroy()
			return nil, nil, fmt.Errorf("%w: %v", ErrHSMLoginFailed, err)
		}
	}

	signer := &HSMSigner{ctx: ctx, session: session}

	cert, err := signer.pullCertificate(cfg.KeyLabel, cfg.KeyID)
	if err != nil {
		signer.Close()
		return nil, nil, err
	}
	signer.public = cert.PublicKey

	handle, err := signer.pullKeyHandle(cfg.KeyLabel, cfg.KeyID)
	if err != nil {
		signer.Close()
		return nil, nil, err
	}
	signer.handle = handle

	return signer, cert, nil
}

// Close releases the token session.
func (s *HSMSigner) Close() error {
	if s.ctx == nil {
		return nil
	}
	err := s.ctx.CloseSession(s.session)
	s.ctx.Finalize()
	s.ctx.Destroy()
	s.ctx = nil
	return err
}

// Public implements crypto.Signer.
func (s *HSMSigner) Public() crypto.PublicKey {
	return s.public
}

// Sign implements crypto.Signer. The digest is handed to the token;
// RSA keys sign via CKM_RSA_PKCS with a DigestInfo prefix, EC keys via
// CKM_ECDSA with the raw digest.
func (s *HSMSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var mech *pkcs11.Mechanism
	var payload []byte

	switch s.public.(type) {
	case *rsa.PublicKey:
		wrapped, err := wrapDigestInfo(opts.HashFunc(), digest)
		if err != nil {
			return nil, err
		}
		mech = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)
		payload = wrapped
	case *ecdsa.PublicKey:
		mech = pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)
		payload = digest
	default:
		return nil, fmt.Errorf("%w: unsupported key type %T", ErrHSMSignFailed, s.public)
	}

	if err := s.ctx.SignInit(s.session, []*pkcs11.Mechanism{mech}, s.handle); err != nil {
		return nil, fmt.Errorf("%w: SignInit: %v", ErrHSMSignFailed, err)
	}
	signature, err := s.ctx.Sign(s.session, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: Sign: %v", ErrHSMSignFailed, err)
	}

	if _, ok := s.public.(*ecdsa.PublicKey); ok {
		return encodeECDSASignature(signature)
	}
	return signature, nil
}

// pullCertificate fetches the signing certificate from the token.
func (s *HSMSigner) pullCertificate(label string, id []byte) (*x509.Certificate, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
	}
	if label != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, label))
	}
	if id != nil {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_ID, id))
	}

	obj, err := s.findOne(template, ErrHSMNoCert)
	if err != nil {
		return nil, err
	}

	attrs, err := s.ctx.GetAttributeValue(s.session, obj, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("GetAttributeValue failed: %w", err)
	}
	if len(attrs) == 0 || len(attrs[0].Value) == 0 {
		return nil, fmt.Errorf("certificate has no value")
	}

	cert, err := x509.ParseCertificate(attrs[0].Value)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

// pullKeyHandle fetches the private key handle from the token.
func (s *HSMSigner) pullKeyHandle(label string, id []byte) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
	}
	if label != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, label))
	}
	if id != nil {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_ID, id))
	}

	return s.findOne(template, ErrHSMNoKey)
}

func (s *HSMSigner) findOne(template []*pkcs11.Attribute, notFound error) (pkcs11.ObjectHandle, error) {
	if err := s.ctx.FindObjectsInit(s.session, template); err != nil {
		return 0, fmt.Errorf("FindObjectsInit failed: %w", err)
	}
	defer s.ctx.FindObjectsFinal(s.session)

	objs, _, err := s.ctx.FindObjects(s.session, 2)
	if err != nil {
		return 0, fmt.Errorf("FindObjects failed: %w", err)
	}
	if len(objs) == 0 {
		return 0, notFound
	}
	if len(objs) > 1 {
		return 0, fmt.Errorf("%w: ambiguous selector matched %d objects", notFound, len(objs))
	}
	return objs[0], nil
}

// wrapDigestInfo wraps a digest in a PKCS#1 DigestInfo structure.
func wrapDigestInfo(hashAlg crypto.Hash, digest []byte) ([]byte, error) {
	var oid asn1.ObjectIdentifier
	switch hashAlg {
	case crypto.SHA256:
		oid = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	case crypto.SHA384:
		oid = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	case crypto.SHA512:
		oid = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
	default:
		return nil, fmt.Errorf("unsupported digest algorithm: %v", hashAlg)
	}

	type algorithmIdentifier struct {
		Algorithm  asn1.ObjectIdentifier
		Parameters asn1.RawValue `asn1:"optional"`
	}
	type digestInfo struct {
		DigestAlgorithm algorithmIdentifier
		Digest          []byte
	}

	return asn1.Marshal(digestInfo{
		DigestAlgorithm: algorithmIdentifier{
			Algorithm:  oid,
			Parameters: asn1.RawValue{Tag: 5}, // NULL
		},
		Digest: digest,
	})
}

// encodeECDSASignature encodes a token signature (r||s) to DER.
func encodeECDSASignature(raw []byte) ([]byte, error) {
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("invalid ECDSA signature length: %d", len(raw))
	}

	halfLen := len(raw) / 2
	r := new(big.Int).SetBytes(raw[:halfLen])
	s := new(big.Int).SetBytes(raw[halfLen:])

	type ecdsaSig struct {
		R, S *big.Int
	}
	return asn1.Marshal(ecdsaSig{R: r, S: s})
}
