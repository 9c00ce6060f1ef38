// Package engine signs PDF documents with PAdES signatures and
// verifies them. Signing appends an incremental update carrying a
// signature field and a detached CMS signature over the document byte
// range; verification walks the same structures in reverse and always
// reports through a structured result.
package engine

import (
	"context"
	"crypto"
	"crypto/sha512"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/veridoc/docseal/certvalidator"
	"github.com/veridoc/docseal/certvalidator/revinfo"
	"github.com/veridoc/docseal/session"
	"github.com/veridoc/docseal/sign/cms"
	"github.com/veridoc/docseal/sign/timestamps"
)

// Common errors
var (
	ErrInvalidMetadata = errors.New("invalid signing metadata")
	ErrInvalidLevel    = errors.New("unknown signature level")
)

// StructuralError indicates a malformed PDF or signature structure.
type StructuralError struct {
	Msg string
	Err error
}

func (e *StructuralError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("structural error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("structural error: %s", e.Msg)
}

func (e *StructuralError) Unwrap() error { return e.Err }

// Level selects the PAdES baseline profile for a signature.
type Level string

const (
	// LevelBaseline is a plain signature (PAdES B-B).
	LevelBaseline Level = "B-B"
	// LevelTimestamp adds an RFC3161 signature timestamp (B-T).
	LevelTimestamp Level = "B-T"
	// LevelLongTerm additionally embeds revocation evidence (B-LT).
	LevelLongTerm Level = "B-LT"
	// LevelArchival adds a document timestamp revision (B-LTA).
	LevelArchival Level = "B-LTA"
)

func (l Level) valid() bool {
	switch l {
	case LevelBaseline, LevelTimestamp, LevelLongTerm, LevelArchival:
		return true
	}
	return false
}

func (l Level) needsTimestamp() bool { return l != LevelBaseline }

func (l Level) needsRevocationInfo() bool { return l == LevelLongTerm || l == LevelArchival }

func (l Level) needsDocTimestamp() bool { return l == LevelArchival }

// SecurityLevel classifies the document being signed.
type SecurityLevel string

const (
	SecurityStandard  SecurityLevel = "standard"
	SecurityHigh      SecurityLevel = "high"
	SecurityTopSecret SecurityLevel = "top_secret"
)

func (s SecurityLevel) rank() int {
	switch s {
	case SecurityHigh:
		return 1
	case SecurityTopSecret:
		return 2
	default:
		return 0
	}
}

// SigningMetadata is the issuance context for one signing request. It
// is bound into the signed attributes so it cannot be altered without
// breaking the signature.
type SigningMetadata struct {
	DocumentID     string
	DocumentType   string
	ApplicantID    string
	IssuingOfficer string
	IssuingOffice  string
	IssuanceDate   time.Time
	ExpiryDate     time.Time
	SecurityLevel  SecurityLevel

	// CustomAttributes end up in the signature dictionary's Reason and
	// ContactInfo entries when the well-known keys are present.
	CustomAttributes map[string]string
}

func (m *SigningMetadata) validate() error {
	if m == nil {
		return fmt.Errorf("%w: metadata is required", ErrInvalidMetadata)
	}
	if m.DocumentID == "" {
		return fmt.Errorf("%w: document ID is required", ErrInvalidMetadata)
	}
	if m.DocumentType == "" {
		return fmt.Errorf("%w: document type is required", ErrInvalidMetadata)
	}
	if m.IssuingOffice == "" {
		return fmt.Errorf("%w: issuing office is required", ErrInvalidMetadata)
	}
	return nil
}

func (m *SigningMetadata) documentPolicy() *cms.DocumentPolicy {
	return &cms.DocumentPolicy{
		DocumentType:  m.DocumentType,
		DocumentID:    m.DocumentID,
		IssuingOffice: m.IssuingOffice,
		SecurityLevel: m.SecurityLevel.rank(),
	}
}

// SignResult is the outcome of a successful signing operation.
type SignResult struct {
	// SignedPDF is the complete signed document.
	SignedPDF []byte

	// Level is the profile actually achieved; it may be lower than the
	// requested one when optional evidence could not be obtained.
	Level Level

	FieldName          string
	TimestampApplied   bool
	RevocationEmbedded bool
	SignedAt           time.Time
	Warnings           []string
}

// Engine signs and verifies PDF documents. All fields are read-only
// after construction; Sign and Verify are safe for concurrent use.
type Engine struct {
	Session   *session.Session
	Validator *certvalidator.Validator
	Policy    certvalidator.SigningPolicy

	// Timestamper is used for B-T and higher. Nil means no timestamp
	// authority is configured.
	Timestamper timestamps.Timestamper

	// Revocation collects OCSP/CRL evidence for B-LT and higher.
	Revocation *revinfo.Collector

	// ReservedSize overrides the signature placeholder estimate.
	ReservedSize int

	logger zerolog.Logger
}

// NewEngine creates an engine bound to a signing session and policy.
func NewEngine(sess *session.Session, validator *certvalidator.Validator, policy certvalidator.SigningPolicy, logger zerolog.Logger) *Engine {
	return &Engine{
		Session:   sess,
		Validator: validator,
		Policy:    policy,
		logger:    logger.With().Str("component", "engine").Logger(),
	}
}

// Sign produces a signed copy of the document at the requested PAdES
// level. The input is never modified; on any error, including
// cancellation, no partial output is returned.
func (e *Engine) Sign(ctx context.Context, pdfData []byte, meta *SigningMetadata, level Level) (*SignResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !level.valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLevel, level)
	}
	if err := meta.validate(); err != nil {
		return nil, err
	}

	cred, err := e.Session.Current()
	if err != nil {
		return nil, err
	}
	// The session validated the credential at install time; signing
	// re-validates so a certificate that expired or fell out of policy
	// since rotation fails closed.
	if _, err := e.Validator.Validate(cred.Certificate, cred.Chain); err != nil {
		return nil, err
	}

	opID := uuid.NewString()
	log := e.logger.With().
		Str("operation", opID).
		Str("document_id", meta.DocumentID).
		Str("level", string(level)).
		Logger()

	result := &SignResult{Level: LevelBaseline, SignedAt: time.Now().UTC()}

	var evidence *revinfo.RevocationData
	if level.needsRevocationInfo() {
		evidence, err = e.collectEvidence(ctx, cred, result, log)
		if err != nil {
			return nil, err
		}
	}

	reserved := e.ReservedSize
	if reserved <= 0 {
		reserved = estimateReservedSize(cred, evidence)
	}

	fieldName := "Signature-" + opID
	rev, err := buildSignatureRevision(pdfData, revisionOptions{
		fieldName:    fieldName,
		reserved:     reserved,
		docTimestamp: false,
		signingTime:  result.SignedAt,
		reason:       meta.CustomAttributes["reason"],
		contact:      meta.CustomAttributes["contact"],
		location:     meta.IssuingOffice,
		name:         meta.IssuingOfficer,
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	builder := cms.NewBuilder(cred.Certificate, cred.Signer)
	builder.SetCertificateChain(cred.Chain)
	builder.SetSigningTime(result.SignedAt)
	builder.SetDocumentPolicy(meta.documentPolicy())

	cmsData, err := builder.Sign(rev.signedContent())
	if err != nil {
		return nil, fmt.Errorf("failed to build signature: %w", err)
	}

	if level.needsTimestamp() {
		cmsData, result.TimestampApplied, err = e.attachTimestamp(ctx, cmsData, result, log)
		if err != nil {
			return nil, err
		}
	}
	if evidence != nil && !evidence.Empty() {
		cmsData, err = cms.AddRevocationInfo(cmsData, evidence.OCSPResponses, evidence.CRLData)
		if err != nil {
			return nil, fmt.Errorf("failed to embed revocation evidence: %w", err)
		}
		evidence.Embedded = true
		result.RevocationEmbedded = true
	}

	signed, err := rev.fill(cmsData)
	if err != nil {
		return nil, err
	}

	result.Level = achievedLevel(level, result.TimestampApplied, result.RevocationEmbedded)

	if level.needsDocTimestamp() && result.TimestampApplied {
		signed, err = e.appendDocTimestamp(ctx, signed, opID)
		if err != nil {
			if e.Policy.RequireTimestamp {
				return nil, err
			}
			result.Warnings = append(result.Warnings, fmt.Sprintf("document timestamp not applied: %v", err))
		} else if result.RevocationEmbedded {
			result.Level = LevelArchival
		} else {
			result.Warnings = append(result.Warnings, "archival level not achieved: no revocation evidence embedded")
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result.SignedPDF = signed
	result.FieldName = fieldName
	log.Info().
		Str("achieved_level", string(result.Level)).
		Bool("timestamp", result.TimestampApplied).
		Bool("revocation", result.RevocationEmbedded).
		Int("size", len(signed)).
		Msg("document signed")
	return result, nil
}

func (e *Engine) collectEvidence(ctx context.Context, cred *session.SigningCertificate, result *SignResult, log zerolog.Logger) (*revinfo.RevocationData, error) {
	if e.Revocation == nil {
		if e.Policy.RequireRevocationInfo {
			return nil, certvalidator.NewCertificateError(certvalidator.ReasonPolicyViolation,
				"revocation evidence required but no collector configured")
		}
		result.Warnings = append(result.Warnings, "revocation evidence not collected: no collector configured")
		return nil, nil
	}

	evidence, warnings, err := e.Revocation.Collect(ctx, cred.Certificate, cred.Chain)
	if err != nil {
		return nil, err
	}
	result.Warnings = append(result.Warnings, warnings...)
	for _, w := range warnings {
		log.Warn().Str("warning", w).Msg("degraded revocation evidence")
	}
	return evidence, nil
}

func (e *Engine) attachTimestamp(ctx context.Context, cmsData []byte, result *SignResult, log zerolog.Logger) ([]byte, bool, error) {
	if e.Timestamper == nil {
		if e.Policy.RequireTimestamp {
			return nil, false, &timestampUnavailableError{reason: "no timestamp authority configured"}
		}
		result.Warnings = append(result.Warnings, "timestamp not applied: no timestamp authority configured")
		return cmsData, false, nil
	}

	stamped, err := cms.AddTimestampToken(cmsData, func(digest []byte, hashAlg crypto.Hash) ([]byte, error) {
		return e.Timestamper.Token(ctx, digest, hashAlg)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		if e.Policy.RequireTimestamp {
			return nil, false, &timestampUnavailableError{reason: err.Error()}
		}
		log.Warn().Err(err).Msg("timestamp authority unreachable, continuing without timestamp")
		result.Warnings = append(result.Warnings, fmt.Sprintf("timestamp not applied: %v", err))
		return cmsData, false, nil
	}
	return stamped, true, nil
}

func (e *Engine) appendDocTimestamp(ctx context.Context, signed []byte, opID string) ([]byte, error) {
	rev, err := buildSignatureRevision(signed, revisionOptions{
		fieldName:    "DocTimeStamp-" + opID,
		reserved:     docTimestampReserve,
		docTimestamp: true,
	})
	if err != nil {
		return nil, err
	}

	digest := sha512.Sum512(rev.signedContent())
	token, err := e.Timestamper.Token(ctx, digest[:], crypto.SHA512)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain document timestamp: %w", err)
	}
	return rev.fill(token)
}

type timestampUnavailableError struct {
	reason string
}

func (e *timestampUnavailableError) Error() string {
	return fmt.Sprintf("timestamp required by policy but unavailable: %s", e.reason)
}

func achievedLevel(requested Level, timestamped, revocation bool) Level {
	switch {
	case timestamped && revocation && requested.needsRevocationInfo():
		return LevelLongTerm
	case timestamped && requested.needsTimestamp():
		return LevelTimestamp
	default:
		return LevelBaseline
	}
}

const docTimestampReserve = 8 * 1024

// estimateReservedSize sizes the Contents placeholder from the
// certificate material and evidence that will be embedded, with slack
// for the CMS framing and a timestamp token.
func estimateReservedSize(cred *session.SigningCertificate, evidence *revinfo.RevocationData) int {
	size := 8192
	size += len(cred.Certificate.Raw)
	for _, c := range cred.Chain {
		size += len(c.Raw)
	}
	if evidence != nil {
		for _, o := range evidence.OCSPResponses {
			size += len(o) + 64
		}
		for _, c := range evidence.CRLData {
			size += len(c) + 64
		}
	}
	return size
}
