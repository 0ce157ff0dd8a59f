package auth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"storeline/internal/config"
	"storeline/internal/domain"
)

const (
	AlgHS256 = "HS256"
	AlgES256 = "ES256"
)

// TransactionClaims is the signed payload of a transaction. Dates are Unix
// milliseconds.
type TransactionClaims struct {
	jwt.RegisteredClaims
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId,omitempty"`
	ProductID             string `json:"productId"`
	PurchaseDate          int64  `json:"purchaseDate"`
	ExpiresDate           *int64 `json:"expiresDate,omitempty"`
	RevocationDate        *int64 `json:"revocationDate,omitempty"`
	Environment           string `json:"environment,omitempty"`
}

// Oracle authenticates signed transactions.
type Oracle struct {
	alg    string
	issuer string
	key    any
	parser *jwt.Parser
}

func NewOracle(cfg config.Verification) (*Oracle, error) {
	var key any
	switch cfg.Algorithm {
	case AlgHS256:
		if cfg.Secret == "" {
			return nil, errors.New("verification secret required for HS256")
		}
		key = []byte(cfg.Secret)
	case AlgES256:
		pub, err := loadPublicKey(cfg.PublicKeyFile)
		if err != nil {
			return nil, err
		}
		key = pub
	default:
		return nil, fmt.Errorf("unsupported verification algorithm %q", cfg.Algorithm)
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{cfg.Algorithm})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &Oracle{alg: cfg.Algorithm, issuer: cfg.Issuer, key: key, parser: jwt.NewParser(opts...)}, nil
}

// Verify never fails: a token that does not check out comes back as
// domain.Unverified carrying the reason.
func (o *Oracle) Verify(signed string) domain.Envelope {
	claims := &TransactionClaims{}
	token, err := o.parser.ParseWithClaims(signed, claims, func(*jwt.Token) (any, error) {
		return o.key, nil
	})
	if err != nil {
		return domain.Unverified{Reason: err.Error(), JWS: signed}
	}
	if !token.Valid {
		return domain.Unverified{Reason: "token invalid", JWS: signed}
	}
	if claims.TransactionID == "" {
		return domain.Unverified{Reason: "missing transactionId", JWS: signed}
	}
	return domain.Verified{Record: claims.Record(), JWS: signed}
}

// Record converts claims to a transaction record.
func (c TransactionClaims) Record() domain.TransactionRecord {
	purchased := fromMillis(c.PurchaseDate)
	rec := domain.TransactionRecord{
		ID:           c.TransactionID,
		OriginalID:   c.OriginalTransactionID,
		ProductID:    c.ProductID,
		PurchaseDate: purchased,
		Window:       domain.Window{Start: purchased},
		Environment:  c.Environment,
	}
	if rec.OriginalID == "" {
		rec.OriginalID = rec.ID
	}
	if c.ExpiresDate != nil {
		end := fromMillis(*c.ExpiresDate)
		rec.Window.End = &end
	}
	if c.RevocationDate != nil {
		at := fromMillis(*c.RevocationDate)
		rec.Revoked = true
		rec.RevokedAt = &at
	}
	return rec
}

// ClaimsFor is the inverse of Record.
func ClaimsFor(rec domain.TransactionRecord, issuer string, signedAt time.Time) TransactionClaims {
	c := TransactionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			Subject:  rec.ID,
			IssuedAt: jwt.NewNumericDate(signedAt),
		},
		TransactionID:         rec.ID,
		OriginalTransactionID: rec.OriginalID,
		ProductID:             rec.ProductID,
		PurchaseDate:          rec.PurchaseDate.UnixMilli(),
		Environment:           rec.Environment,
	}
	if rec.Window.End != nil {
		ms := rec.Window.End.UnixMilli()
		c.ExpiresDate = &ms
	}
	if rec.Revoked {
		at := signedAt
		if rec.RevokedAt != nil {
			at = *rec.RevokedAt
		}
		ms := at.UnixMilli()
		c.RevocationDate = &ms
	}
	return c
}

// Signer issues signed transactions with the configured key.
type Signer struct {
	method jwt.SigningMethod
	issuer string
	key    any
	Now    func() time.Time
}

func NewSigner(cfg config.Verification) (*Signer, error) {
	s := &Signer{issuer: cfg.Issuer, Now: time.Now}
	switch cfg.Algorithm {
	case AlgHS256:
		if cfg.Secret == "" {
			return nil, errors.New("verification secret required for HS256")
		}
		s.method = jwt.SigningMethodHS256
		s.key = []byte(cfg.Secret)
	case AlgES256:
		priv, err := loadPrivateKey(cfg.PrivateKeyFile)
		if err != nil {
			return nil, err
		}
		s.method = jwt.SigningMethodES256
		s.key = priv
	default:
		return nil, fmt.Errorf("unsupported verification algorithm %q", cfg.Algorithm)
	}
	return s, nil
}

func (s *Signer) Sign(rec domain.TransactionRecord) (string, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	token := jwt.NewWithClaims(s.method, ClaimsFor(rec, s.issuer, now().UTC()))
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign transaction %s: %w", rec.ID, err)
	}
	return signed, nil
}

func loadPublicKey(path string) (*ecdsa.PublicKey, error) {
	if path == "" {
		return nil, errors.New("verification public_key_file required for ES256")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	key, err := jwt.ParseECPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse public key %s: %w", path, err)
	}
	return key, nil
}

func loadPrivateKey(path string) (*ecdsa.PrivateKey, error) {
	if path == "" {
		return nil, errors.New("verification private_key_file required to sign with ES256")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	return key, nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
