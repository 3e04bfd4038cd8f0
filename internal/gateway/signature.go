package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/renolink/escrow/internal"
	gatewaymodel "github.com/renolink/escrow/internal/core/datamodel/gateway"
)

// signatureClaims is the HS256 token carried in the X-Gateway-Signature
// header. PayloadDigest binds the token to the exact request body so a valid
// signature cannot be replayed onto a different payload.
type signatureClaims struct {
	PayloadDigest string `json:"payload_digest"`
	jwt.RegisteredClaims
}

func payloadDigest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Signer produces webhook signatures. Used by the simulator and by tests;
// the real processor signs with the same shared secret.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

func (s *Signer) Sign(payload []byte) (string, error) {
	claims := signatureClaims{
		PayloadDigest: payloadDigest(payload),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "payment-gateway",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(5 * time.Minute)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verifier authenticates webhook payloads and decodes the carried event.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

func (v *Verifier) VerifyAndDecode(payload []byte, signatureHeader string) (*gatewaymodel.Event, error) {
	if signatureHeader == "" {
		return nil, apperrors.ErrInvalidSignature.WithDetails("missing signature header")
	}

	token, err := jwt.ParseWithClaims(signatureHeader, &signatureClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, apperrors.ErrInvalidSignature.WithCause(err)
	}

	claims, ok := token.Claims.(*signatureClaims)
	if !ok || !token.Valid {
		return nil, apperrors.ErrInvalidSignature
	}

	if claims.PayloadDigest != payloadDigest(payload) {
		return nil, apperrors.ErrInvalidSignature.WithDetails("payload digest mismatch")
	}

	var event gatewaymodel.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to decode event payload: %w", err)
	}
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}

	return &event, nil
}
