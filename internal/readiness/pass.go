package readiness

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/skip2/go-qrcode"
)

var ErrInvalidPass = errors.New("invalid check-in pass")

// PassClaims is the sealed content of a check-in QR code.
type PassClaims struct {
	RegistrationID string    `json:"registrationId"`
	EventID        string    `json:"eventId"`
	TenantID       string    `json:"tenantId"`
	IssuedAt       time.Time `json:"issuedAt"`
}

// PassIssuer seals claims with AES-GCM and renders them as a QR PNG.
type PassIssuer struct {
	aead cipher.AEAD
}

func NewPassIssuer(secret string) (*PassIssuer, error) {
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &PassIssuer{aead: aead}, nil
}

func (p *PassIssuer) Seal(c PassClaims) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, p.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := p.aead.Seal(nonce, nonce, data, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (p *PassIssuer) Open(token string) (*PassClaims, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPass, err)
	}
	if len(raw) < p.aead.NonceSize() {
		return nil, ErrInvalidPass
	}
	nonce, ciphertext := raw[:p.aead.NonceSize()], raw[p.aead.NonceSize():]
	data, err := p.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPass, err)
	}
	var c PassClaims
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPass, err)
	}
	return &c, nil
}

// PNG renders a sealed pass as a 256px QR code.
func (p *PassIssuer) PNG(c PassClaims) ([]byte, error) {
	token, err := p.Seal(c)
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(token, qrcode.Medium, 256)
}
