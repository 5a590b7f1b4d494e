package kalshi

// auth.go: firma de requests de Kalshi.
//
// Cada request autenticado lleva tres headers:
//   KALSHI-ACCESS-KEY        id de la API key
//   KALSHI-ACCESS-TIMESTAMP  milisegundos Unix
//   KALSHI-ACCESS-SIGNATURE  base64(RSA-PSS-SHA256(timestamp + METHOD + path))
// El path firmado es el path completo sin query string.

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	headerKey       = "KALSHI-ACCESS-KEY"
	headerTimestamp = "KALSHI-ACCESS-TIMESTAMP"
	headerSignature = "KALSHI-ACCESS-SIGNATURE"
)

// LoadPrivateKey lee una clave RSA PEM (PKCS#1 o PKCS#8) desde disco.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kalshi.LoadPrivateKey: read: %w", err)
	}
	return ParsePrivateKey(data)
}

// ParsePrivateKey decodifica una clave RSA PEM.
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("kalshi.ParsePrivateKey: no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("kalshi.ParsePrivateKey: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("kalshi.ParsePrivateKey: expected RSA key, got %T", parsed)
	}
	return key, nil
}

// Signer genera los headers de autenticación.
type Signer struct {
	keyID string
	key   *rsa.PrivateKey
	now   func() time.Time
}

// NewSigner crea un Signer para la API key dada.
func NewSigner(keyID string, key *rsa.PrivateKey) *Signer {
	return &Signer{keyID: keyID, key: key, now: time.Now}
}

// Headers firma method+path con un timestamp fresco.
func (s *Signer) Headers(method, path string) (http.Header, error) {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	ts := strconv.FormatInt(s.now().UnixMilli(), 10)
	sig, err := s.sign(ts + strings.ToUpper(method) + path)
	if err != nil {
		return nil, err
	}

	h := make(http.Header)
	h.Set(headerKey, s.keyID)
	h.Set(headerTimestamp, ts)
	h.Set(headerSignature, sig)
	return h, nil
}

func (s *Signer) sign(msg string) (string, error) {
	digest := sha256.Sum256([]byte(msg))
	sig, err := rsa.SignPSS(rand.Reader, s.key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return "", fmt.Errorf("kalshi: sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}
