package broker

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gregtusar/brokerd/pkg/models"
)

// AuthType represents the authentication method
type AuthType string

const (
	AuthTypeLegacy AuthType = "legacy"
	AuthTypeJWT    AuthType = "jwt"
)

// Authenticator adds credentials to an outgoing request or websocket handshake.
type Authenticator interface {
	AddAuthHeaders(h http.Header, method, host, path, body string) error
}

// NewAuthenticator picks the authenticator configured for the account.
func NewAuthenticator(account models.Account) (Authenticator, error) {
	switch AuthType(account.AuthType) {
	case AuthTypeJWT:
		return NewJWTAuthenticator(account.APIKey, account.PrivateKeyPEM)
	case AuthTypeLegacy, "":
		return NewLegacyAuthenticator(account.APIKey, account.APISecret, account.AccessToken), nil
	default:
		return nil, fmt.Errorf("unknown auth type %q for account %s", account.AuthType, account.Name)
	}
}

// LegacyAuthenticator signs requests with the API key/secret and passes the
// session access token.
type LegacyAuthenticator struct {
	apiKey      string
	apiSecret   string
	accessToken string
	now         func() time.Time
}

func NewLegacyAuthenticator(apiKey, apiSecret, accessToken string) *LegacyAuthenticator {
	return &LegacyAuthenticator{
		apiKey:      apiKey,
		apiSecret:   apiSecret,
		accessToken: accessToken,
		now:         time.Now,
	}
}

func (l *LegacyAuthenticator) AddAuthHeaders(h http.Header, method, host, path, body string) error {
	timestamp := fmt.Sprintf("%d", l.now().Unix())

	h.Set("X-Api-Key", l.apiKey)
	h.Set("X-Api-Timestamp", timestamp)
	h.Set("X-Api-Signature", l.sign(method, path, body, timestamp))
	if l.accessToken != "" {
		h.Set("Authorization", "token "+l.apiKey+":"+l.accessToken)
	}
	return nil
}

func (l *LegacyAuthenticator) sign(method, path, body, timestamp string) string {
	message := timestamp + method + path + body
	return computeHMAC(message, l.apiSecret)
}

func computeHMAC(message, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// JWTAuthenticator uses short-lived ES256 bearer tokens.
type JWTAuthenticator struct {
	apiKeyName string
	privateKey *ecdsa.PrivateKey
}

func NewJWTAuthenticator(apiKeyName, privateKeyPEM string) (*JWTAuthenticator, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block containing the private key")
	}

	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		// Try PKCS8 format
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse EC private key: %w", err)
		}
		var ok bool
		privateKey, ok = key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("not an EC private key")
		}
	}

	return &JWTAuthenticator{
		apiKeyName: apiKeyName,
		privateKey: privateKey,
	}, nil
}

func (j *JWTAuthenticator) AddAuthHeaders(h http.Header, method, host, path, body string) error {
	token, err := j.generateJWT(method, host, path)
	if err != nil {
		return fmt.Errorf("failed to generate JWT: %w", err)
	}

	h.Set("Authorization", "Bearer "+token)
	return nil
}

func (j *JWTAuthenticator) generateJWT(method, host, path string) (string, error) {
	nonce, err := generateNonce()
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   j.apiKeyName,
		"iss":   "brokerd",
		"nbf":   now.Unix(),
		"exp":   now.Add(2 * time.Minute).Unix(),
		"uri":   method + " " + host + path,
		"nonce": nonce,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = j.apiKeyName
	token.Header["nonce"] = nonce

	tokenString, err := token.SignedString(j.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
