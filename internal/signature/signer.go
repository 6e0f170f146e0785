package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// QueryParam carries the callback signature on the callback URL.
const QueryParam = "sig"

// Signer produces and checks the keyed signature embedded in provider
// callback URLs. The signature is HMAC-SHA256 over the raw job id, hex
// encoded; the secret never leaves this process.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) (*Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("signing secret is required")
	}
	return &Signer{secret: []byte(secret)}, nil
}

func (s *Signer) Sign(jobID string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(jobID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature for jobID and compares it in constant time.
func (s *Signer) Verify(jobID, signature string) bool {
	expected := s.Sign(jobID)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// CallbackURL returns {baseURL}/webhook/{jobID}?sig=<signature>.
func (s *Signer) CallbackURL(baseURL, jobID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("parse callback base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("callback base url must be absolute: %q", baseURL)
	}

	u.Path = path.Join("/", u.Path, "webhook", url.PathEscape(jobID))
	u.RawQuery = url.Values{QueryParam: []string{s.Sign(jobID)}}.Encode()
	u.Fragment = ""
	return u.String(), nil
}
