package remote

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Credential authorizes one streaming transcription session
type Credential struct {
	Token     string        `json:"token"`
	ExpiresIn time.Duration `json:"-"`
	URL       string        `json:"url,omitempty"`
}

type credentialResponse struct {
	Token            string `json:"token"`
	ExpiresInSeconds int    `json:"expiresIn"`
	URL              string `json:"url,omitempty"`
}

// CredentialSource fetches short-lived streaming credentials from one
// endpoint. The broker and the direct provider are both CredentialSources
// pointed at different paths.
type CredentialSource struct {
	name   string
	client *HTTPClient
	path   string
}

// NewCredentialSource creates a source named name that POSTs to path
func NewCredentialSource(name string, client *HTTPClient, path string) *CredentialSource {
	return &CredentialSource{name: name, client: client, path: path}
}

// Name identifies the source in logs
func (s *CredentialSource) Name() string {
	return s.name
}

// GetCredential requests a credential for scope
func (s *CredentialSource) GetCredential(ctx context.Context, scope string) (Credential, error) {
	body := map[string]string{"scope": scope}
	var out credentialResponse
	if err := s.client.doJSON(ctx, http.MethodPost, s.path, body, &out); err != nil {
		return Credential{}, err
	}
	if out.Token == "" {
		return Credential{}, fmt.Errorf("%s: empty credential", s.name)
	}
	if out.ExpiresInSeconds <= 0 {
		return Credential{}, fmt.Errorf("%s: invalid credential lifetime %d", s.name, out.ExpiresInSeconds)
	}
	return Credential{
		Token:     out.Token,
		ExpiresIn: time.Duration(out.ExpiresInSeconds) * time.Second,
		URL:       out.URL,
	}, nil
}
