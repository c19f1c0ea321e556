package federated

import (
	"crypto/subtle"

	"secrets/cmd/security/token"

	"golang.org/x/oauth2"
)

const stateBytes = 32

// Flow is the per-attempt secret material kept in short-lived cookies
// between the redirect to the provider and its callback.
type Flow struct {
	State    string
	Verifier string
}

// NewFlow mints a fresh state and PKCE verifier.
func NewFlow() (Flow, error) {
	state, err := token.Generate(stateBytes)
	if err != nil {
		return Flow{}, err
	}
	return Flow{State: state, Verifier: oauth2.GenerateVerifier()}, nil
}

// StateMatches compares the callback state with the stored one in constant time.
func StateMatches(stored, got string) bool {
	if stored == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(got)) == 1
}
