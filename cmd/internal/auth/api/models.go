package authapi

import "time"

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type submitRequest struct {
	Secret string `json:"secret"`
}

type changePasswordRequest struct {
	Current string `json:"current"`
	New     string `json:"new"`
}

type identityResponse struct {
	ID        string           `json:"id"`
	Username  string           `json:"username,omitempty"`
	Providers []string         `json:"providers"`
	CreatedAt time.Time        `json:"created_at"`
	Secrets   []secretResponse `json:"secrets,omitempty"`
}

type sessionResponse struct {
	ExpiresAt time.Time `json:"expires_at"`
}

type authResponse struct {
	Identity identityResponse `json:"identity"`
	Session  sessionResponse  `json:"session"`
}

// secretResponse omits the author. Listing every secret must not reveal who wrote it.
type secretResponse struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type secretsResponse struct {
	Secrets []secretResponse `json:"secrets"`
}

type providersResponse struct {
	Providers []string `json:"providers"`
}
