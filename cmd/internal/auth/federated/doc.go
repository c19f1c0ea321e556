// Package federated implements the OAuth2 side of third-party login.
//
// A Provider only turns an authorization code into a Profile: the provider
// name and the provider-scoped subject ID. Linking that pair to an identity
// is auth.Reconciler's job, and sessions belong to the session package.
//
// Google is verified through its OIDC ID token; Facebook through the Graph
// API /me endpoint. Every flow carries a random state and a PKCE S256 verifier.
package federated
