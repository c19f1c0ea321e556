// Package identity is the credential store of the Secrets service.
//
// It defines the Identity record (local credential, provider links, secrets),
// the Store persistence boundary and its backends: an in-memory store for
// development and tests, SQLite for single-node deployments and PostgreSQL.
//
// Every backend enforces the same two uniqueness rules: one identity per
// local username and one identity per (provider, subject) pair.
package identity
