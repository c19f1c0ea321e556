// Package auth turns credentials into identities.
//
// Verifier handles local username/password accounts: registration, login and
// password change, with Argon2id hashing bounded by a semaphore so slow hashes
// cannot pile up. Reconciler maps a (provider, subject) pair from a federated
// login onto exactly one identity, creating it on first sight.
//
// Both sit on top of identity.Store and leave uniqueness to the store's
// constraints; they never retry a storage failure.
package auth
