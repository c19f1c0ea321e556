// Package password hashes and verifies local-account passwords.
//
// Hashes are Argon2id in the PHC string form
//
//	$argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt_b64>$<hash_b64>
//
// so the per-password salt and cost parameters travel with the stored value.
// Stored hashes are treated as untrusted input: Verify refuses parameters far
// above the configured cost, and NeedsRehash reports hashes made with older
// settings so callers can upgrade them after a successful login.
package password
