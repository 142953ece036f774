// Package password hashes and checks account passwords with Argon2id.
//
// Hashes use the PHC string layout ($argon2id$v=19$m=..,t=..,p=..$salt$key).
// Policy mirrors the dashboard sign-up form: 8..72 characters with at least one
// upper-case letter, one lower-case letter, one digit and one symbol.
//
// Verify treats the encoded hash as untrusted and refuses parameters far above
// the configured cost.
package password
