// Package token provides digests over bearer tokens.
//
// Fingerprint is what gets logged in place of a token. HashRefresh is how the
// development backend stores refresh tokens so a leaked table cannot be replayed.
package token
