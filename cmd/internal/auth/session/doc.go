// Package session holds the client-side view of an authenticated user.
//
// It contains the Session value decoded from an access token, the token codec
// (decode without signature verification; the server is authoritative), the
// observable State every component reads, and the auth error taxonomy shared
// by the coordinator, the authorizer and the CLI.
package session
