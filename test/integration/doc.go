// Package integration contains integration tests for the authorization server.
//
// These tests use testcontainers to run a real Redis and drive the server with
// the golang.org/x/oauth2 client library, the way relying parties talk to it.
package integration
