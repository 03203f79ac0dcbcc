// Package auth guards the gateway's HTTP API with HS256 bearer tokens.
//
// Authentication is off unless auth.jwt_secret is configured. When it is on,
// every request outside the public paths (health probes, metrics) must carry
//
//	Authorization: Bearer <jwt>
//
// signed with the shared secret and carrying a non-empty "sub" claim. The
// subject is attached to the request context and can be read with
// SubjectFromContext.
//
// Tokens are minted with the CLI:
//
//	vox-gateway token --subject my-bot --ttl 720h
package auth
