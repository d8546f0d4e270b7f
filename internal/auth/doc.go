// Package auth provides authentication for fleet-gateway.
//
// # Worker Handshake
//
// Workers prove themselves in their hello frame:
//
//   - Shared runner secret: when configured, every hello must carry it.
//     Compared in constant time by SharedSecretMatches.
//   - Per-worker credential: optional bcrypt hash stored with the worker's
//     persisted record, checked by CheckCredential.
//
// # Admin API Tokens
//
// Callers of the admin HTTP API present an HS256 JWT:
//
//	v := auth.NewJWTVerifier([]byte(secret))
//	token, err := v.Generate("ops-bot", auth.RoleAdmin, 24*time.Hour)
//
// Tokens carry a subject and a role. RoleViewer may read listings;
// RoleAdmin may also allocate, release, hint and dispatch.
//
// # HTTP Middleware
//
//	handler = auth.HTTPAuthMiddleware(verifier)(auth.RequireAdminHTTP()(mux))
//
// With a nil verifier the API is open; the gateway logs a warning at start.
package auth
