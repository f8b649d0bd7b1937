// Package iam is the authentication and authorization gateway.
//
// It turns presented credentials into an auth.Principal and answers policy
// checks against that principal:
//
//   - Authentication via an ordered list of strategies (session cookie, bearer token)
//   - Local password sign-in with lockout accounting (CredentialValidator)
//   - Server-held sessions with optional sliding expiry (SessionManager)
//   - Federated sign-in through external identity providers
//   - Named policy evaluation through a sealed policy.Set
//
// Request Flow:
//
//	Request → middleware.Authenticate → Service.AuthenticateRequest → Principal
//	       ↓
//	   middleware.RequirePolicy → Service.Authorize(principal, policy)
//
// Roles and claims are resolved once per request at authentication time and
// carried in the Principal. Policy evaluation reads them and never touches
// the identity store.
package iam
