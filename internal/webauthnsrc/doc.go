// Package webauthnsrc is a biometric.Source backed by WebAuthn platform
// authenticators (Touch ID, Windows Hello, Android biometrics).
//
// The gateway never sees biometric data. Matching happens on the user's
// device; the source only checks an assertion signed by a credential that
// was registered with user verification required.
//
// # Attempt Lifecycle
//
// Begin opens an attempt and logs the page a user should visit:
//
//	GET  /verify/{attempt}                   prompt page
//	POST /webauthn/attempts/{attempt}/begin  fresh challenge
//	POST /webauthn/attempts/{attempt}/finish assertion
//	POST /webauthn/attempts/{attempt}/cancel user dismissed the prompt
//
// A rejected assertion is delivered as a non-terminal failure. After
// MaxFailures rejections, or on an authenticator clone warning, the attempt
// fails terminally with a *biometric.FailureError. A verified assertion is
// delivered as Succeeded(AuthKindUnknown) since WebAuthn does not disclose
// the modality.
//
// # Enrollment
//
// Credentials are registered per identity through the /api/credentials
// routes, which the gateway mounts behind client authentication.
// Registration asks for a platform authenticator and requires user
// verification.
package webauthnsrc
