// Package biometric defines the boundary between the session core and a
// platform biometric prompt.
//
// The core never matches samples itself. A Source starts an attempt and
// reports events:
//
//   - EventNonTerminalFailure: a rejected sample, the prompt stays open
//   - EventSuccess: the platform verified the user, with an AuthKind
//   - EventTerminalFailure: the attempt is over (lockout, hardware error)
//   - EventUserCancelled: the user dismissed the prompt
//
// Only terminal events resolve a verification. Policy carries the prompt
// strings; DefaultPolicy and CryptoPolicy hold the stock wording.
//
// Probe answers "can this identity use biometrics right now" and collapses
// concurrent probes with singleflight.
package biometric
