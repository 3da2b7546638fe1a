// ABOUTME: Adapts stored credentials to the go-webauthn User interface
// ABOUTME: One credentialUser per identity, rebuilt from the store for every ceremony

package webauthnsrc

import (
	"encoding/json"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/2389/coven-biogate/internal/store"
)

// credentialUser wraps an identity and its credentials to implement webauthn.User.
type credentialUser struct {
	identity    string
	displayName string
	creds       []*store.Credential
}

func newCredentialUser(identity string, creds []*store.Credential) *credentialUser {
	return &credentialUser{identity: identity, creds: creds}
}

func (u *credentialUser) WebAuthnID() []byte {
	return []byte(u.identity)
}

func (u *credentialUser) WebAuthnName() string {
	return u.identity
}

func (u *credentialUser) WebAuthnDisplayName() string {
	if u.displayName != "" {
		return u.displayName
	}
	return u.identity
}

func (u *credentialUser) WebAuthnCredentials() []webauthn.Credential {
	creds := make([]webauthn.Credential, len(u.creds))
	for i, c := range u.creds {
		creds[i] = webauthn.Credential{
			ID:              c.CredentialID,
			PublicKey:       c.PublicKey,
			AttestationType: c.AttestationType,
			Flags: webauthn.CredentialFlags{
				UserPresent:    true,
				UserVerified:   true,
				BackupEligible: c.BackupEligible,
				BackupState:    c.BackupState,
			},
			Authenticator: webauthn.Authenticator{
				AAGUID:    c.AAGUID,
				SignCount: c.SignCount,
			},
		}
		if c.Transports != "" {
			var transports []protocol.AuthenticatorTransport
			_ = json.Unmarshal([]byte(c.Transports), &transports)
			creds[i].Transport = transports
		}
	}
	return creds
}

// storedCredential finds the stored row for a credential returned by a
// ceremony.
func (u *credentialUser) storedCredential(credentialID []byte) *store.Credential {
	for _, c := range u.creds {
		if string(c.CredentialID) == string(credentialID) {
			return c
		}
	}
	return nil
}
