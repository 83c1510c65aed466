/*
Package auth manages API keys and agent identity proofs.

# Keys

Keys are minted as rf_live_, rf_test_, or rf_admin_ plus 48 hex
characters. Only the sha256 hash is stored; the displayable prefix is
the type prefix plus four characters. Live and test keys are fleet
scoped and open sessions; admin keys drive the control plane and never
open sessions. Keys can expire, be revoked (idempotent), or be rotated
(new key inherits the scope, old key dies immediately).

# Agent Identity

An agent may register an ed25519 public key at first connect. From
then on every connect must sign the session's 32-byte challenge;
possession of the fleet key alone no longer impersonates that agent.

# Passwords

Tenant passwords, when set, are bcrypt hashed. They exist for operator
tooling only; nothing in the session plane uses them.

# Usage

	a := auth.New(store)

	plaintext, key, err := a.MintKey(tenantID, fleetID, types.KeyTypeLive, nil)
	key, err = a.VerifyKey(plaintext)

	ok := auth.VerifySignature(agent.PublicKey, challenge, sigHex)

# See Also

  - pkg/hub for the session auth flow
  - pkg/api for key administration
*/
package auth
