// Package identity implements the router's own handshake identity and
// validation of handshakes presented by connecting agents, per the
// Identity component of the core specification.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"runtime"

	"go.uber.org/zap"

	"github.com/datadvance/pRouter/internal/apierr"
)

// Handshake keys exchanged with peers. Kept as exported constants because
// both the RPC transport and the dispatcher need to read them out of a
// raw handshake map. uid/name/token nest under "auth", exactly as
// prouter/identity.py:Identity.get_server_handshake/validate_incoming_handshake
// structure it; platform and properties stay top-level, following
// pagent's identity conventions for the agent's own handshake.
const (
	KeyAuth       = "auth"
	KeyUID        = "uid"
	KeyName       = "name"
	KeyToken      = "token"
	KeyPlatform   = "platform"
	KeyProperties = "properties"
)

// Identity represents this router instance's own identity plus the set of
// tokens it will accept from connecting agents.
type Identity struct {
	uid          string
	name         string
	serverTokens map[string]struct{}
	log          *zap.Logger
}

// New builds an Identity. When uid is empty a random 128-bit hex id is
// generated, mirroring the original's uuid4().hex fallback.
func New(uid, name string, serverTokens []string, log *zap.Logger) (*Identity, error) {
	if uid == "" {
		var buf [16]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return nil, fmt.Errorf("generating identity uid: %w", err)
		}
		uid = hex.EncodeToString(buf[:])
	}
	tokens := make(map[string]struct{}, len(serverTokens))
	for _, t := range serverTokens {
		if err := checkToken(t); err != nil {
			return nil, err
		}
		tokens[t] = struct{}{}
	}
	return &Identity{uid: uid, name: name, serverTokens: tokens, log: log}, nil
}

func checkToken(token string) error {
	if token == "" {
		return apierr.Config("server token must be a non-empty string")
	}
	return nil
}

// UID returns this router's own identifier.
func (i *Identity) UID() string { return i.uid }

// ClientHandshake builds the handshake payload this router presents when
// it dials out to an agent by address (the "address" job-create
// locator), per Identity.get_client_handshake: the server handshake with
// a token folded into its auth mapping.
func (i *Identity) ClientHandshake(token string) map[string]any {
	hs := i.ServerHandshake()
	hs[KeyAuth].(map[string]any)[KeyToken] = token
	return hs
}

// ServerHandshake builds the handshake/info payload this router presents
// when an agent (or the control API's /info endpoint) asks who it is,
// per Identity.get_server_handshake.
func (i *Identity) ServerHandshake() map[string]any {
	return map[string]any{
		KeyAuth: map[string]any{
			KeyUID:  i.uid,
			KeyName: i.name,
		},
		KeyPlatform: unameFields(),
	}
}

func unameFields() map[string]string {
	return map[string]string{
		"system":  runtime.GOOS,
		"machine": runtime.GOARCH,
	}
}

// ValidateIncomingHandshake checks a handshake presented by a connecting
// agent against the accepted token set. Mirrors
// prouter/identity.py:validate_incoming_handshake exactly, including the
// nested auth mapping and the type checks on every field: uid must be a
// non-empty string, name must be a string (required, not optional), and
// token must be a non-empty string present in the accepted set.
func (i *Identity) ValidateIncomingHandshake(handshake map[string]any) error {
	auth, ok := handshake[KeyAuth].(map[string]any)
	if !ok {
		return apierr.Auth("handshake auth data must be an object")
	}
	uid, ok := auth[KeyUID].(string)
	if !ok || uid == "" {
		return apierr.Auth("handshake peer uid is invalid")
	}
	if _, ok := auth[KeyName].(string); !ok {
		return apierr.Auth("handshake peer name is invalid")
	}
	token, ok := auth[KeyToken].(string)
	if !ok || token == "" {
		return apierr.Auth("handshake token must be a non-empty string")
	}
	if _, accepted := i.serverTokens[token]; !accepted {
		return apierr.Auth("handshake token not accepted")
	}
	return nil
}

// GetToken extracts the token field from a raw handshake map's nested
// auth mapping, used before full validation when only the token is
// needed.
func GetToken(handshake map[string]any) (string, bool) {
	auth, ok := handshake[KeyAuth].(map[string]any)
	if !ok {
		return "", false
	}
	token, ok := auth[KeyToken].(string)
	return token, ok
}

// GetUID extracts the uid field from a raw handshake map's nested auth
// mapping.
func GetUID(handshake map[string]any) (string, bool) {
	auth, ok := handshake[KeyAuth].(map[string]any)
	if !ok {
		return "", false
	}
	uid, ok := auth[KeyUID].(string)
	return uid, ok
}
