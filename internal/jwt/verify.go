package jwt

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jwtv5 "github.com/golang-jwt/jwt/v5"
)

var ErrMalformedJWS = errors.New("jwt: malformed JWS")

// Verify checks a compact JWS against pub and returns its payload and kid.
func Verify(compact string, pub ed25519.PublicKey) (payload []byte, kid string, err error) {
	parts := strings.Split(compact, ".")
	if len(parts) != 3 {
		return nil, "", ErrMalformedJWS
	}
	hb, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, "", fmt.Errorf("%w: header", ErrMalformedJWS)
	}
	var h header
	if err := json.Unmarshal(hb, &h); err != nil {
		return nil, "", fmt.Errorf("%w: header json", ErrMalformedJWS)
	}
	if h.Alg != Algorithm {
		return nil, "", fmt.Errorf("jwt: unexpected alg %q", h.Alg)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, "", fmt.Errorf("%w: signature", ErrMalformedJWS)
	}
	if err := jwtv5.SigningMethodEdDSA.Verify(parts[0]+"."+parts[1], sig, pub); err != nil {
		return nil, h.Kid, err
	}
	payload, err = base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, h.Kid, fmt.Errorf("%w: payload", ErrMalformedJWS)
	}
	return payload, h.Kid, nil
}
