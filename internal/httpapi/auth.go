package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ClientClaims are the claims of a translation client token.
type ClientClaims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id,omitempty"`
}

var errMissingToken = errors.New("missing token")

func (r *Router) authRequired() bool {
	return r.cfg.AuthToken != "" || r.cfg.JWTSecret != ""
}

// authorize checks a WebSocket handshake. The token comes from the ?token=
// query parameter (browsers cannot set headers on WebSocket requests) or an
// Authorization: Bearer header.
func (r *Router) authorize(req *http.Request) error {
	if !r.authRequired() {
		return nil
	}
	token := requestToken(req)
	if token == "" {
		return errMissingToken
	}
	if r.cfg.AuthToken != "" && secretsEqual(token, r.cfg.AuthToken) {
		return nil
	}
	if r.cfg.JWTSecret == "" {
		return errors.New("invalid token")
	}
	_, err := r.parseClientToken(token)
	return err
}

func requestToken(req *http.Request) string {
	if t := req.URL.Query().Get("token"); t != "" {
		return t
	}
	parts := strings.SplitN(req.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func secretsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (r *Router) parseClientToken(tokenString string) (*ClientClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	token, err := parser.ParseWithClaims(tokenString, &ClientClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(r.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*ClientClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// generateToken creates a client JWT valid for JWTExpiry.
func (r *Router) generateToken(clientID string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(r.cfg.JWTExpiry)
	subject := clientID
	if subject == "" {
		subject = "client"
	}

	claims := ClientClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		ClientID: clientID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(r.cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return tokenString, expiresAt, nil
}

// handleIssueToken exchanges the shared AUTH_TOKEN secret for a short-lived
// client JWT.
func (r *Router) handleIssueToken(w http.ResponseWriter, req *http.Request) {
	if r.cfg.JWTSecret == "" || r.cfg.AuthToken == "" {
		http.Error(w, `{"error": "token issuing is not configured"}`, http.StatusNotFound)
		return
	}

	var body struct {
		Secret   string `json:"secret"`
		ClientID string `json:"client_id"`
	}
	if req.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 4096)).Decode(&body); err != nil {
			http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
			return
		}
	}
	secret := body.Secret
	if secret == "" {
		secret = requestToken(req)
	}
	if secret == "" || !secretsEqual(secret, r.cfg.AuthToken) {
		http.Error(w, `{"error": "invalid secret"}`, http.StatusUnauthorized)
		return
	}

	token, expiresAt, err := r.generateToken(body.ClientID)
	if err != nil {
		r.logger.Errorf("auth: failed to sign token: %v", err)
		captureError(req, err, "auth: failed to sign token")
		http.Error(w, `{"error": "failed to issue token"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"token_type": "Bearer",
		"expires_at": expiresAt.UTC(),
		"expires_in": int(r.cfg.JWTExpiry.Seconds()),
	})
}
