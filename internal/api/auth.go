package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
)

var defaultExp = time.Hour * 24

const (
	userIdClaim   = "user-id"
	userNameClaim = "user-name"
	expClaim      = "exp"

	tokenCookieKey = "token"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity is the authenticated caller, as carried in the token claims.
type Identity struct {
	UserId string `json:"userId"`
	Name   string `json:"name"`
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func CallerIdentity(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

type TokenRequest struct {
	UserId string `json:"userId"`
	Name   string `json:"name"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

// issueToken mints an identity token for the extension. There is no
// account database behind this surface; the token simply binds the
// caller's self-declared identity so the ws endpoints can be gated.
func (s *CollabApp) issueToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.UserId == "" || req.Name == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	token, err := s.generateToken(Identity{UserId: req.UserId, Name: req.Name})
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookieKey,
		Value:    token,
		Path:     "/",
		Expires:  time.Now().Add(defaultExp),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	s.writeJson(w, http.StatusOK, TokenResponse{Token: token})
}

func (s *CollabApp) generateToken(id Identity) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim:   id.UserId,
		userNameClaim: id.Name,
		expClaim:      time.Now().Add(defaultExp).Unix(),
	})

	return token.SignedString(s.signingKey)
}

// tokenFromRequest accepts a bearer header or the cookie set at issue
// time; the extension's ws dial uses the header form.
func tokenFromRequest(r *http.Request) (string, error) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if tok, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return tok, nil
		}
		return "", fmt.Errorf("malformed authorization header")
	}

	cookie, err := r.Cookie(tokenCookieKey)
	if err != nil {
		return "", fmt.Errorf("get cookie: %w", err)
	}

	return cookie.Value, nil
}

func (s *CollabApp) identityFromToken(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Identity{}, fmt.Errorf("invalid token claims")
	}

	userId, ok := claims[userIdClaim].(string)
	if !ok || userId == "" {
		return Identity{}, fmt.Errorf("invalid user id claim")
	}
	name, _ := claims[userNameClaim].(string)

	return Identity{UserId: userId, Name: name}, nil
}
