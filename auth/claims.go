package auth

import "github.com/golang-jwt/jwt/v5"

// Claims identifies the board owner behind a request. Boards, sessions and
// search results are scoped to UserID.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Handle string `json:"handle,omitempty"`
}
