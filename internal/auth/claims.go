package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for this service. The user
// id is the stable identity used to key call slots and history; the display
// name is a denormalized convenience for call notices.
type Claims struct {
	jwt.RegisteredClaims

	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	TokenType   TokenType `json:"token_type"`
}
