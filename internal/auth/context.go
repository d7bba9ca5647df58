package auth

import (
	"context"
	"errors"

	"callbridge/internal/call"
)

type ctxKey int

const (
	ctxUserID ctxKey = iota
	ctxDisplayName
)

func WithIdentity(ctx context.Context, userID, displayName string) context.Context {
	ctx = context.WithValue(ctx, ctxUserID, userID)
	ctx = context.WithValue(ctx, ctxDisplayName, displayName)
	return ctx
}

func UserID(ctx context.Context) (string, error) {
	v := ctx.Value(ctxUserID)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("user_id not in context")
}

// Identity returns the authenticated caller as a call identity.
func Identity(ctx context.Context) (call.Identity, error) {
	userID, err := UserID(ctx)
	if err != nil {
		return call.Identity{}, err
	}
	name, _ := ctx.Value(ctxDisplayName).(string)
	return call.Identity{ID: userID, DisplayName: name}, nil
}
