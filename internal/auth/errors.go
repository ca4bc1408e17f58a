package auth

import "errors"

var (
	ErrNotFound     = errors.New("auth: not found")
	ErrInvalidInput = errors.New("auth: invalid input")
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrInvalidToken = errors.New("auth: invalid token")
)
