package chatsesh

import "errors"

var (
	ErrMissingAccessToken     = errors.New("access token is missing")
	ErrTokenExchange          = errors.New("failed exchanging device code")
	ErrProfileRequest         = errors.New("failed requesting profile")
	ErrFailedUpsertingUser    = errors.New("failed upserting user")
	ErrFailedDeactivatingUser = errors.New("failed deactivating user")
	ErrChatNotFound           = errors.New("chat not found")
	ErrNotifyFailed           = errors.New("failed sending notification")
	ErrUnknownUser            = errors.New("unknown user")
)
