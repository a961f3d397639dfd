package appconfig

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// CredentialRef names an application configuration and the two properties
// that hold the broker user and password.
type CredentialRef struct {
	AppConfigName        string
	UserPropertyName     string
	PasswordPropertyName string
}

// Credentials are the resolved broker credentials.
type Credentials struct {
	Username string
	Password string
}

// CredentialResolver turns a reference into credentials. It is queried once
// per client session.
type CredentialResolver interface {
	Resolve(ctx context.Context, ref CredentialRef) (Credentials, error)
}

// StoreResolver resolves credentials from a Store.
type StoreResolver struct {
	store  Store
	logger zerolog.Logger
}

// NewStoreResolver creates a resolver reading from store.
func NewStoreResolver(store Store, logger zerolog.Logger) *StoreResolver {
	return &StoreResolver{
		store:  store,
		logger: logger.With().Str("component", "StoreResolver").Logger(),
	}
}

// Resolve fetches the configuration and extracts both properties. Either
// property missing is ErrNotFound.
func (r *StoreResolver) Resolve(ctx context.Context, ref CredentialRef) (Credentials, error) {
	props, err := r.store.Fetch(ctx, ref.AppConfigName)
	if err != nil {
		return Credentials{}, err
	}
	user, ok := props[ref.UserPropertyName]
	if !ok {
		return Credentials{}, fmt.Errorf("property '%s' in configuration '%s': %w", ref.UserPropertyName, ref.AppConfigName, ErrNotFound)
	}
	password, ok := props[ref.PasswordPropertyName]
	if !ok {
		return Credentials{}, fmt.Errorf("property '%s' in configuration '%s': %w", ref.PasswordPropertyName, ref.AppConfigName, ErrNotFound)
	}
	r.logger.Debug().Str("app_config", ref.AppConfigName).Str("user", user).Msg("Resolved broker credentials.")
	return Credentials{Username: user, Password: password}, nil
}

// StaticResolver returns the same credentials for every reference.
type StaticResolver struct {
	Credentials Credentials
}

func (r StaticResolver) Resolve(_ context.Context, _ CredentialRef) (Credentials, error) {
	return r.Credentials, nil
}
