package appconfig

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore store.
type FirestoreConfig struct {
	ProjectID      string
	CollectionName string
}

// FirestoreStore reads application configurations from a Firestore
// collection, one document per configuration. Non-string document fields are
// rendered with fmt.
type FirestoreStore struct {
	client         *firestore.Client
	collectionName string
	logger         zerolog.Logger
}

// NewFirestoreStore creates a store over an injected client. The client's
// lifecycle is managed by the caller.
func NewFirestoreStore(cfg *FirestoreConfig, client *firestore.Client, logger zerolog.Logger) (*FirestoreStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("firestore collection name cannot be empty")
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreStore initialized.")

	return &FirestoreStore{
		client:         client,
		collectionName: cfg.CollectionName,
		logger:         logger.With().Str("component", "FirestoreStore").Logger(),
	}, nil
}

// Fetch retrieves the document named name.
func (s *FirestoreStore) Fetch(ctx context.Context, name string) (Properties, error) {
	docSnap, err := s.client.Collection(s.collectionName).Doc(name).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			s.logger.Warn().Str("name", name).Msg("Configuration document not found in Firestore.")
			return nil, fmt.Errorf("configuration '%s': %w", name, ErrNotFound)
		}
		s.logger.Error().Err(err).Str("name", name).Msg("Failed to get configuration from Firestore.")
		return nil, fmt.Errorf("firestore get for %s: %w", name, err)
	}

	var raw map[string]any
	if err := docSnap.DataTo(&raw); err != nil {
		s.logger.Error().Err(err).Str("name", name).Msg("Failed to map Firestore document data.")
		return nil, fmt.Errorf("firestore DataTo for %s: %w", name, err)
	}

	props := make(Properties, len(raw))
	for k, v := range raw {
		if str, ok := v.(string); ok {
			props[k] = str
			continue
		}
		props[k] = fmt.Sprint(v)
	}
	s.logger.Debug().Str("name", name).Msg("Successfully fetched configuration from Firestore.")
	return props, nil
}

// Put writes the configuration document, replacing its content.
func (s *FirestoreStore) Put(ctx context.Context, name string, props Properties) error {
	data := make(map[string]any, len(props))
	for k, v := range props {
		data[k] = v
	}
	_, err := s.client.Collection(s.collectionName).Doc(name).Set(ctx, data)
	if err != nil {
		s.logger.Error().Err(err).Str("name", name).Msg("Failed to write configuration to Firestore.")
		return fmt.Errorf("firestore set for %s: %w", name, err)
	}
	return nil
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (s *FirestoreStore) Close() error {
	return nil
}
