// Package credentials clones the authentication configuration of a
// submission for the download step and erases secret material on failure.
package credentials

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"automatic-submission-service/internal/models"
	"automatic-submission-service/internal/store"
	"automatic-submission-service/internal/telemetry"
)

// UnsupportedSchemeError is returned when a configuration uses a security
// scheme other than basic or OAuth2. It aborts the submission flow.
type UnsupportedSchemeError struct {
	Scheme models.Scheme
}

func (e *UnsupportedSchemeError) Error() string {
	return fmt.Sprintf("unsupported security scheme %q", e.Scheme)
}

// Cloned holds the identifiers minted for a cloned configuration.
type Cloned struct {
	AuthConfiguration string
	Configuration     string
	Credentials       string
}

// Manager clones and cleans authentication configurations.
type Manager struct {
	store store.CredentialStore
	log   *zap.Logger
}

// NewManager returns a Manager over the credential store.
func NewManager(st store.CredentialStore, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{store: st, log: log}
}

// Clone copies the configuration attached to submission into targetGraph
// and links it to the remote data object. It returns nil when the
// submission carries no configuration or the configuration has no secrets.
func (m *Manager) Clone(ctx context.Context, submission, remoteDataObject, targetGraph string) (*Cloned, error) {
	src, err := m.store.FindAuthConfiguration(ctx, submission)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find auth configuration: %w", err)
	}

	if !supported(src.Configuration.Scheme) {
		return nil, &UnsupportedSchemeError{Scheme: src.Configuration.Scheme}
	}
	if src.SecretsID == "" {
		m.log.Warn("auth configuration without secrets not cloned", zap.String("auth_configuration", src.ID))
		return nil, nil
	}
	rec, err := m.store.LoadSecret(ctx, src.SecretsID)
	if err != nil {
		return nil, fmt.Errorf("load secret of %s: %w", src.ID, err)
	}

	auth := models.NewAuthenticationID()
	conf := models.NewConfigurationID()
	creds := models.NewCredentialsID()

	secret, err := cloneSecret(src.Configuration.Scheme, creds.URI, rec)
	if err != nil {
		return nil, err
	}

	props := make(map[string]string, len(src.Configuration.Properties))
	for k, v := range src.Configuration.Properties {
		props[k] = v
	}
	clone := models.AuthConfiguration{
		ID:               auth.URI,
		Graph:            targetGraph,
		RemoteDataObject: remoteDataObject,
		Configuration: models.SecurityConfiguration{
			ID:         conf.URI,
			Scheme:     src.Configuration.Scheme,
			Properties: props,
		},
		SecretsID: creds.URI,
	}
	if err := m.store.InsertAuthConfiguration(ctx, clone, secret); err != nil {
		if cerr := m.Cleanup(ctx, clone.ID); cerr != nil {
			m.log.Warn("cleanup of partial clone failed", zap.String("auth_configuration", clone.ID), zap.Error(cerr))
		}
		return nil, fmt.Errorf("insert cloned auth configuration: %w", err)
	}

	m.log.Debug("auth configuration cloned",
		zap.String("source", src.ID),
		zap.String("auth_configuration", clone.ID),
		zap.String("remote_data_object", remoteDataObject))
	return &Cloned{AuthConfiguration: auth.URI, Configuration: conf.URI, Credentials: creds.URI}, nil
}

func supported(scheme models.Scheme) bool {
	return scheme == models.SchemeBasic || scheme == models.SchemeOAuth2
}

func cloneSecret(scheme models.Scheme, id string, rec store.SecretRecord) (models.Secret, error) {
	switch scheme {
	case models.SchemeBasic:
		return models.BasicSecret{ID: id, Username: rec.Username, Password: rec.Password}, nil
	case models.SchemeOAuth2:
		return models.OAuth2Secret{ID: id, ClientID: rec.ClientID, ClientSecret: rec.ClientSecret}, nil
	default:
		return nil, &UnsupportedSchemeError{Scheme: scheme}
	}
}

// Cleanup erases the secret material of a configuration. Calling it again,
// or with a reference that has no secrets, is a no-op.
func (m *Manager) Cleanup(ctx context.Context, authConfiguration string) error {
	if authConfiguration == "" {
		return nil
	}
	n, err := m.store.DeleteSecrets(ctx, authConfiguration)
	if err != nil {
		return fmt.Errorf("clean credentials of %s: %w", authConfiguration, err)
	}
	if n > 0 {
		telemetry.CredentialsCleaned.Add(float64(n))
		m.log.Info("credentials cleaned", zap.String("auth_configuration", authConfiguration), zap.Int("secrets", n))
	}
	return nil
}
