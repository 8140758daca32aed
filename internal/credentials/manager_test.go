package credentials

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"automatic-submission-service/internal/models"
	"automatic-submission-service/internal/store"
)

const graph = "http://mu.semte.ch/graphs/organizations/abc/LoketLB-toezichtGebruiker"

func seed(t *testing.T, st *store.Memory, scheme models.Scheme, secret models.Secret) (submission, rdo string) {
	t.Helper()
	ctx := context.Background()
	submission = models.SubmissionURI(models.NewJobID().UUID)
	rid := models.NewRemoteDataObjectID()
	require.NoError(t, st.CreateRemoteDataObject(ctx, models.RemoteDataObject{
		ID: rid.URI, UUID: rid.UUID, Graph: graph, Submission: submission,
		URL: "https://example.org/besluit.html", Status: models.DownloadReady,
	}))
	secretsID := ""
	if secret != nil {
		secretsID = secret.SecretID()
	}
	require.NoError(t, st.InsertAuthConfiguration(ctx, models.AuthConfiguration{
		ID:         models.NewAuthenticationID().URI,
		Graph:      graph,
		Submission: submission,
		Configuration: models.SecurityConfiguration{
			ID:         models.NewConfigurationID().URI,
			Scheme:     scheme,
			Properties: map[string]string{"flow": "clientCredentials"},
		},
		SecretsID: secretsID,
	}, secret))
	return submission, rid.URI
}

func TestCloneBasicThenCleanup(t *testing.T) {
	st := store.NewMemory()
	m := NewManager(st, zap.NewNop())
	ctx := context.Background()
	sub, rdo := seed(t, st, models.SchemeBasic, models.BasicSecret{ID: models.NewCredentialsID().URI, Username: "vendor", Password: "s3cret"})

	cloned, err := m.Clone(ctx, sub, rdo, graph)
	require.NoError(t, err)
	require.NotNil(t, cloned)

	rec, err := st.LoadSecret(ctx, cloned.Credentials)
	require.NoError(t, err)
	require.Equal(t, "vendor", rec.Username)
	require.Equal(t, "s3cret", rec.Password)

	r, err := st.GetRemoteDataObject(ctx, rdo)
	require.NoError(t, err)
	require.Equal(t, cloned.AuthConfiguration, r.AuthConfiguration)

	require.NoError(t, m.Cleanup(ctx, cloned.AuthConfiguration))
	_, err = st.LoadSecret(ctx, cloned.Credentials)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, m.Cleanup(ctx, cloned.AuthConfiguration))
}

func TestCloneOAuth2(t *testing.T) {
	st := store.NewMemory()
	m := NewManager(st, zap.NewNop())
	ctx := context.Background()
	sub, rdo := seed(t, st, models.SchemeOAuth2, models.OAuth2Secret{ID: models.NewCredentialsID().URI, ClientID: "client", ClientSecret: "xyz"})

	cloned, err := m.Clone(ctx, sub, rdo, graph)
	require.NoError(t, err)
	require.NotNil(t, cloned)

	rec, err := st.LoadSecret(ctx, cloned.Credentials)
	require.NoError(t, err)
	require.Equal(t, "client", rec.ClientID)
	require.Equal(t, "xyz", rec.ClientSecret)
	require.Empty(t, rec.Username)
}

func TestCloneWithoutConfiguration(t *testing.T) {
	st := store.NewMemory()
	m := NewManager(st, zap.NewNop())
	cloned, err := m.Clone(context.Background(), models.SubmissionURI("none"), models.NewRemoteDataObjectID().URI, graph)
	require.NoError(t, err)
	require.Nil(t, cloned)
}

func TestCloneWithoutSecretsClonesNothing(t *testing.T) {
	st := store.NewMemory()
	m := NewManager(st, zap.NewNop())
	ctx := context.Background()
	sub, rdo := seed(t, st, models.SchemeBasic, nil)

	cloned, err := m.Clone(ctx, sub, rdo, graph)
	require.NoError(t, err)
	require.Nil(t, cloned)

	r, err := st.GetRemoteDataObject(ctx, rdo)
	require.NoError(t, err)
	require.Empty(t, r.AuthConfiguration)
}

func TestCloneUnsupportedScheme(t *testing.T) {
	st := store.NewMemory()
	m := NewManager(st, zap.NewNop())
	sub, rdo := seed(t, st, models.Scheme("https://www.w3.org/2019/wot/security#APIKeySecurityScheme"), nil)

	_, err := m.Clone(context.Background(), sub, rdo, graph)
	var unsupported *UnsupportedSchemeError
	require.ErrorAs(t, err, &unsupported)
}

func TestCleanupMissingReference(t *testing.T) {
	m := NewManager(store.NewMemory(), zap.NewNop())
	require.NoError(t, m.Cleanup(context.Background(), models.NewAuthenticationID().URI))
	require.NoError(t, m.Cleanup(context.Background(), ""))
}
