package models

// Scheme is the security scheme URI of an authentication configuration.
type Scheme string

const (
	SchemeBasic  Scheme = "https://www.w3.org/2019/wot/security#BasicSecurityScheme"
	SchemeOAuth2 Scheme = "https://www.w3.org/2019/wot/security#OAuth2SecurityScheme"
)

// AuthConfiguration links a submission or remote data object to the
// security configuration and secrets needed to fetch a resource.
type AuthConfiguration struct {
	ID               string
	Graph            string
	Submission       string
	RemoteDataObject string
	Configuration    SecurityConfiguration
	SecretsID        string
}

// SecurityConfiguration holds the non-secret part of the scheme, e.g. the
// token endpoint of an OAuth2 flow.
type SecurityConfiguration struct {
	ID         string
	Scheme     Scheme
	Properties map[string]string
}

// Secret is the secret material of one of the supported schemes.
type Secret interface {
	SecretID() string
	secret()
}

// BasicSecret holds basic-auth credentials.
type BasicSecret struct {
	ID       string
	Username string
	Password string
}

func (s BasicSecret) SecretID() string { return s.ID }
func (BasicSecret) secret()            {}

// OAuth2Secret holds client credentials for a token exchange.
type OAuth2Secret struct {
	ID           string
	ClientID     string
	ClientSecret string
}

func (s OAuth2Secret) SecretID() string { return s.ID }
func (OAuth2Secret) secret()            {}
