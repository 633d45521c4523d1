package oauthclient

import "github.com/jrsteele09/smart-portal/internal/config"

// SettingsFromConfig reads the client settings from the service configuration.
func SettingsFromConfig(cfg config.OAuthConfig) Settings {
	return Settings{
		ClientID:                 cfg.GetClientID(),
		ClientSecret:             cfg.GetClientSecret(),
		RedirectURI:              cfg.GetRedirectURI(),
		Scopes:                   cfg.GetScopes(),
		AuthorizationURL:         cfg.GetAuthorizationURL(),
		TokenURL:                 cfg.GetTokenURL(),
		Audience:                 cfg.GetAudience(),
		Timeout:                  cfg.GetTokenTimeout(),
		DefaultAccessTokenExpiry: cfg.GetDefaultAccessTokenExpiry(),
		BreakerFailures:          cfg.GetTokenBreakerFailures(),
		BreakerCooldown:          cfg.GetTokenBreakerCooldown(),
		OIDCIssuer:               cfg.GetOIDCIssuer(),
		OIDCJWKSURL:              cfg.GetOIDCJWKSURL(),
	}
}
