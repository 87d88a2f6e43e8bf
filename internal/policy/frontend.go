package policy

// EnvKeys are the deployment-level public site keys, used when the policy row
// leaves a provider key NULL.
type EnvKeys map[Kind]string

// ProviderConfig is the client-visible view of a single provider.
type ProviderConfig struct {
	Enabled bool   `json:"enabled"`
	SiteKey string `json:"site_key,omitempty"`
}

// CustomConfig describes the self-hosted challenge to the client.
type CustomConfig struct {
	Enabled    bool   `json:"enabled"`
	Endpoint   string `json:"endpoint,omitempty"`
	CodeLength int    `json:"code_length,omitempty"`
}

// FrontendConfig is safe to hand to browsers. It never carries secrets.
type FrontendConfig struct {
	Enabled         bool                    `json:"enabled"`
	Mode            Mode                    `json:"mode,omitempty"`
	DefaultProvider Kind                    `json:"default_provider,omitempty"`
	FallbackChain   []string                `json:"fallback_chain,omitempty"`
	Providers       map[Kind]ProviderConfig `json:"providers,omitempty"`
	Custom          *CustomConfig           `json:"custom,omitempty"`
	Services        map[Service]bool        `json:"services,omitempty"`
	Theme           string                  `json:"theme,omitempty"`
	Size            string                  `json:"size,omitempty"`
	Version         int64                   `json:"version,omitempty"`
}

// Frontend projects s into a FrontendConfig.
func Frontend(s *Settings, env EnvKeys) FrontendConfig {
	if !s.Enabled || s.Mode == ModeDisabled {
		return FrontendConfig{Enabled: false}
	}
	out := FrontendConfig{
		Enabled:         true,
		Mode:            s.Mode,
		DefaultProvider: s.DefaultProvider,
		FallbackChain:   append([]string{}, s.FallbackChain...),
		Providers:       make(map[Kind]ProviderConfig, len(ThirdPartyKinds())),
		Services:        make(map[Service]bool, len(AllServices())),
		Theme:           s.Theme,
		Size:            s.Size,
		Version:         s.Version,
	}
	for _, k := range ThirdPartyKinds() {
		key := env[k]
		if dbKey := s.SiteKey(k); dbKey != nil {
			key = *dbKey
		}
		out.Providers[k] = ProviderConfig{Enabled: s.ProviderEnabled(k), SiteKey: key}
	}
	out.Custom = &CustomConfig{Enabled: s.CustomEnabled}
	if s.CustomEnabled {
		out.Custom.Endpoint = s.CustomEndpoint
		out.Custom.CodeLength = s.CustomCodeLength
	}
	for _, svc := range AllServices() {
		out.Services[svc] = s.ServiceRequired(svc)
	}
	return out
}
