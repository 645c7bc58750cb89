package publish

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tokens holds the credentials the publisher needs. Acquiring and
// refreshing them is an external flow; postwatch only reads the file.
type Tokens struct {
	AccessToken  string `yaml:"access_token"`
	RefreshToken string `yaml:"refresh_token,omitempty"`
	BaseURL      string `yaml:"base_url,omitempty"`
}

// LoadTokens reads tokens.yaml. Environment variables override the file so
// CI and containers can run without one.
func LoadTokens(path string) (Tokens, error) {
	var t Tokens

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &t); err != nil {
			return t, fmt.Errorf("parse tokens file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return t, fmt.Errorf("read tokens file: %w", err)
	}

	if v := os.Getenv("X_ACCESS_TOKEN"); v != "" {
		t.AccessToken = v
	}
	if v := os.Getenv("X_API_BASE_URL"); v != "" {
		t.BaseURL = v
	}

	if t.AccessToken == "" {
		return t, fmt.Errorf("no access_token in %s or X_ACCESS_TOKEN", path)
	}
	return t, nil
}
