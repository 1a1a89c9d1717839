package secret

import (
	"context"
	"os"
	"strings"

	"github.com/liliang-cn/markflow/pkg/flowerr"
)

// Provider resolves a parsed reference to a secret value.
type Provider interface {
	// Name returns the provider id used in reference strings.
	Name() string
	// Resolve fetches the value for a reference. A missing secret returns
	// an error; the manager decides whether that is fatal.
	Resolve(ctx context.Context, ref Reference) (string, error)
}

// EnvProvider reads secrets from the process environment. The reference
// path names the environment variable; when a key is present the variable
// is treated as a comma-separated K=V list and the matching entry is
// selected.
type EnvProvider struct{}

// NewEnvProvider creates the environment-variable provider.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

// Name implements Provider.
func (*EnvProvider) Name() string { return "env" }

// Resolve implements Provider.
func (*EnvProvider) Resolve(_ context.Context, ref Reference) (string, error) {
	value, ok := os.LookupEnv(ref.Path)
	if !ok {
		return "", flowerr.Newf(flowerr.KindProviderNotFound, "environment variable %s not set", ref.Path)
	}

	if ref.Key == "" {
		return value, nil
	}

	for _, pair := range strings.Split(value, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(pair), "=")
		if found && k == ref.Key {
			return v, nil
		}
	}
	return "", flowerr.Newf(flowerr.KindProviderNotFound, "key %s not found in environment variable %s", ref.Key, ref.Path)
}
