package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvProvider reads "env://NAME" from the parent environment. It is the
// explicit way to pass a host variable to children.
type EnvProvider struct{}

func NewEnvProvider() *EnvProvider { return &EnvProvider{} }

func (p *EnvProvider) Scheme() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, ref string) (*Secret, error) {
	name, ok := strings.CutPrefix(ref, "env://")
	if !ok {
		return nil, fmt.Errorf("%w: env provider only handles env:// references", ErrSecretNotFound)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: empty environment variable name", ErrSecretNotFound)
	}
	value, set := os.LookupEnv(name)
	if !set || value == "" {
		return nil, fmt.Errorf("%w: environment variable %q is not set or empty", ErrSecretNotFound, name)
	}
	return &Secret{
		Value:    value,
		Metadata: map[string]string{"source": "env", "variable": name},
	}, nil
}

// FileProvider reads "file:///run/secrets/token". One trailing newline is
// dropped, as written by most secret mounts.
type FileProvider struct {
	maxBytes int64
}

func NewFileProvider() *FileProvider { return &FileProvider{maxBytes: 64 << 10} }

func (p *FileProvider) Scheme() string { return "file" }

func (p *FileProvider) Resolve(_ context.Context, ref string) (*Secret, error) {
	path, ok := strings.CutPrefix(ref, "file://")
	if !ok || path == "" {
		return nil, fmt.Errorf("%w: file provider needs file:///absolute/path", ErrSecretNotFound)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecretNotFound, err)
	}
	if info.IsDir() || info.Size() > p.maxBytes {
		return nil, fmt.Errorf("secret file %q is a directory or larger than %d bytes", path, p.maxBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading secret file: %w", err)
	}
	value := strings.TrimSuffix(strings.TrimSuffix(string(data), "\n"), "\r")
	return &Secret{
		Value:    value,
		Metadata: map[string]string{"source": "file", "path": path},
	}, nil
}
