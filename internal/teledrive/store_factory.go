package teledrive

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"
)

type MetadataStoreFactory func(dsn string, logger *zap.Logger) (MetadataStore, error)

var storeFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]MetadataStoreFactory
}{
	factories: map[string]MetadataStoreFactory{},
}

// RegisterMetadataStoreFactory installs a factory for scheme. Registered
// factories win over the built-in schemes.
func RegisterMetadataStoreFactory(scheme string, factory MetadataStoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.factories[scheme] = factory
}

func lookupMetadataStoreFactory(scheme string) (MetadataStoreFactory, bool) {
	scheme = normalizeScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildMetadataStoreFromDSN accepts file://dir (or a bare directory),
// memory://, and postgres:// DSNs.
func BuildMetadataStoreFromDSN(dsn string, logger *zap.Logger) (MetadataStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty metadata DSN", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupMetadataStoreFactory(scheme); ok {
		return factory(dsn, logger)
	}
	switch scheme {
	case "", "file":
		dir, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONDirStore(dir, logger), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn, logger)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: metadata store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported metadata store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	p := strings.TrimSpace(parsed.Path)
	if host := strings.TrimSpace(parsed.Host); host != "" {
		p = host + p
	}
	if p == "" {
		p = strings.TrimSpace(parsed.Opaque)
	}
	if p == "" {
		return "", ErrInvalidInput
	}
	return p, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
