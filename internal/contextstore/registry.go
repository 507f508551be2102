package contextstore

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type PropertyStoreFactory func(dsn string) (PropertyStore, error)

var storeFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]PropertyStoreFactory
}{
	factories: map[string]PropertyStoreFactory{},
}

func RegisterPropertyStoreFactory(scheme string, factory PropertyStoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.factories[scheme] = factory
}

func lookupPropertyStoreFactory(scheme string) (PropertyStoreFactory, bool) {
	scheme = normalizeScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.factories[scheme]
	return factory, ok
}

func BuildPropertyStoreFromDSN(dsn string) (PropertyStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupPropertyStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFilePropertyStore(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryPropertyStore(), nil
	case "postgres", "postgresql":
		return NewPostgresPropertyStore(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: property store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported property store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Opaque != "" {
		return parsed.Opaque, nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	if strings.TrimSpace(path) == "" {
		path = strings.TrimPrefix(raw, parsed.Scheme+"://")
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("dsn %q has no file path", raw)
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
