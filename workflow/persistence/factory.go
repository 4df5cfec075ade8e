package persistence

import "fmt"

// NewRunStore creates a run store for the configured backend. The
// database backend is not built here: it rides on a pool the caller
// owns, so it is constructed directly with NewDatabaseRunStore.
func NewRunStore(config Config) (RunStore, error) {
	switch config.Type {
	case StoreTypeMemory:
		return NewMemoryRunStore(config), nil
	case StoreTypeFile:
		return NewFileRunStore(config)
	case StoreTypeRedis:
		return NewRedisRunStore(config)
	case StoreTypeDatabase:
		return nil, fmt.Errorf("database run store requires a connection pool, use NewDatabaseRunStore")
	default:
		return nil, fmt.Errorf("unsupported run store type: %s", config.Type)
	}
}
