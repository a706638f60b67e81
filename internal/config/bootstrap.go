package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	pylon "github.com/eugener/pylon/internal"
	"github.com/eugener/pylon/internal/storage"
)

// Bootstrap seeds API keys from the config file on first run.
// Keys that already exist (matched by hash) are left untouched.
func Bootstrap(ctx context.Context, cfg *Config, store storage.APIKeyStore) error {
	for _, k := range cfg.Keys {
		if k.Key == "" {
			continue
		}
		hash := pylon.HashKey(k.Key)

		existing, _ := store.GetKeyByHash(ctx, hash)
		if existing != nil {
			continue
		}

		prio := pylon.Priority(k.Priority)
		if !prio.Valid() {
			prio = pylon.PriorityNormal
		}

		key := &pylon.APIKey{
			ID:          uuid.Must(uuid.NewV7()).String(),
			KeyHash:     hash,
			KeyPrefix:   pylon.DisplayPrefix(k.Key),
			Description: k.Description,
			Priority:    prio,
			CreatedAt:   time.Now().UTC(),
		}
		if err := store.CreateKey(ctx, key); err != nil {
			return err
		}
		slog.Info("bootstrapped api key", "description", k.Description, "prefix", key.KeyPrefix)
	}
	return nil
}
