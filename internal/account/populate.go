package account

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/dreymor/dtfetch/internal/api"
)

// Populate fetches the full bundle for a credential and installs it in the
// cache: the summary, both storefronts for every character, and the master
// data. Summary or master-data failures abort the populate; individual
// store failures are logged and that character's entry is simply absent,
// to be fetched on first request.
func Populate(ctx context.Context, client api.Client, cache *Cache, cred *api.Auth) error {
	summary, err := client.GetSummary(ctx, cred)
	if err != nil {
		return fmt.Errorf("get summary: %w", err)
	}

	slog.Info("fetching stores", "sub", cred.Sub, "characters", len(summary.Characters))
	marks := fetchStores(ctx, client, cred, api.CurrencyMarks, summary.Characters)
	credits := fetchStores(ctx, client, cred, api.CurrencyCredits, summary.Characters)

	master, err := client.GetMasterData(ctx, cred)
	if err != nil {
		return fmt.Errorf("get master data: %w", err)
	}

	cache.Insert(cred.Sub, NewBundle(summary, marks, credits, master))
	return nil
}

// fetchStores fetches one currency's storefront for every character
// concurrently. Failures drop the character from the result.
func fetchStores(ctx context.Context, client api.Client, cred *api.Auth, currency api.CurrencyType, characters []api.Character) map[uuid.UUID]*api.Store {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		stores = make(map[uuid.UUID]*api.Store, len(characters))
	)
	for _, c := range characters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := client.GetStore(ctx, cred, currency, c)
			if err != nil {
				slog.Error("failed to get store", "sub", cred.Sub, "character", c.ID, "currency", currency, "error", err)
				return
			}
			mu.Lock()
			stores[c.ID] = s
			mu.Unlock()
		}()
	}
	wg.Wait()
	return stores
}
