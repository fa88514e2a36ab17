package repository

import (
	"sort"
	"sync"
)

// keyedMutex はキーごとの排他制御を提供する。
// 無関係なキー同士は互いにブロックしない。
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock は指定キーをすべてロックし、解放関数を返す。
// デッドロックを避けるため、キーはソート順に取得する。
func (k *keyedMutex) Lock(keys ...string) (unlock func()) {
	sorted := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		sorted = append(sorted, key)
	}
	sort.Strings(sorted)

	entries := make([]*keyedEntry, len(sorted))
	for i, key := range sorted {
		k.mu.Lock()
		e, ok := k.locks[key]
		if !ok {
			e = &keyedEntry{}
			k.locks[key] = e
		}
		e.refs++
		k.mu.Unlock()

		e.mu.Lock()
		entries[i] = e
	}

	return func() {
		for i := len(sorted) - 1; i >= 0; i-- {
			entries[i].mu.Unlock()
			k.mu.Lock()
			entries[i].refs--
			if entries[i].refs == 0 {
				delete(k.locks, sorted[i])
			}
			k.mu.Unlock()
		}
	}
}
