// ABOUTME: Maps dispatch events onto entity cache mutations.
// ABOUTME: Create events place full snapshots, updates merge, deletes invalidate.

package gateway

import (
	"encoding/json"
	"strings"

	"github.com/2389/slither/internal/cache"
)

// collectionFor maps a dispatch event prefix to its cache collection.
var collectionFor = map[string]string{
	"GUILD":   "guilds",
	"CHANNEL": "channels",
	"MESSAGE": "messages",
	"USER":    "users",
	"ROLE":    "roles",
	"THREAD":  "channels",
}

// applyToCache mirrors an entity-carrying dispatch event into the cache.
// Unknown events and payloads without an id are ignored: the external
// dispatch callback still sees every event either way.
func applyToCache(c *cache.Cache, event string, data json.RawMessage) {
	if c == nil {
		return
	}

	if event == "READY" {
		seedGuilds(c, data)
		return
	}

	idx := strings.LastIndex(event, "_")
	if idx < 0 {
		return
	}
	prefix, action := event[:idx], event[idx+1:]

	col, ok := collectionFor[prefix]
	if !ok {
		return
	}

	var snapshot cache.Entity
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return
	}
	id, ok := snapshot["id"].(string)
	if !ok || id == "" {
		return
	}

	switch action {
	case "CREATE":
		c.PutFull(col, id, snapshot)
	case "UPDATE":
		c.Put(col, id, snapshot)
	case "DELETE":
		c.Invalidate(col, id)
	}
}

// seedGuilds places the guild stubs carried by the READY payload, so the
// guild collection is populated before the first guild dispatch arrives.
func seedGuilds(c *cache.Cache, data json.RawMessage) {
	var ready struct {
		Guilds []cache.Entity `json:"guilds"`
	}
	if err := json.Unmarshal(data, &ready); err != nil {
		return
	}
	for _, guild := range ready.Guilds {
		id, ok := guild["id"].(string)
		if !ok || id == "" {
			continue
		}
		c.PutFull("guilds", id, guild)
	}
}
