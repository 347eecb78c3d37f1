// Package store is the bot's persistence layer: four small keyed-document
// collections (recipients, subscription channels, broadcast targets,
// submissions) behind a TTL-bounded in-memory cache.
//
// Reads serve the cached snapshot while it is fresh and reload from the
// durable backend otherwise; every read hands out a deep copy so callers
// can never mutate the cache. Writes persist first and refresh the cache
// on success (write-through); a failed write invalidates the entry so the
// cache never disagrees with disk. Each dataset has its own mutex, so
// read-modify-write helpers (upserts, submission confirms, pruning) are
// atomic per dataset. There is no cross-dataset transactionality.
//
// Two durable backends exist, selected by config: "file" keeps one JSON
// document per dataset, "sqlite" keeps all documents in a single table.
package store
