/*
Package store adapts the external shared KV + queue + pub/sub service into
the typed operations the rest of NetPulse builds on.

Two implementations are provided: RedisStore, backed by go-redis against a
Redis server or sentinel group, and MemoryStore, a mutex-serialized
in-process store used by tests and single-node development mode. Both honor
the same atomicity contract: SetNX, HSetNX, HIncrBy and HDelIfEquals are the
primitives multi-process coordination relies on.

All keys live in the flat "netpulse:" namespace defined in keys.go. Records
are whole JSON documents; the store never interprets payloads.
*/
package store
