/*
Package driver defines the device connection abstraction and the built-in
driver types.

A Driver owns exactly one device connection. Instances are not concurrency
safe: pinned sessions guard them with a lock shared with the keepalive
monitor, and FIFO executors use a fresh instance per job. Driver types
register themselves at init time together with static metadata; whether a
type supports persistent sessions is decided there, before any connection
exists, because dispatch routing depends on it.
*/
package driver
