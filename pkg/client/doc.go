/*
Package client is a typed HTTP client for the control plane API, used by
the CLI and by external Go programs. API-level failures come back as
classified errors so callers can switch on the kind.
*/
package client
