/*
Package api exposes the control plane over REST. Every response uses the
envelope {code, message, data}: code 0 for success, -1 for failure, with
classified error details in data. Authentication is a shared API key in a
configurable header; /health and /metrics stay open for probes and
scrapers.
*/
package api
