/*
Package health provides liveness checkers used by the API's /health
endpoint: a store ping, which gates everything the control plane does, and
a raw TCP probe for device reachability.
*/
package health
