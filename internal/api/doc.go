// Package api exposes the relayer over HTTP: the partner reward webhook,
// gas and sale-status lookups, meta-transaction intake and the operator
// endpoints for jobs and whitelists.
package api
