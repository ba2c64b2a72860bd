// Package mysql opens the relayer's MySQL connection pool and applies the
// embedded schema migrations that back the job and whitelist stores.
package mysql
