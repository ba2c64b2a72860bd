// Package web3 houses blockchain connectivity utilities: the Backend
// abstraction shared by the live RPC client and the simulated chain used in
// tests, chain definitions loaded from YAML, and small value types passed
// between the fee, signer and relay layers. Polygon and Ethereum mainnet are
// the networks Superdao collections live on.
package web3
