// Package web3 holds the chain access used to verify payments: transaction
// receipt lookups, chain snapshots for status reporting and the YAML chain
// definitions that configure which networks are reachable.
package web3
