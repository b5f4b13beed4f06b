// Package payment issues x402-style payment requests and verifies the
// on-chain ETH transfer that settles them. Verification polls a receipt
// reader under a wall-clock bound and only ever moves a payment from
// unverified to verified.
package payment
