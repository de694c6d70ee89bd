// Package web3 defines the network provider contract used by wallets to
// query stablecoin balances and send single or batched payments, together
// with the YAML chain definitions that configure each network. Concrete
// providers live in the ethereum and solana subpackages and are selected by
// network name through provider.Registry.
package web3
