// Package swarm coordinates a group of paying agents: membership with an
// optional shared wallet, mailbox messaging, cost splitting, inter-agent
// transfers and multi-agent collaboration with balance-based recovery.
package swarm
