// Package mysql provides MySQL-backed persistence for the payment audit log
// and the tool catalogue, including embedded schema migrations.
package mysql
