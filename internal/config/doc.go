// Package config loads the daemon configuration from a JSON file, applies
// defaults relative to the file location, and resolves secrets such as the
// wallet private key from the environment or a .env file.
package config
