// Package config loads service configuration for all AntCode binaries.
//
// Settings are read from ANTCODE_-prefixed environment variables through
// viper, optionally seeded from an env file. Any field can also be supplied
// as a file under the secrets directory (one file per key), which takes
// precedence over the environment so container secret mounts work without
// exporting sensitive values. Defaults are explicit in Load and validation
// rejects configurations no service could run with.
package config
