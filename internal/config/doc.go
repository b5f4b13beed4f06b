// Package config loads the onyxd YAML configuration, fills in defaults and
// resolves secrets from the process environment. Secrets are referenced by
// environment variable name only, so configuration files can be committed
// without credentials.
package config
