// Package config defines the poller settings and provides helpers to load,
// validate and save them in YAML format.
//
// Values of the form ${NAME} are expanded from the environment before
// decoding, which keeps database passwords and API keys out of the file.
package config
