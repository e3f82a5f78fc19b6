// Package config handles configuration loading for the storage core.
//
// Configuration is loaded from YAML files with environment variable
// expansion in the ${VAR_NAME} form and validated before use.
//
// Beyond the static file-backed settings, Config carries the account's own
// identity (phone number, ACI, PNI, device id). These are assigned and can
// be rotated by the server after registration, so they are mutable at
// runtime; the mutability is confined to a lock-guarded cell inside Config
// and exposed only through accessor methods.
package config
