// Package config loads an orchestra.Config and builds the runtime pieces
// it describes: the slog logger and the store backend.
//
// Values are layered with koanf. Defaults come first, then an optional
// YAML file, then environment variables prefixed with ORCHESTRA__ where a
// double underscore separates nesting levels:
//
//	ORCHESTRA__CONCURRENCY=20
//	ORCHESTRA__STORE__DRIVER=postgres
//	ORCHESTRA__STORE__DSN=postgres://localhost/orchestra
package config
