// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation,
// so the bearer token can be kept out of the file:
//
//	client:
//	  url: wss://realtime.example.com/ws
//	  token: ${REALTIME_TOKEN}
package config
