// Package config loads the support-gateway configuration.
//
// Configuration is YAML. Before parsing, ${VAR} references are replaced with
// environment values (unset variables become empty), and LoadDotEnv can seed
// the environment from a .env file without overriding what is already set.
//
// Sections:
//
//	server     HTTP listen address
//	tailscale  optional tsnet listener
//	database   sqlite (path) or mongo (mongo_uri, mongo_database)
//	transport  socket, pusher or memory backend plus dispatcher tuning
//	presence   socket heartbeat interval and timeout
//	typing     window for suppressing repeated typing signals
//	auth       jwt_secret; empty disables token checks
//	cors       allowed browser origins
//	logging    level and format (text or json)
//
// Durations use Go syntax ("5s", "500ms"). Missing values take defaults before
// validation, and validation errors name the offending field.
package config
