// Package config defines configuration for the fetchcache CLI.
//
// Values are layered: built-in defaults, then a YAML file, then
// FETCHCACHE_ environment variables, then command-line flags merged in with
// Merge. Byte sizes accept humanized strings such as "450MB" or "4MiB".
package config
