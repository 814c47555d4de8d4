// Package config loads, normalizes, and validates slug configuration data.
package config
