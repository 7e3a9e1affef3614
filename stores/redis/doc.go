// Package redis implements the result store deferred predictions are read from.
package redis
