// Package mysql provides repositories and data access helpers backed by MySQL.
// It encapsulates schema migrations, connection pooling, and strongly typed
// queries for persisting pipeline run history.
package mysql
