// Package testinfra starts throwaway Postgres and Redis containers for the
// integration tests. Build with -tags integration; tests skip when Docker is
// not reachable.
package testinfra
