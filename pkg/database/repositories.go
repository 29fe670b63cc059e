// Copyright 2025 Signal ID
//
// Repositories - convenience wrapper for all database repositories

package database

// Repositories holds all repository instances
type Repositories struct {
	Identities *IdentityRepository
	Batches    *BatchRepository
}

// NewRepositories creates all repositories with the given client
func NewRepositories(client *Client) *Repositories {
	return &Repositories{
		Identities: NewIdentityRepository(client),
		Batches:    NewBatchRepository(client),
	}
}
