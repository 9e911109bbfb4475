// Copyright 2025 Certen Protocol
//
// Repositories is a single point of access to every relational repository,
// mirroring the teacher's pkg/database/repositories.go aggregator shape.
package storage

// Repositories holds all repository instances for a given Client.
type Repositories struct {
	Units      *UnitRepository
	Outputs    *OutputRepository
	Balls      *BallRepository
	AA         *AARepository
	Unhandled  *UnhandledJointRepository
	Journal     *JournalRepository
	Conflicts   *ConflictRepository
	Definitions *DefinitionRepository
	DataFeed    *DataFeedRepository
}

// NewRepositories constructs every repository over the given client.
func NewRepositories(client *Client) *Repositories {
	return &Repositories{
		Units:       NewUnitRepository(client),
		Outputs:     NewOutputRepository(client),
		Balls:       NewBallRepository(client),
		AA:          NewAARepository(client),
		Unhandled:   NewUnhandledJointRepository(client),
		Journal:     NewJournalRepository(client),
		Conflicts:   NewConflictRepository(client),
		Definitions: NewDefinitionRepository(client),
		DataFeed:    NewDataFeedRepository(client),
	}
}
