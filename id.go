package workroom

import "github.com/workroom-io/workroom/id"

// ID is the primary identifier type for all workroom entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
