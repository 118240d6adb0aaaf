package notify

import "github.com/xraph/notify/id"

// ID is the primary identifier type for all notify entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
