package funnel

import "github.com/xraph/funnel/id"

// ID is the primary identifier type for all funnel entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix

// UserID identifies a user.
type UserID = id.UserID

// ParseUserID parses a user ID string.
var ParseUserID = id.ParseUserID
