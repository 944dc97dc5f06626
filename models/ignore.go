package models

// IgnoreEntry suppresses messages from an address or thread id.
//
// An empty ScopeGroupAddress ignores the sender everywhere; otherwise only
// inside the named group.
type IgnoreEntry struct {
	AddressOrThread   string `json:"address_or_thread"`
	ScopeGroupAddress string `json:"scope_group_address"`
	CreatedAt         int64  `json:"created_at"`
}

// IsGlobal reports whether the entry applies outside any group scope.
func (e IgnoreEntry) IsGlobal() bool {
	return e.ScopeGroupAddress == ""
}
