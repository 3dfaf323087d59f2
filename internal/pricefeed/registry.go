package pricefeed

// Registry maps registered identifiers to their canonical decimal precision.
// Precision is a property of the identifier itself; prices submitted on the
// ledger must match it exactly.
type Registry struct {
	decimals map[string]int32
}

// NewRegistry builds a registry from an identifier to precision mapping.
func NewRegistry(decimals map[string]int32) *Registry {
	copied := make(map[string]int32, len(decimals))
	for identifier, dec := range decimals {
		copied[identifier] = dec
	}
	return &Registry{decimals: copied}
}

// Decimals returns the registered precision for an identifier.
func (r *Registry) Decimals(identifier string) (int32, bool) {
	dec, ok := r.decimals[identifier]
	return dec, ok
}
