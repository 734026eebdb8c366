package canframe

// IDMaskFilter matches frames by (id & Mask) == (Mask & Code), restricted to
// frames whose Extended flag equals the filter's.
type IDMaskFilter struct {
	Mask     uint32
	Code     uint32
	Extended bool
}

// Match reports whether fr passes the filter.
func (m IDMaskFilter) Match(fr Frame) bool {
	if fr.Extended != m.Extended {
		return false
	}
	target := m.Mask & m.Code
	return fr.ID&m.Mask == target
}
