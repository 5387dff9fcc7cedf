package pagination

// LookAhead is how many viewport heights below the scroll offset the end of
// the rendered feed may be before another step is pulled.
const LookAhead = 1.4

// Viewport is a measurement of the rendered feed reported by the UI.
type Viewport struct {
	ScrollTop      float64 `json:"scroll_top"`
	ViewportHeight float64 `json:"viewport_height"`
	ContentHeight  float64 `json:"content_height"`
}

// NearBottom reports whether the content ends within look-ahead distance.
func (v Viewport) NearBottom() bool {
	return v.ContentHeight < v.ScrollTop+LookAhead*v.ViewportHeight
}
