package qc

// Window is the rolling history of recent QC values for one
// (test code, control level) key, ordered oldest to newest. Rule evaluation
// expects the measurement under test appended as the last element.
type Window struct {
	size   int
	values []float64
}

// NewWindow creates a window bounded to size points, seeding it with the
// given values (oldest first). Only the newest size values are retained.
func NewWindow(size int, values []float64) Window {
	if size < 1 {
		size = 1
	}
	w := Window{size: size}
	if len(values) > size {
		values = values[len(values)-size:]
	}
	w.values = append(w.values, values...)
	return w
}

// Append returns a new window with v added as the newest point, evicting the
// oldest point when the window is full.
func (w Window) Append(v float64) Window {
	values := make([]float64, len(w.values), len(w.values)+1)
	copy(values, w.values)
	values = append(values, v)
	if len(values) > w.size {
		values = values[len(values)-w.size:]
	}
	return Window{size: w.size, values: values}
}

// Values returns the points oldest to newest.
func (w Window) Values() []float64 {
	out := make([]float64, len(w.values))
	copy(out, w.values)
	return out
}

// Len returns the number of points currently held.
func (w Window) Len() int { return len(w.values) }

// Last returns the newest n points (oldest first), or all points when fewer
// than n are held.
func (w Window) Last(n int) []float64 {
	if n > len(w.values) {
		n = len(w.values)
	}
	out := make([]float64, n)
	copy(out, w.values[len(w.values)-n:])
	return out
}
