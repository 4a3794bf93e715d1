package availability

// Slots enumerates the bookable slot start times within a window, walking
// left to right from the window start. A window shorter than the slot size
// yields no slots; no partial slot is ever produced.
func (w Window) Slots(sizeMinutes int) []int {
	if sizeMinutes <= 0 {
		return nil
	}
	var out []int
	for start := w.Start; start+sizeMinutes <= w.End; start += sizeMinutes {
		out = append(out, start)
	}
	return out
}

// DaySlots flattens the slot start times of every window for one date.
func (d DayWindows) DaySlots(sizeMinutes int) []int {
	var out []int
	for _, w := range d.Windows {
		out = append(out, w.Slots(sizeMinutes)...)
	}
	return out
}
