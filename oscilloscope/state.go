package oscilloscope

// State is a lifecycle state of a Controller
type State int

const (
	// Disconnected has no connection to the instrument
	Disconnected State = iota

	// Connected has a connection and no acquired data from the current run cycle
	Connected

	// Running is acquiring
	Running

	// Stopped holds the data from a completed acquisition
	Stopped
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connected:
		return "Connected"
	case Running:
		return "Running"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Slope is the edge a trigger fires on
type Slope int

const (
	// Falling triggers on a negative going edge
	Falling Slope = iota

	// Rising triggers on a positive going edge
	Rising

	// Either triggers on both edges
	Either
)

func (s Slope) String() string {
	switch s {
	case Falling:
		return "Falling"
	case Rising:
		return "Rising"
	case Either:
		return "Either"
	default:
		return "Unknown"
	}
}

// ParseSlope decodes a slope name as returned by Slope.String
func ParseSlope(s string) (Slope, bool) {
	for _, sl := range []Slope{Falling, Rising, Either} {
		if sl.String() == s {
			return sl, true
		}
	}
	return 0, false
}
