package ipc

import "fmt"

const (
	DefaultPortStart = 49600
	DefaultPortEnd   = 49650
)

// PortRange is an inclusive TCP port range on the loopback interface. The
// resident binds Start; clients scan the whole range.
type PortRange struct {
	Start int
	End   int
}

func DefaultPortRange() PortRange {
	return PortRange{Start: DefaultPortStart, End: DefaultPortEnd}
}

// Normalize fills in defaults for zero values, clamps to [1024, 65535] and
// orders the bounds.
func (r PortRange) Normalize() PortRange {
	if r.Start == 0 {
		r.Start = DefaultPortStart
	}
	if r.End == 0 {
		r.End = DefaultPortEnd
	}
	if r.Start < 1024 {
		r.Start = 1024
	}
	if r.End > 65535 {
		r.End = 65535
	}
	if r.End < r.Start {
		r.Start, r.End = r.End, r.Start
	}
	return r
}

func (r PortRange) String() string { return fmt.Sprintf("%d-%d", r.Start, r.End) }
