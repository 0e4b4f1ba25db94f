package fiops

import (
	"fmt"
	"sync/atomic"

	"github.com/ehrlich-b/go-iosched/internal/blk"
	"github.com/ehrlich-b/go-iosched/internal/constants"
)

type attr struct {
	name     string
	val      func(fd *fiopsData) *atomic.Uint32
	min, max uint32
}

var attrs = []attr{
	{"read_scale", func(fd *fiopsData) *atomic.Uint32 { return &fd.readScale }, constants.MinScale, constants.MaxScale},
	{"write_scale", func(fd *fiopsData) *atomic.Uint32 { return &fd.writeScale }, constants.MinScale, constants.MaxScale},
	// caps the contexts a queue allocates, 0 for no cap
	{"max_contexts", func(fd *fiopsData) *atomic.Uint32 { return &fd.maxContexts }, 0, ^uint32(0)},
}

func findAttr(name string) (attr, error) {
	for _, a := range attrs {
		if a.name == name {
			return a, nil
		}
	}
	return attr{}, fmt.Errorf("%w: %s", blk.ErrUnknownAttr, name)
}

// Attrs implements blk.AttrElevator
func (fd *fiopsData) Attrs() []string {
	names := make([]string, len(attrs))
	for i, a := range attrs {
		names[i] = a.name
	}
	return names
}

// ShowAttr implements blk.AttrElevator
func (fd *fiopsData) ShowAttr(name string) (string, error) {
	a, err := findAttr(name)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d\n", a.val(fd).Load()), nil
}

// StoreAttr implements blk.AttrElevator. Values are parsed leniently:
// leading decimal digits count, anything else reads as 0, and the result is
// clamped to the attribute's range.
func (fd *fiopsData) StoreAttr(name, value string) (int, error) {
	a, err := findAttr(name)
	if err != nil {
		return 0, err
	}

	v := uint32(parseUint(value))
	if v < a.min {
		v = a.min
	} else if v > a.max {
		v = a.max
	}
	a.val(fd).Store(v)
	fd.log.Debug("attribute stored", "attr", name, "value", v)
	return len(value), nil
}

// parseUint reads the leading base 10 digits of s, wrapping on overflow.
func parseUint(s string) uint64 {
	var v uint64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			break
		}
		v = v*10 + uint64(c-'0')
	}
	return v
}
