package catalog

import (
	"github.com/rs/zerolog/log"
)

// Epoch identifies a writer generation. Valid epochs are positive.
type Epoch uint64

// MinEpoch is the first epoch of every catalog.
const MinEpoch Epoch = 1

type epochState int

const (
	unfenced epochState = iota
	fenced
)

// FenceableEpoch tracks the epoch of a handle and whether a newer epoch has
// fenced it out. It is one of:
//
//	unfenced(none)           no epoch observed yet
//	unfenced(current)        current is valid
//	fenced{current, fence}   current was superseded by fence; terminal
type FenceableEpoch struct {
	state   epochState
	current Epoch // 0 when unfenced(none)
	fence   Epoch
}

// UnfencedEpoch returns unfenced(e), or unfenced(none) when e is 0.
func UnfencedEpoch(e Epoch) FenceableEpoch {
	return FenceableEpoch{state: unfenced, current: e}
}

// Validate returns the current epoch, false if none has been observed, or a
// *FenceError once fenced.
func (f *FenceableEpoch) Validate() (Epoch, bool, error) {
	if f.state == fenced {
		return 0, false, fenceErrorf("current catalog epoch %d fenced by new catalog epoch %d", f.current, f.fence)
	}
	return f.current, f.current != 0, nil
}

// Epoch returns the current epoch, fenced or not.
func (f *FenceableEpoch) Epoch() (Epoch, bool) {
	return f.current, f.current != 0
}

// IsFenced reports whether the epoch has been superseded.
func (f *FenceableEpoch) IsFenced() bool { return f.state == fenced }

// MaybeFence observes epoch e from the log. A larger epoch fences f; a smaller
// one means the log went backwards, which is fatal.
func (f *FenceableEpoch) MaybeFence(e Epoch) error {
	switch {
	case f.state == fenced:
		_, _, err := f.Validate()
		return err
	case f.current == 0:
		f.current = e
	case e > f.current:
		f.state = fenced
		f.fence = e
		log.Debug().Uint64("current", uint64(f.current)).Uint64("fence", uint64(e)).Msg("epoch fenced")
		_, _, err := f.Validate()
		return err
	case e < f.current:
		log.Panic().Uint64("current", uint64(f.current)).Uint64("observed", uint64(e)).Msg("epoch went backwards")
	}
	return nil
}
