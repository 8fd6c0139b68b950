package cpu

// FlagsCodec converts guest architectural flag registers into the
// internal lazy-flags form the translator expects, and back. Any
// architecture may implement either half as a no-op. Bit-exactness of
// the observable guest flag register across an Enter/Leave pair with
// no guest instructions executed between them is the one hard
// requirement.
type FlagsCodec interface {
	Enter(env *CPUState)
	Leave(env *CPUState)
}

// NoopFlagsCodec is a FlagsCodec for architectures with no lazy-flags
// conversion to perform.
type NoopFlagsCodec struct{}

func (NoopFlagsCodec) Enter(*CPUState) {}
func (NoopFlagsCodec) Leave(*CPUState) {}
