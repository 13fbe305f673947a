//go:build linux

package detour

// Arch carries the instruction-set parameters the decoder and the
// relocator need. Only x86-64 is defined; the type exists to keep the
// width parameterized rather than scattered as bare constants.
type Arch struct {
	// MaxInstrLen bounds how far past the requested patch length the
	// builder reads, so an instruction starting on the last requested
	// byte can still be decoded whole.
	MaxInstrLen int
	// Bits is the decode mode.
	Bits int
}

// X86_64 is the only supported architecture.
var X86_64 = Arch{MaxInstrLen: 16, Bits: 64}
