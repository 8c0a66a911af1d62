package utils

// SignalDef describes one little-endian field inside an 8-byte CAN payload.
type SignalDef struct {
	Name      string
	StartBit  int
	BitLength int
	Signed    bool
	Factor    float64
	Offset    float64
	Unit      string
}

// FrameDef is a fixed payload layout. Signals are listed in payload order.
type FrameDef struct {
	Name    string
	DLC     uint8
	Signals []SignalDef
}

// Index returns the position of the named signal, or -1.
func (fd *FrameDef) Index(name string) int {
	for i, s := range fd.Signals {
		if s.Name == name {
			return i
		}
	}
	return -1
}
