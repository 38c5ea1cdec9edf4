package bkernel

// BoardConfig collects the board-level tunables that would otherwise be
// scattered across compile-time constants: ring buffer capacities, heap
// size, and which debug-only assertions are enabled.
type BoardConfig struct {
	DebugAssertions bool

	HeapSize int

	UARTWriterCapacity int
	UARTReaderCapacity int

	I2CAddressHTU21D uint8

	ATResponderWriterCapacity int
	ATResponderReaderCapacity int
}

// DefaultBoardConfig mirrors the reference firmware's defaults: assertions
// on in development builds, heap and ring sizes sized for the demo's
// simulated peripherals.
func DefaultBoardConfig() BoardConfig {
	return BoardConfig{
		DebugAssertions: true,

		HeapSize: 16 * 1024,

		UARTWriterCapacity: 64,
		UARTReaderCapacity: 64,

		I2CAddressHTU21D: 0x40,

		ATResponderWriterCapacity: 64,
		ATResponderReaderCapacity: 256,
	}
}
