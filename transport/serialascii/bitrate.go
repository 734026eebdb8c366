package serialascii

import "fmt"

// bitRateCommands maps a requested bus bit rate (bits/sec) to its LAWICEL
// "S<n>" command, per spec.md §4.2. Default, when unspecified, is 250K.
var bitRateCommands = map[int]string{
	10_000:  "S0",
	20_000:  "S1",
	50_000:  "S2",
	100_000: "S3",
	125_000: "S4",
	250_000: "S5",
	500_000: "S6",
	800_000: "S7",
	1_000_000: "S8",
}

// DefaultBitRate is used when a backend is constructed without an explicit
// rate.
const DefaultBitRate = 250_000

// bitRateCommand resolves bitRate to its "Sn\r" wire command.
func bitRateCommand(bitRate int) (string, error) {
	cmd, ok := bitRateCommands[bitRate]
	if !ok {
		return "", fmt.Errorf("serialascii: unsupported bit rate %d", bitRate)
	}
	return cmd + "\r", nil
}
