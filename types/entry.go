package types

// LogEntry is one element of the append-only consensus log. Entries are
// written only after finality; a committed entry is never altered or removed.
type LogEntry struct {
	Index     uint64 `json:"index"`
	Term      uint64 `json:"term"`
	Committed bool   `json:"committed"`
	Block     Block  `json:"block"`
}
