package lsm

// Config tunes the storage engine's memtable and compaction behavior.
type Config struct {
	MemtableSizeBytes   int64
	NumLevels           int
	L0CompactionTrigger int
	L0StopWritesTrigger int
	BlockCacheBlocks    int
}

// DefaultConfig returns reasonable defaults for a single node.
func DefaultConfig() Config {
	return Config{
		MemtableSizeBytes:   4 << 20,
		NumLevels:           4,
		L0CompactionTrigger: 4,
		L0StopWritesTrigger: 12,
		BlockCacheBlocks:    256,
	}
}

// levelSizeBytes grows each level 4x over the previous: L1 targets 10 MiB,
// L2 40 MiB, L3 160 MiB, and so on.
func levelSizeBytes(level int) int64 {
	if level <= 0 {
		return 0
	}
	return int64(10<<20) << uint((level-1)*2)
}

// levelFileCountThreshold is the number of files above which a level
// (L1 and deeper) is eligible for compaction into the next level.
func levelFileCountThreshold(level int) int {
	if level <= 0 {
		return 0
	}
	return 8 * level
}
