package lsm

import (
	"fmt"
	"path/filepath"
)

func walDir(dataDir string) string   { return filepath.Join(dataDir, "wal") }
func sstDir(dataDir string) string   { return filepath.Join(dataDir, "sst") }
func manifestPath(dataDir string) string { return filepath.Join(dataDir, "MANIFEST") }

func currentWALPath(dataDir string) string { return filepath.Join(walDir(dataDir), "current.wal") }

func rotatingWALPath(dataDir string, seq uint64) string {
	return filepath.Join(walDir(dataDir), fmt.Sprintf("rotating_%020d.wal", seq))
}

func levelDir(dataDir string, level int) string {
	return filepath.Join(sstDir(dataDir), fmt.Sprintf("L%d", level))
}

func sstablePath(dataDir string, level int, fileNum uint64) string {
	return filepath.Join(levelDir(dataDir, level), fmt.Sprintf("sst_%020d.sst", fileNum))
}
