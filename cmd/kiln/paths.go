package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	envKilnOutDir    = "KILN_OUT_DIR"
	envKilnHistoryDB = "KILN_HISTORY_DB"
)

// resolveCompileOut picks the .kef path for a compile. An explicit --out
// wins, then KILN_OUT_DIR, then the config out_dir, then ./out. The bool
// reports whether the path was defaulted.
func resolveCompileOut(modelPath, outFlag, cfgOutDir string) (string, bool, error) {
	outFlag = strings.TrimSpace(outFlag)
	if outFlag != "" {
		outPath := filepath.Clean(outFlag)
		if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
			return "", false, err
		}
		return outPath, false, nil
	}

	base := filepath.Base(filepath.Clean(modelPath))
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" || stem == "." || base == string(filepath.Separator) {
		return "", true, fmt.Errorf("invalid model path: %q", modelPath)
	}

	outDir := strings.TrimSpace(os.Getenv(envKilnOutDir))
	if outDir == "" {
		outDir = strings.TrimSpace(cfgOutDir)
	}
	if outDir == "" {
		outDir = filepath.Join(".", "out")
	}

	outPath := filepath.Join(outDir, stem+".kef")
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", true, err
	}
	return outPath, true, nil
}

// resolveHistoryDB returns the history database path: --history-db, then
// KILN_HISTORY_DB, then the config history_db, then the user cache dir.
// "none" disables history.
func resolveHistoryDB(flag, cfgPath string) (string, error) {
	path := strings.TrimSpace(flag)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(envKilnHistoryDB))
	}
	if path == "" {
		path = strings.TrimSpace(cfgPath)
	}
	if path == "none" {
		return "", nil
	}
	if path == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(dir, "kiln", "history.db")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
	}
	return path, nil
}

func isKEF(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".kef")
}
