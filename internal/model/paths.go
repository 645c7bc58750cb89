package model

import "path/filepath"

// Paths resolves the fixed layout inside a postwatch data directory.
type Paths struct {
	Data     string
	Queue    string
	Sent     string
	Failed   string
	Snapshot string
	Tokens   string
	AuditLog string
	LockFile string
	Config   string
	LogDir   string
	Socket   string
}

func DataPaths(dataDir string) Paths {
	return Paths{
		Data:     dataDir,
		Queue:    filepath.Join(dataDir, "queue"),
		Sent:     filepath.Join(dataDir, "sent"),
		Failed:   filepath.Join(dataDir, "failed"),
		Snapshot: filepath.Join(dataDir, "schedule.yaml"),
		Tokens:   filepath.Join(dataDir, "tokens.yaml"),
		AuditLog: filepath.Join(dataDir, "log.jsonl"),
		LockFile: filepath.Join(dataDir, "locks", "watcher.lock"),
		Config:   filepath.Join(dataDir, "config.yaml"),
		LogDir:   filepath.Join(dataDir, "logs"),
		Socket:   filepath.Join(dataDir, "watcher.sock"),
	}
}
