package consts

import (
	"os"
	"path/filepath"
)

const (
	NudgeDirName   = ".nudge"
	ConfigFileName = "config.yaml"
	DataDirName    = "data"

	JobStoreFile    = "scheduler/jobs.json"
	WakeStoreFile   = "scheduler/wake_timers.json"
	FlowStoreFile   = "flows/flows.json"
	RetryStoreFile  = "retry/queue.json"
	UsersDirName    = "users"
	ArchiveDirName  = "archive"
	SentLogFileName = "sent_messages.jsonl"
	CheckInLogFile  = "checkins.jsonl"
)

func NudgeHomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, NudgeDirName)
}

func DefaultConfigPath() string {
	return filepath.Join(NudgeHomeDir(), ConfigFileName)
}

// DefaultDataDir is used when service.data_dir is left empty.
func DefaultDataDir() string {
	return filepath.Join(NudgeHomeDir(), DataDirName)
}

const (
	ProfileFileName  = "profile.yaml"
	TasksFileName    = "tasks.yaml"
	MessagesDirName  = "messages"
	ArchiveFileFmt   = "sent-%s.jsonl.gz"
	ArchiveDateStamp = "20060102T150405"
)
