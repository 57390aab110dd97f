// Package config loads the daemon-wide tunables and the directory
// configuration catalogue from an INI file, using the teacher's
// direct github.com/Unknwon/goconfig dependency. This mirrors AFD's
// own flat-file DIR_CONFIG/AFD_CONFIG convention (see
// original_source/_INDEX.md) without inventing a new format.
package config

import (
	"time"

	"github.com/Unknwon/goconfig"
	"github.com/pkg/errors"
)

// Daemon holds the coordinator-wide settings read from the "[daemon]"
// section.
type Daemon struct {
	WorkDir          string
	FifoDir          string
	FileDir          string
	PipeBufferSize   int
	JIDWaitTimeout   time.Duration
	LoaderTimeout    time.Duration
	SizeRetryCount   int
	SizeRetryDelay   time.Duration
	SwitchFileTime   int64
	MaxOutputLogFiles int
	Debug            bool
}

// DirEntry is one row of the directory-config catalogue, per
// spec.md §3 "dir-config-id table".
type DirEntry struct {
	DirConfigID uint32
	DirAlias    string
	HostAlias   string
	FileMask    string
	Recipient   string
	AllowedTransfers int
}

// Load reads path and returns the daemon settings plus every
// directory-config row found in "[dir:<alias>]" sections.
func Load(path string) (Daemon, []DirEntry, error) {
	cfg, err := goconfig.LoadConfigFile(path)
	if err != nil {
		return Daemon{}, nil, errors.Wrapf(err, "config: load %s", path)
	}

	d := Daemon{
		WorkDir:           cfg.MustValue("daemon", "work_dir", "/var/afd"),
		PipeBufferSize:    cfg.MustInt("daemon", "pipe_buffer_size", 65536),
		JIDWaitTimeout:    time.Duration(cfg.MustInt("daemon", "jid_wait_timeout_seconds", 11)) * time.Second,
		LoaderTimeout:     time.Duration(cfg.MustInt("daemon", "loader_timeout_seconds", 180)) * time.Second,
		SizeRetryCount:    cfg.MustInt("daemon", "size_retry_count", 20),
		SizeRetryDelay:    time.Duration(cfg.MustInt("daemon", "size_retry_delay_seconds", 1)) * time.Second,
		SwitchFileTime:    int64(cfg.MustInt("daemon", "switch_file_time_seconds", 3600)),
		MaxOutputLogFiles: cfg.MustInt("daemon", "max_output_log_files", 7),
		Debug:             cfg.MustBool("daemon", "debug", false),
	}
	d.FifoDir = cfg.MustValue("daemon", "fifo_dir", d.WorkDir+"/fifodir")
	d.FileDir = cfg.MustValue("daemon", "file_dir", d.WorkDir+"/file-dir")

	var dirs []DirEntry
	for _, section := range cfg.GetSectionList() {
		const prefix = "dir:"
		if len(section) <= len(prefix) || section[:len(prefix)] != prefix {
			continue
		}
		alias := section[len(prefix):]
		kv, err := cfg.GetSection(section)
		if err != nil {
			return Daemon{}, nil, errors.Wrapf(err, "config: section %s", section)
		}
		dirs = append(dirs, DirEntry{
			DirAlias:         alias,
			HostAlias:        kv["host_alias"],
			FileMask:         kv["file_mask"],
			Recipient:        kv["recipient"],
			AllowedTransfers: cfg.MustInt(section, "allowed_transfers", 1),
		})
	}
	return d, dirs, nil
}
