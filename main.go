package main

// rockup program
// Incremental file backup engine. Given one or more source directories and a
// backup repository directory it writes self-describing snapshots: a manifest
// plus volumes holding the bytes of files changed since the previous
// snapshot. Files whose estimated compressed size is small coalesce into a
// single .cat volume, larger ones get per-file streams in a copy volume. A restore
// reconstructs the latest snapshot into an empty directory, verifying every
// file against its recorded SHA-1.

import (
	"os"
	"time"

	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"

	"github.com/okhlybov/rockup/backup"
	"github.com/okhlybov/rockup/config"

	"github.com/perforce/p4prometheus/version"
	"gopkg.in/alecthomas/kingpin.v2"
)

func main() {
	var (
		configFile = kingpin.Flag(
			"config",
			"Config file for rockup.",
		).Default("rockup.yaml").Short('c').String()
		backupDir = kingpin.Arg(
			"backupdir",
			"Backup repository directory.",
		).Required().String()
		sourceDirs = kingpin.Arg(
			"sourcedir",
			"Source directories to back up.",
		).Strings()
		doBackup = kingpin.Flag(
			"backup",
			"Perform an incremental backup (default action).",
		).Short('b').Bool()
		fullBackup = kingpin.Flag(
			"full",
			"Force a full backup, ignoring previous snapshots.",
		).Short('B').Bool()
		restoreDir = kingpin.Flag(
			"restore",
			"Restore the latest snapshot into the specified empty directory.",
		).Short('r').String()
		volumeType = kingpin.Flag(
			"volume.type",
			"Volume type policy: auto/copy/cat (overrides config).",
		).Default(config.DefaultVolumeType).String()
		compression = kingpin.Flag(
			"compression",
			"Compression policy: auto/enforce/disable (overrides config).",
		).Default(config.DefaultCompression).String()
		obfuscate = kingpin.Flag(
			"obfuscate",
			"Obfuscate stream names within copy volumes (overrides config).",
		).Bool()
		dryRun = kingpin.Flag(
			"dry-run",
			"Don't actually write volumes or manifests.",
		).Bool()
		debug = kingpin.Flag(
			"debug",
			"Enable debugging level.",
		).Int()
		profileFlag = kingpin.Flag(
			"profile",
			"Write a CPU profile to the current directory.",
		).Bool()
	)
	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version(version.Print("rockup")).Author("Oleg Khlybov")
	kingpin.CommandLine.Help = "Incremental file backup: snapshots one or more source directories into a backup repository\n"
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	if *profileFlag {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug > 0 {
		logger.Level = logrus.DebugLevel
	}

	cfg := &config.Config{VolumeType: config.DefaultVolumeType, Compression: config.DefaultCompression}
	if _, err := os.Stat(*configFile); err == nil {
		cfg, err = config.LoadConfigFile(*configFile)
		if err != nil {
			logger.Errorf("error loading config file: %v", err)
			os.Exit(-1)
		}
	}
	if *volumeType != config.DefaultVolumeType {
		cfg.VolumeType = *volumeType
	}
	if *compression != config.DefaultCompression {
		cfg.Compression = *compression
	}
	if *obfuscate {
		cfg.Obfuscate = true
	}

	startTime := time.Now()
	logger.Infof("%v", version.Print("rockup"))
	logger.Infof("Starting %s, backupdir: %v", startTime, *backupDir)

	opts := &backup.ProjectOptions{
		VolumeType:  cfg.VolumeType,
		Compression: cfg.Compression,
		Obfuscate:   cfg.Obfuscate,
		DryRun:      *dryRun,
		PackedPaths: cfg.RePackedPaths,
	}
	p, err := backup.NewProject(logger, *backupDir, opts)
	if err != nil {
		logger.Errorf("error opening repository: %v", err)
		os.Exit(-1)
	}

	if *restoreDir != "" {
		if *doBackup || *fullBackup {
			logger.Errorf("backup and restore are mutually exclusive")
			os.Exit(-1)
		}
		id, err := p.Restore(*restoreDir)
		if err != nil {
			logger.Errorf("restore failed: %v", err)
			os.Exit(-1)
		}
		logger.Infof("Restored snapshot %s into %s", id, *restoreDir)
		return
	}

	if len(*sourceDirs) == 0 {
		logger.Errorf("no source directories specified")
		os.Exit(-1)
	}
	id, err := p.Backup(*sourceDirs, *fullBackup)
	if err != nil {
		logger.Errorf("backup failed: %v", err)
		os.Exit(-1)
	}
	logger.Infof("Created snapshot %s", id)
}
