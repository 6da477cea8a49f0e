package app

import (
	"fmt"
	"io"

	"github.com/spf13/afero"

	"github.com/Blackdeer1524/txnlog/src/cfg"
	"github.com/Blackdeer1524/txnlog/src/pkg/common"
	"github.com/Blackdeer1524/txnlog/src/recovery"
	"github.com/Blackdeer1524/txnlog/src/storage/disk"
)

// Dump prints the durable records from `from` on. It reads the page store
// directly and leaves the header alone, so it can inspect the log of a
// crashed server before restart.
func Dump(fs afero.Fs, configPath string, from common.LSA, w io.Writer) (int, error) {
	config, err := cfg.Load(configPath)
	if err != nil {
		return 0, fmt.Errorf("load config: %w", err)
	}
	log := newLogger(config.Environment)
	defer func() { _ = log.Sync() }()

	store, err := disk.Open(fs, disk.Options{
		Dir:               config.LogPath,
		Prefix:            config.DBName,
		NPages:            config.ActivePages,
		ArchiveCachePages: config.ArchiveCachePages,
		ReadOnly:          true,
	}, log)
	if err != nil {
		return 0, fmt.Errorf("open log page store: %w", err)
	}
	defer func() { _ = store.Close() }()

	hdr := store.Header()
	_, _ = fmt.Fprintf(
		w,
		"append=%s checkpoint=%s next_txn=%d shutdown=%t status=%s\n",
		hdr.AppendLSA,
		hdr.ChkptLSA,
		hdr.NextTxnID,
		hdr.IsShutdown,
		hdr.ServerStatus,
	)
	return recovery.Dump(w, recovery.Scan(store, from, hdr.AppendLSA))
}
