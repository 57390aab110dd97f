// Command fd is the coordinator daemon: it wires the command
// dispatcher (spec.md §4.1) and the catalogue garbage collector
// (spec.md §4.2) around the shared, memory-mapped tables described in
// spec.md §6.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/distfd/fdcore/internal/ackqueue"
	"github.com/distfd/fdcore/internal/auditlog"
	"github.com/distfd/fdcore/internal/catalog"
	"github.com/distfd/fdcore/internal/config"
	"github.com/distfd/fdcore/internal/dispatcher"
	"github.com/distfd/fdcore/internal/gc"
	"github.com/distfd/fdcore/internal/layout"
	"github.com/distfd/fdcore/internal/lifecycle"
	"github.com/distfd/fdcore/internal/logging"
	"github.com/distfd/fdcore/internal/pipereader"
	"github.com/distfd/fdcore/internal/queue"
	"github.com/distfd/fdcore/internal/shm"
	"github.com/distfd/fdcore/internal/worker"
)

var (
	configPath string
	debug      bool
)

func main() {
	root := &cobra.Command{
		Use:   "fd",
		Short: "Run the file-distribution dispatch/GC coordinator",
		RunE:  runDaemon,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/afd/afd.conf", "path to the daemon INI config")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	gcCmd := &cobra.Command{
		Use:   "catalog-gc",
		Short: "Run the catalogue garbage collector once and exit, without starting the dispatcher loop",
		RunE:  runCatalogGCStandalone,
	}
	root.AddCommand(gcCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(lifecycle.ExitIncorrect)
	}
}

// tables bundles every open region and catalogue wrapper the daemon
// needs, so both the daemon loop and the standalone catalog-gc
// subcommand can share one construction path.
type tables struct {
	hooks *lifecycle.Hooks

	fsaRegion  *shm.Region
	fraRegion  *shm.Region
	mdbRegion  *shm.Region
	jidRegion  *shm.Region
	dirRegion  *shm.Region
	maskRegion *shm.Region
	pwRegion   *shm.Region
	dcRegion   *shm.Region
	qRegion    *shm.Region

	fsa  *catalog.FSA
	fra  *catalog.FRA
	mdb  *catalog.MDB
	jid  *catalog.JID
	dirs *catalog.DirNameTable
	mask *catalog.FileMaskTable
	pw   *catalog.PasswordTable
	dc   *catalog.DirConfigTable
	q    *queue.Queue

	worker *worker.Controller
	gauge  *worker.Gauge
	audit  *auditlog.Writer
	ack    *ackqueue.AckQueue
}

func openTables(d config.Daemon, log *logrus.Logger) (*tables, error) {
	if err := os.MkdirAll(d.FifoDir, 0755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(d.FileDir, 0755); err != nil {
		return nil, err
	}

	t := &tables{hooks: &lifecycle.Hooks{}}

	open := func(name string, recSize int) (*shm.Region, error) {
		r, err := shm.Open(d.FifoDir+"/"+name, recSize, layout.CurrentVersion)
		if err != nil {
			return nil, err
		}
		t.hooks.Register(func() { _ = r.Close() })
		return r, nil
	}

	var err error
	if t.fsaRegion, err = open("FSA_FILE", catalog.RecSize); err != nil {
		return nil, err
	}
	if t.fraRegion, err = open("FRA_FILE", catalog.FRARecSize); err != nil {
		return nil, err
	}
	if t.mdbRegion, err = open("MSG_CACHE_FILE", catalog.MDBRecSize); err != nil {
		return nil, err
	}
	if t.jidRegion, err = open("JOB_ID_DATA_FILE", catalog.JIDRecSize); err != nil {
		return nil, err
	}
	if t.dirRegion, err = open("DIR_NAME_FILE", catalog.VarRecSize); err != nil {
		return nil, err
	}
	if t.maskRegion, err = open("FILE_MASK_FILE", catalog.VarRecSize); err != nil {
		return nil, err
	}
	if t.pwRegion, err = open("PWB_DATA_FILE", catalog.VarRecSize); err != nil {
		return nil, err
	}
	if t.dcRegion, err = open("DC_LIST_FILE", catalog.VarRecSize); err != nil {
		return nil, err
	}
	if t.qRegion, err = open("MSG_QUEUE_FILE", queue.RecSize); err != nil {
		return nil, err
	}

	t.fsa = catalog.NewFSA(t.fsaRegion)
	t.fra = catalog.NewFRA(t.fraRegion)
	t.mdb = catalog.NewMDB(t.mdbRegion)
	t.jid = catalog.NewJID(t.jidRegion)
	t.dirs = catalog.NewDirNameTable(t.dirRegion)
	t.mask = catalog.NewFileMaskTable(t.maskRegion)
	t.pw = catalog.NewPasswordTable(t.pwRegion)
	t.dc = catalog.NewDirConfigTable(t.dcRegion)
	t.q = queue.New(t.qRegion)

	t.worker = worker.New(log)
	t.gauge = &worker.Gauge{}
	t.ack = ackqueue.New()

	audit, err := auditlog.Open(d.FifoDir+"/DELETE_LOG", log)
	if err != nil {
		return nil, err
	}
	t.hooks.Register(func() { _ = audit.Close() })
	t.audit = audit

	return t, nil
}

func runCatalogGC(t *tables, d config.Daemon, log *logrus.Logger) (gc.Result, error) {
	lock, err := gc.WaitAndLock(context.Background(), t.jidRegion, t.jid)
	if err != nil {
		return gc.Result{}, err
	}
	defer lock.Unlock()

	collector := &gc.Collector{
		FSA:               t.fsa,
		MDB:               t.mdb,
		JID:               t.jid,
		DirNames:          t.dirs,
		FileMasks:         t.mask,
		Passwords:         t.pw,
		DirConfigs:        t.dc,
		Queue:             t.q,
		Worker:            t.worker,
		Gauge:             t.gauge,
		Audit:             t.audit,
		Ack:               t.ack,
		FileDir:           d.FileDir,
		Log:               log,
		SwitchFileTime:    time.Duration(d.SwitchFileTime) * time.Second,
		MaxOutputLogFiles: d.MaxOutputLogFiles,
	}
	return collector.Run()
}

func runCatalogGCStandalone(cmd *cobra.Command, args []string) error {
	log := logging.NewStderr(debug)
	d, _, err := config.Load(configPath)
	if err != nil {
		return err
	}
	t, err := openTables(d, log)
	if err != nil {
		return err
	}
	defer t.hooks.RunAll()

	res, err := runCatalogGC(t, d, log)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"jobs_removed":        res.JobsRemoved,
		"dirs_removed":        res.DirsRemoved,
		"file_masks_removed":  res.FileMasksRemoved,
		"passwords_removed":   res.PasswordsRemoved,
		"dir_configs_removed": res.DirConfigsRemoved,
	}).Info("fd: catalog-gc complete")
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log := logging.NewStderr(debug)
	d, _, err := config.Load(configPath)
	if err != nil {
		lifecycle.Fatal(log, nil, err, "fd: load config")
	}

	t, err := openTables(d, log)
	if err != nil {
		lifecycle.Fatal(log, nil, err, "fd: open tables")
	}

	if res, err := runCatalogGC(t, d, log); err != nil {
		lifecycle.Fatal(log, t.hooks, err, "fd: start-up catalogue GC")
	} else {
		log.WithFields(logrus.Fields{
			"jobs_removed": res.JobsRemoved,
			"dirs_removed": res.DirsRemoved,
		}).Info("fd: start-up catalogue GC complete")
	}

	deleteFifo := d.FifoDir + "/DELETE_FIFO"
	if err := unix.Mkfifo(deleteFifo, 0600); err != nil && !os.IsExist(err) {
		lifecycle.Fatal(log, t.hooks, err, "fd: create delete fifo")
	}
	// O_RDWR avoids the open(2) blocking-until-a-writer-appears
	// behaviour a plain O_RDONLY open on a fifo would have.
	pipe, err := os.OpenFile(deleteFifo, os.O_RDWR, 0600)
	if err != nil {
		lifecycle.Fatal(log, t.hooks, err, "fd: open delete fifo")
	}
	t.hooks.Register(func() { _ = pipe.Close() })

	disp := &dispatcher.Dispatcher{
		Queue:   t.q,
		FSA:     t.fsa,
		FRA:     t.fra,
		MDB:     t.mdb,
		Worker:  t.worker,
		Gauge:   t.gauge,
		Audit:   t.audit,
		FileDir: d.FileDir,
		Log:     log,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("fd: shutting down")
		lifecycle.Success(t.hooks)
	}()

	reader := pipereader.New(pipe, d.PipeBufferSize, log)
	log.Info("fd: coordinator ready, reading delete-command pipe")
	for {
		cmds, err := reader.Read()
		if err != nil {
			// A read error resets the reader's internal buffer; the
			// loop simply rearms and waits for the next wake-up,
			// per spec.md §5's "non-positive return simply returns
			// from the handler".
			continue
		}
		if len(cmds) == 0 {
			continue
		}
		disp.ApplyBatch(cmds)
	}
}
