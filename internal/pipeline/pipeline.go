// Package pipeline runs a whole export or import: it connects, checks the
// backup directory, opens the run log, reads the catalog and then moves the
// tables one after another, stopping at the first failure.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jorgepascosoto/rethink-backup/internal/backup"
	"github.com/jorgepascosoto/rethink-backup/internal/catalog"
	"github.com/jorgepascosoto/rethink-backup/internal/config"
	apperrors "github.com/jorgepascosoto/rethink-backup/internal/errors"
	"github.com/jorgepascosoto/rethink-backup/internal/folder"
	"github.com/jorgepascosoto/rethink-backup/internal/logging"
	"github.com/jorgepascosoto/rethink-backup/internal/rethink"
)

type Phase int

const (
	PhaseInit Phase = iota
	PhaseConnect
	PhaseValidateFolder
	PhaseOpenLog
	PhaseListTables
	PhaseProcessTables
	PhaseClose
	PhaseDone
	PhaseFailed
)

var phaseNames = [...]string{
	"INIT",
	"CONNECT",
	"VALIDATE_FOLDER",
	"OPEN_LOG",
	"LIST_TABLES",
	"PROCESS_TABLES",
	"CLOSE",
	"DONE",
	"FAILED",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Dialer opens the single database connection of a run.
type Dialer func(ctx context.Context, cfg *config.Config) (rethink.Store, error)

// DialRethink connects to the server named in cfg.
func DialRethink(ctx context.Context, cfg *config.Config) (rethink.Store, error) {
	return rethink.Connect(ctx, rethink.ConnectOpts{
		Address:  cfg.Address(),
		Database: cfg.Database,
		AuthKey:  cfg.AuthKey,
		Timeout:  cfg.ConnectTimeout,
	})
}

// Session is everything a run's steps share. It is built once before the
// first step and not modified afterwards.
type Session struct {
	Config  *config.Config
	Log     *logging.RunLog
	Folder  string
	LogFile string
}

// Result describes how a run ended.
type Result struct {
	Mode      config.Mode
	Database  string
	Folder    string
	Phase     Phase
	FailedAt  Phase
	Tables    []backup.Stats
	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

func (r *Result) Success() bool {
	return r.Err == nil
}

// TotalRows is the number of rows moved by the tables that completed.
func (r *Result) TotalRows() int {
	total := 0
	for _, t := range r.Tables {
		total += t.Rows
	}
	return total
}

func (r *Result) TotalBytes() int64 {
	var total int64
	for _, t := range r.Tables {
		total += t.Bytes
	}
	return total
}

// Runner drives one run through its phases.
type Runner struct {
	session *Session
	dial    Dialer

	store    rethink.Store
	tables   []string
	existing catalog.Set
	result   *Result
}

type step struct {
	phase Phase
	run   func(ctx context.Context) error
}

func New(cfg *config.Config, runLog *logging.RunLog, dial Dialer) *Runner {
	if dial == nil {
		dial = DialRethink
	}
	return &Runner{
		session: &Session{
			Config:  cfg,
			Log:     runLog,
			Folder:  cfg.TargetFolder(),
			LogFile: cfg.LogFile(),
		},
		dial: dial,
	}
}

// Run executes every phase in order and always closes the connection before
// returning. The returned Result carries the first error, if any.
func (r *Runner) Run(ctx context.Context) *Result {
	cfg := r.session.Config
	r.result = &Result{
		Mode:      cfg.Mode,
		Database:  cfg.Database,
		Folder:    r.session.Folder,
		Phase:     PhaseInit,
		StartedAt: cfg.StartedAt,
	}

	var err error
	for _, s := range r.steps() {
		r.result.Phase = s.phase
		if err = s.run(ctx); err == nil {
			err = r.logErr()
		}
		if err != nil {
			r.result.FailedAt = s.phase
			break
		}
	}

	r.result.Phase = PhaseClose
	if r.store != nil {
		if closeErr := r.store.Close(); closeErr != nil {
			r.session.Log.Warnf("Failed to close connection: %v", closeErr)
		}
	}

	r.finish(err)
	r.result.Duration = time.Since(cfg.StartedAt)
	return r.result
}

func (r *Runner) steps() []step {
	if r.session.Config.Mode == config.ModeImport {
		return []step{
			{PhaseConnect, r.connect},
			{PhaseValidateFolder, r.resolveSource},
			{PhaseOpenLog, r.openLog("RethinkDB import")},
			{PhaseListTables, r.listTables},
			{PhaseProcessTables, r.importTables},
		}
	}
	return []step{
		{PhaseConnect, r.connect},
		{PhaseValidateFolder, r.prepareTarget},
		{PhaseOpenLog, r.openLog("RethinkDB backup")},
		{PhaseListTables, r.listTables},
		{PhaseProcessTables, r.exportTables},
	}
}

func (r *Runner) connect(ctx context.Context) error {
	cfg := r.session.Config
	r.session.Log.Infof("Connecting to Rethink server [%s]", cfg.Address())

	store, err := r.dial(ctx, cfg)
	if err != nil {
		return apperrors.NewRunError(apperrors.ErrConnectivity, "Failed to connect to Rethink server.", err)
	}
	r.store = store
	return nil
}

func (r *Runner) prepareTarget(ctx context.Context) error {
	return folder.PrepareExportTarget(r.session.Folder)
}

func (r *Runner) resolveSource(ctx context.Context) error {
	tables, err := folder.ResolveImportSource(r.session.Folder)
	if err != nil {
		return err
	}
	r.tables = tables
	return nil
}

func (r *Runner) openLog(title string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		header := logging.Header(title, r.session.Config.StartedAt)
		if err := r.session.Log.Open(r.session.LogFile, header); err != nil {
			return apperrors.NewRunError(apperrors.ErrLogWrite, "Failed to write to log file in target directory", err)
		}
		return nil
	}
}

func (r *Runner) listTables(ctx context.Context) error {
	tables, err := catalog.ListTables(ctx, r.store)
	if err != nil {
		return err
	}
	r.existing = catalog.NewSet(tables)

	if r.session.Config.Mode == config.ModeExport {
		if len(tables) == 0 && !r.session.Config.AllowEmpty {
			return apperrors.NewRunError(apperrors.ErrNoTables, "No tables were found to backup.", nil)
		}
		r.tables = tables
	}
	return nil
}

func (r *Runner) exportTables(ctx context.Context) error {
	log := r.session.Log
	if len(r.tables) == 0 {
		log.Infof("No tables were found to backup.")
		return nil
	}

	log.Infof("Iterating over all tables (%d)", len(r.tables))
	for i, table := range r.tables {
		log.Infof("Backing up table %d/%d [%s]", i+1, len(r.tables), table)
		stats, err := backup.ExportTable(ctx, r.store, table, folder.ArtifactPath(r.session.Folder, table))
		if err != nil {
			return err
		}
		r.result.Tables = append(r.result.Tables, stats)
		log.Infof("Backed up table [%s] (%d rows, %s)", table, stats.Rows, humanize.Bytes(uint64(stats.Bytes)))
		if err := r.logErr(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) importTables(ctx context.Context) error {
	log := r.session.Log
	for i, table := range r.tables {
		log.Infof("Importing table %d/%d [%s]", i+1, len(r.tables), table)
		stats, err := backup.ImportTable(ctx, r.store, table, folder.ArtifactPath(r.session.Folder, table), r.existing)
		if err != nil {
			return err
		}
		r.result.Tables = append(r.result.Tables, stats)
		if stats.Created {
			log.Infof("Created table [%s]", table)
		}
		log.Infof("Imported table [%s] (%d rows: %d inserted, %d replaced, %d unchanged)",
			table, stats.Rows, stats.Inserted, stats.Replaced, stats.Unchanged)
		if err := r.logErr(); err != nil {
			return err
		}
	}
	return nil
}

// logErr turns a failed append to the run log into a run failure.
func (r *Runner) logErr() error {
	if err := r.session.Log.Err(); err != nil {
		return apperrors.NewRunError(apperrors.ErrLogWrite, "Failed to write to log!", err)
	}
	return nil
}

func (r *Runner) finish(err error) {
	log := r.session.Log
	r.result.Err = err
	if err != nil {
		r.result.Phase = PhaseFailed
		message, cause := apperrors.Describe(err)
		log.Errorf("%s", message)
		if cause != nil {
			log.Errorf("%v", cause)
		}
		return
	}
	r.result.Phase = PhaseDone
	log.Infof("Finished")
}
