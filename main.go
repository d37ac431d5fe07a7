package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/jorgepascosoto/rethink-backup/internal/compress"
	"github.com/jorgepascosoto/rethink-backup/internal/config"
	"github.com/jorgepascosoto/rethink-backup/internal/encrypt"
	apperrors "github.com/jorgepascosoto/rethink-backup/internal/errors"
	"github.com/jorgepascosoto/rethink-backup/internal/logging"
	"github.com/jorgepascosoto/rethink-backup/internal/notify"
	"github.com/jorgepascosoto/rethink-backup/internal/pipeline"
	"github.com/jorgepascosoto/rethink-backup/internal/storage"
)

// errRunFailed is returned once a failed run has been reported.
var errRunFailed = errors.New("run failed")

// offsiteStore is what shipping and retention need from R2.
type offsiteStore interface {
	storage.Uploader
	storage.BackupStore
	ObjectKey(name string) string
}

type deps struct {
	dial    pipeline.Dialer
	offsite func(ctx context.Context, cfg *config.Config) (offsiteStore, error)
	out     io.Writer
}

func defaultDeps() deps {
	return deps{
		dial: pipeline.DialRethink,
		offsite: func(ctx context.Context, cfg *config.Config) (offsiteStore, error) {
			return storage.NewR2Client(ctx, cfg)
		},
		out: os.Stdout,
	}
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.SetOutput(os.Stdout)
	log.SetFormatter(&logging.ConsoleFormatter{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Warnf("Received shutdown signal, canceling...")
		cancel()
	}()

	if err := newApp(defaultDeps()).RunContext(ctx, os.Args); err != nil {
		if !errors.Is(err, errRunFailed) {
			log.Errorf("%v", err)
		}
		os.Exit(1)
	}
}

func newApp(d deps) *cli.App {
	return &cli.App{
		Name:      "rethink-backup",
		Usage:     "Export every table of a RethinkDB database to JSON files, or import them back",
		UsageText: "rethink-backup [options]\n   rethink-backup --import --folder <backup directory> [options]",
		Flags:     flags(),
		Action: func(c *cli.Context) error {
			cfg, err := configFromContext(c)
			if err != nil {
				return err
			}
			if err := resolveAuthKey(cfg, int(os.Stdin.Fd()), os.Stderr); err != nil {
				return err
			}
			return run(c.Context, cfg, d)
		},
	}
}

func flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "host", Aliases: []string{"H"}, Value: config.DefaultHost, Usage: "RethinkDB host"},
		&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Value: config.DefaultPort, Usage: "RethinkDB driver port"},
		&cli.StringFlag{Name: "db", Aliases: []string{"d"}, Value: config.DefaultDatabase, Usage: "database to export or import into"},
		&cli.BoolFlag{Name: "auth", Aliases: []string{"a"}, Usage: "use an auth key, read from RETHINKDB_AUTH_KEY or prompted for"},
		&cli.DurationFlag{Name: "connect-timeout", Value: config.DefaultConnectTimeout, Usage: "how long to wait for the server"},
		&cli.StringFlag{Name: "folder", Aliases: []string{"f"}, Usage: "backup directory (default: start time, M-D-YYYY_HH.m.s)"},
		&cli.StringFlag{Name: "cwd", Aliases: []string{"c"}, Usage: "directory the backup folder is resolved against (default: current directory)"},
		&cli.BoolFlag{Name: "import", Aliases: []string{"i"}, Usage: "import the backup folder instead of exporting"},
		&cli.BoolFlag{Name: "allow-empty", Usage: "treat a database without tables as a successful export"},

		&cli.StringFlag{Name: "r2-account-id", Category: "Offsite", Usage: "Cloudflare account id"},
		&cli.StringFlag{Name: "r2-access-key-id", Category: "Offsite", Usage: "R2 access key id"},
		&cli.StringFlag{Name: "r2-secret-access-key", Category: "Offsite", Usage: "R2 secret access key"},
		&cli.StringFlag{Name: "r2-bucket", Category: "Offsite", Usage: "R2 bucket exports are uploaded to"},
		&cli.StringFlag{Name: "backup-prefix", Category: "Offsite", Usage: "key prefix of uploaded bundles (default: backups/<db>/)"},
		&cli.BoolFlag{Name: "compression", Category: "Offsite", Value: true, Usage: "gzip uploaded bundles"},
		&cli.IntFlag{Name: "compression-level", Category: "Offsite", Value: config.DefaultCompressionLevel, Usage: "gzip level, -2 (huffman only) to 9 (best)"},
		&cli.StringFlag{Name: "encryption-key", Category: "Offsite", Usage: "base64 AES-256 key to encrypt uploaded bundles with"},
		&cli.IntFlag{Name: "retention-days", Category: "Offsite", Usage: "delete uploaded bundles older than this many days"},
		&cli.IntFlag{Name: "retention-count", Category: "Offsite", Usage: "always keep this many of the newest uploaded bundles"},

		&cli.StringFlag{Name: "webhook-url", Category: "Notifications", Usage: "URL a JSON report is posted to"},
		&cli.BoolFlag{Name: "notify-on-success", Category: "Notifications", Value: true, Usage: "post the report after a successful run"},
		&cli.BoolFlag{Name: "notify-on-failure", Category: "Notifications", Value: true, Usage: "post the report after a failed run"},
	}
}

// configFromContext loads the environment configuration and applies the
// flags that were given explicitly on top of it.
func configFromContext(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if c.IsSet("host") {
		cfg.Host = c.String("host")
	}
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("db") {
		cfg.Database = c.String("db")
	}
	if c.Bool("auth") {
		cfg.Auth = true
	}
	if c.IsSet("connect-timeout") {
		cfg.ConnectTimeout = c.Duration("connect-timeout")
	}
	if c.IsSet("folder") {
		cfg.Folder = c.String("folder")
	}
	if c.IsSet("cwd") {
		cfg.Cwd = c.String("cwd")
	}
	if c.Bool("import") {
		cfg.Mode = config.ModeImport
	}
	if c.IsSet("allow-empty") {
		cfg.AllowEmpty = c.Bool("allow-empty")
	}

	if c.IsSet("r2-account-id") {
		cfg.R2AccountID = c.String("r2-account-id")
	}
	if c.IsSet("r2-access-key-id") {
		cfg.R2AccessKeyID = c.String("r2-access-key-id")
	}
	if c.IsSet("r2-secret-access-key") {
		cfg.R2SecretAccessKey = c.String("r2-secret-access-key")
	}
	if c.IsSet("r2-bucket") {
		cfg.R2BucketName = c.String("r2-bucket")
	}
	if c.IsSet("backup-prefix") {
		cfg.BackupPrefix = c.String("backup-prefix")
	}
	if c.IsSet("compression") {
		cfg.Compression = c.Bool("compression")
	}
	if c.IsSet("compression-level") {
		cfg.CompressionLevel = c.Int("compression-level")
	}
	if c.IsSet("encryption-key") {
		key, err := config.DecodeEncryptionKey(c.String("encryption-key"))
		if err != nil {
			return nil, err
		}
		cfg.EncryptionKey = key
	}
	if c.IsSet("retention-days") {
		cfg.RetentionDays = c.Int("retention-days")
	}
	if c.IsSet("retention-count") {
		cfg.RetentionCount = c.Int("retention-count")
	}

	if c.IsSet("webhook-url") {
		cfg.WebhookURL = c.String("webhook-url")
	}
	if c.IsSet("notify-on-success") {
		cfg.NotifyOnSuccess = c.Bool("notify-on-success")
	}
	if c.IsSet("notify-on-failure") {
		cfg.NotifyOnFailure = c.Bool("notify-on-failure")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveAuthKey prompts on the terminal for an auth key that was asked for
// but not provided through the environment.
func resolveAuthKey(cfg *config.Config, fd int, prompt io.Writer) error {
	if !cfg.Auth || cfg.AuthKey != "" {
		return nil
	}
	if !term.IsTerminal(fd) {
		return apperrors.NewConfigError("auth", "set RETHINKDB_AUTH_KEY or run in a terminal to be prompted")
	}

	fmt.Fprint(prompt, "RethinkDB auth key: ")
	key, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt)
	if err != nil {
		return fmt.Errorf("failed to read auth key: %w", err)
	}
	cfg.AuthKey = string(key)
	return nil
}

func run(ctx context.Context, cfg *config.Config, d deps) error {
	runLog := logging.New(d.out)
	result := pipeline.New(cfg, runLog, d.dial).Run(ctx)
	if err := runLog.Close(); err != nil {
		log.Warnf("Failed to close log file: %v", err)
	}

	summary := notify.NewRunSummary(result)
	notify.WriteTable(d.out, summary)

	if result.Success() && cfg.Mode == config.ModeExport && cfg.HasOffsite() {
		if err := shipOffsite(ctx, cfg, d, summary); err != nil {
			log.Errorf("Failed to ship backup offsite: %v", err)
			summary.Fail(err)
		}
	}

	sendNotifications(ctx, cfg, summary)

	if !summary.Success {
		return errRunFailed
	}
	return nil
}

func bundleStages(cfg *config.Config) ([]storage.Stage, error) {
	var stages []storage.Stage
	if cfg.Compression {
		gz, err := compress.NewGzipLevel(cfg.CompressionLevel)
		if err != nil {
			return nil, err
		}
		stages = append(stages, gz)
	}
	if cfg.HasEncryption() {
		encryptor, err := encrypt.NewAESEncryptor(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create encryptor: %w", err)
		}
		stages = append(stages, encryptor)
	}
	return stages, nil
}

// shipOffsite uploads the finished backup directory as one bundle and then
// applies the retention policy. The directory itself is only read.
func shipOffsite(ctx context.Context, cfg *config.Config, d deps, summary *notify.RunSummary) error {
	stages, err := bundleStages(cfg)
	if err != nil {
		return err
	}

	store, err := d.offsite(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create R2 client: %w", err)
	}

	key := store.ObjectKey(storage.BundleName(cfg.Database, cfg.StartedAt, stages...))
	shipment, err := storage.Ship(ctx, store, summary.Folder, key, stages...)
	if err != nil {
		return err
	}
	summary.OffsiteKey = shipment.Key
	summary.OffsiteSize = shipment.Size
	summary.Compressed = cfg.Compression
	summary.Encrypted = cfg.HasEncryption()
	log.Infof("Uploaded bundle [%s] (%s in %s)", shipment.Key, humanize.Bytes(uint64(shipment.Size)), shipment.Duration.Round(time.Millisecond))

	if cfg.HasRetention() {
		result, err := storage.ApplyRetention(ctx, store, storage.RetentionPolicy{
			Days:  cfg.RetentionDays,
			Count: cfg.RetentionCount,
		}, time.Now())
		if err != nil {
			log.Warnf("Retention policy failed: %v", err)
		} else if result.DeletedCount > 0 {
			log.Infof("Deleted %d old bundle(s)", result.DeletedCount)
			summary.DeletedBackups = result.DeletedCount
		}
	}
	return nil
}

func sendNotifications(ctx context.Context, cfg *config.Config, summary *notify.RunSummary) {
	if err := notify.WriteGitHubSummary(summary); err != nil {
		log.Warnf("Failed to write GitHub summary: %v", err)
	}
	if err := notify.SetGitHubOutputs(summary); err != nil {
		log.Warnf("Failed to set GitHub outputs: %v", err)
	}

	if cfg.WebhookURL == "" || !notify.ShouldNotify(summary, cfg.NotifyOnSuccess, cfg.NotifyOnFailure) {
		return
	}
	if err := notify.NewWebhookNotifier(cfg.WebhookURL).Notify(ctx, summary); err != nil {
		log.Warnf("Webhook notification failed: %v", err)
	}
}
