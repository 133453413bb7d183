package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/openmined/treesync/internal/config"
	"github.com/openmined/treesync/internal/fingerprint"
	"github.com/openmined/treesync/internal/manifest"
	"github.com/openmined/treesync/internal/remote"
	"github.com/openmined/treesync/internal/transfer"
	"github.com/openmined/treesync/internal/treesync"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps sync flags to config keys.
var flagKeys = map[string]string{
	"compress":       "compress",
	"delete":         "delete_extra_files",
	"prune-dirs":     "prune_orphan_dirs",
	"escalate-user":  "escalate_user",
	"digest":         "digest",
	"workers":        "workers",
	"max-sessions":   "max_sessions",
	"ssh-port":       "ssh.port",
	"ssh-options":    "ssh.options",
	"exclude":        "exclude",
	"dry-run":        "dry_run",
	"manifest":       "manifest",
	"trust-manifest": "trust_manifest",
	"scratch-dir":    "scratch_dir",
	"log-level":      "log.level",
	"log-file":       "log.file",
	"log-json":       "log.json",
}

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync [SOURCE DESTINATION]",
		Short: "Sync the source tree to the destination (default command)",
		Args:  cobra.RangeArgs(0, 2),
		RunE:  runSync,
	}
	addSyncFlags(cmd)
	return cmd
}

func addSyncFlags(cmd *cobra.Command) {
	def := config.Default()
	flags := cmd.Flags()
	flags.SortFlags = false
	flags.BoolP("compress", "z", def.Compress, "send files gzip compressed")
	flags.Bool("delete", def.DeleteExtraFiles, "delete destination files missing from the source")
	flags.Bool("prune-dirs", def.PruneOrphanDirs, "with --delete, also remove destination-only directories")
	flags.String("owner", "", "chown transferred files to user[:group]")
	flags.String("escalate-user", def.EscalateUser, "run mutating commands through sudo as this user")
	flags.String("digest", def.Digest, "fingerprint algorithm (md5, sha1, sha256)")
	flags.IntP("workers", "j", def.Workers, "files transferred in parallel")
	flags.Int64("max-sessions", def.MaxSessions, "concurrent ssh sessions per host")
	flags.IntP("ssh-port", "p", def.SSH.Port, "ssh port")
	flags.String("ssh-options", def.SSH.Options, "extra ssh and scp options")
	flags.StringSlice("exclude", def.Exclude, "gitignore style pattern to skip, repeatable")
	flags.BoolP("dry-run", "n", def.DryRun, "report what would change without changing anything")
	flags.String("manifest", def.Manifest, "sqlite fingerprint cache")
	flags.Bool("trust-manifest", def.TrustManifest, "skip destination digests the manifest vouches for")
	flags.String("scratch-dir", def.ScratchDir, "directory for compressed scratch files")
	flags.String("log-level", def.Log.Level, "log level (debug, info, warn, error)")
	flags.String("log-file", def.Log.File, "also log to this rotating file")
	flags.Bool("log-json", def.Log.JSON, "log as json")
	flags.Bool("json", false, "print the run report as json")
}

// setDefaults registers every config key so env variables can reach nested
// values.
func setDefaults(v *viper.Viper, def *config.Config) {
	v.SetDefault("source.user", def.Source.User)
	v.SetDefault("source.host", def.Source.Host)
	v.SetDefault("source.root", def.Source.Root)
	v.SetDefault("destination.user", def.Destination.User)
	v.SetDefault("destination.host", def.Destination.Host)
	v.SetDefault("destination.root", def.Destination.Root)
	v.SetDefault("owner.user", def.Owner.User)
	v.SetDefault("owner.group", def.Owner.Group)
	v.SetDefault("ssh.ssh_bin", def.SSH.SSHBin)
	v.SetDefault("ssh.scp_bin", def.SSH.SCPBin)
	v.SetDefault("compress", def.Compress)
	v.SetDefault("delete_extra_files", def.DeleteExtraFiles)
	v.SetDefault("prune_orphan_dirs", def.PruneOrphanDirs)
	v.SetDefault("escalate_user", def.EscalateUser)
	v.SetDefault("digest", def.Digest)
	v.SetDefault("workers", def.Workers)
	v.SetDefault("max_sessions", def.MaxSessions)
	v.SetDefault("ssh.port", def.SSH.Port)
	v.SetDefault("ssh.options", def.SSH.Options)
	v.SetDefault("exclude", def.Exclude)
	v.SetDefault("dry_run", def.DryRun)
	v.SetDefault("manifest", def.Manifest)
	v.SetDefault("trust_manifest", def.TrustManifest)
	v.SetDefault("scratch_dir", def.ScratchDir)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.file", def.Log.File)
	v.SetDefault("log.json", def.Log.JSON)
}

// loadConfig merges, lowest first: defaults, config file, .env and
// TREESYNC_* environment, flags, positional endpoints.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	v := viper.New()
	setDefaults(v, config.Default())

	configFlag := cmd.Flag("config")
	if configFlag != nil && configFlag.Changed {
		v.SetConfigFile(configFlag.Value.String())
	} else {
		v.AddConfigPath(filepath.Dir(config.DefaultConfigPath))
		v.SetConfigName(strings.TrimSuffix(filepath.Base(config.DefaultConfigPath), filepath.Ext(config.DefaultConfigPath)))
	}

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		var notFound viper.ConfigFileNotFoundError
		missing := enoent || errors.As(err, &notFound)
		if !missing || (configFlag != nil && configFlag.Changed) {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	v.SetEnvPrefix("TREESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			bindErr = errors.Join(bindErr, v.BindPFlag(key, f))
		}
	})
	if bindErr != nil {
		return nil, bindErr
	}

	cfg := config.Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()

	if f := cmd.Flags().Lookup("owner"); f != nil && f.Changed {
		user, group, _ := strings.Cut(f.Value.String(), ":")
		cfg.Owner = remote.Owner{User: user, Group: group}
	}

	switch len(args) {
	case 0:
	case 2:
		src, err := remote.ParseEndpoint(args[0])
		if err != nil {
			return nil, fmt.Errorf("source: %w", err)
		}
		dst, err := remote.ParseEndpoint(args[1])
		if err != nil {
			return nil, fmt.Errorf("destination: %w", err)
		}
		cfg.Source, cfg.Destination = src, dst
	default:
		return nil, fmt.Errorf("expected SOURCE and DESTINATION, got %d arguments", len(args))
	}

	if err := cfg.Resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// config is good, errors from here on are not usage errors
	cmd.SilenceUsage = true

	closeLog, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	report, runErr := syncTree(cmd.Context(), cfg)
	if report != nil {
		asJSON, _ := cmd.Flags().GetBool("json")
		if err := printReport(cmd.OutOrStdout(), report, asJSON); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}
	if !report.OK() {
		return fmt.Errorf("%d of %d files failed", report.Failed, report.Files)
	}
	return nil
}

// syncTree wires the executors, transfer engine and optional manifest
// for one run.
func syncTree(ctx context.Context, cfg *config.Config) (*treesync.Report, error) {
	algo, err := fingerprint.ParseAlgorithm(cfg.Digest)
	if err != nil {
		return nil, err
	}
	extra, err := remote.ParseExtraArgs(cfg.SSH.Options)
	if err != nil {
		return nil, err
	}

	opts := []remote.Option{
		remote.WithBinaries(cfg.SSH.SSHBin, cfg.SSH.SCPBin),
		remote.WithPort(cfg.SSH.Port),
		remote.WithExtraArgs(extra...),
		remote.WithEscalateUser(cfg.EscalateUser),
		remote.WithMaxSessions(cfg.MaxSessions),
		remote.WithSessionLimiter(remote.NewSessionLimiter(cfg.MaxSessions)),
	}
	exec := remote.NewDispatcher(opts...)
	engine := transfer.NewEngine(remote.NewSCPCopier(opts...), exec, transfer.WithScratchDir(cfg.ScratchDir))

	var source treesync.Source
	if cfg.Source.IsLocal() {
		source = treesync.NewLocalSource(cfg.Source.Root)
	} else {
		source = treesync.NewRemoteSource(cfg.Source, exec)
	}

	syncOpts := treesync.Options{
		Mode:             transfer.ModeFor(cfg.Compress),
		DeleteExtraFiles: cfg.DeleteExtraFiles,
		PruneOrphanDirs:  cfg.PruneOrphanDirs,
		Owner:            cfg.Owner,
		Algorithm:        algo,
		Workers:          cfg.Workers,
		DryRun:           cfg.DryRun,
		Exclude:          treesync.NewExcludeList(cfg.Exclude),
		TrustManifest:    cfg.TrustManifest,
	}

	if cfg.Manifest != "" {
		m := manifest.New(cfg.Manifest)
		if err := m.Open(); err != nil {
			return nil, err
		}
		defer m.Close()
		syncOpts.Manifest = m
	}

	return treesync.New(source, cfg.Destination, exec, engine, syncOpts).Run(ctx)
}
