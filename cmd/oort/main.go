// Command oort watches folders of astronomical data files and uploads
// their content to an arcsecond.io archive.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/arcsecond-io/oort/internal/archive"
	"github.com/arcsecond-io/oort/internal/identity"
	"github.com/arcsecond-io/oort/internal/observer"
	"github.com/arcsecond-io/oort/internal/preparator"
	"github.com/arcsecond-io/oort/internal/store"
	"github.com/arcsecond-io/oort/internal/ui"
	"github.com/arcsecond-io/oort/internal/uploader"
)

const version = "1.0.0"

func usage() {
	fmt.Fprint(os.Stderr, `oort - automated uploads of astronomical data folders

Usage:
  oort <command> [flags] [arguments]

Commands:
  watch <folder>     Watch a folder and upload its data files continuously
  upload <folder>    Upload the data files of a folder once, then exit
  unwatch <folder>   Forget a watched folder
  folders            List the watched folders
  records <folder>   List the upload records of a folder
  retry <id>         Re-enqueue a failed or finished upload record
  ignore <id>        Mark an upload record as ignored
  version            Print the version

Run "oort <command> -h" for the flags of a command.
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "watch":
		err = runWatch(os.Args[2:])
	case "upload":
		err = runUpload(os.Args[2:])
	case "unwatch":
		err = runUnwatch(os.Args[2:])
	case "folders":
		err = runFolders(os.Args[2:])
	case "records":
		err = runRecords(os.Args[2:])
	case "retry":
		err = runRetry(os.Args[2:])
	case "ignore":
		err = runIgnore(os.Args[2:])
	case "version":
		fmt.Printf("oort version %s\n", version)
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
	if err != nil {
		ui.Error("%v", err)
		os.Exit(1)
	}
}

// identityFlags registers the upload identity flags shared by the watch and
// upload commands.
func identityFlags(fs *flag.FlagSet) *identity.Identity {
	id := &identity.Identity{}
	fs.StringVar(&id.Username, "username", "", "arcsecond.io username")
	fs.StringVar(&id.UploadKey, "upload-key", "", "arcsecond.io upload key")
	fs.StringVar(&id.Organization, "organization", "", "organization subdomain (optional)")
	fs.StringVar(&id.Role, "role", "", "role within the organization (optional)")
	fs.StringVar(&id.Telescope, "telescope", "", "telescope uuid attached to the datasets (optional)")
	fs.BoolVar(&id.Zip, "zip", false, "gzip data files before upload")
	fs.StringVar(&id.APIEnvironment, "api", "main", "api environment: main, test or dev")
	return id
}

// resolveIdentity merges flags with the persisted folder section: explicit
// flags win, stored values fill the gaps, the folder marker file supplies a
// telescope as a last resort.
func resolveIdentity(cfg *identity.Config, root string, flags *identity.Identity) (identity.Identity, error) {
	id := *flags
	if section, ok := cfg.Folder(root); ok {
		if id.Username == "" {
			id.Username = section.Identity.Username
		}
		if id.UploadKey == "" {
			id.UploadKey = section.Identity.UploadKey
		}
		if id.Organization == "" {
			id.Organization = section.Identity.Organization
		}
		if id.Role == "" {
			id.Role = section.Identity.Role
		}
		if id.Telescope == "" {
			id.Telescope = section.Identity.Telescope
		}
		if !id.Zip {
			id.Zip = section.Identity.Zip
		}
		if id.APIEnvironment == "" || id.APIEnvironment == "main" {
			if section.Identity.APIEnvironment != "" {
				id.APIEnvironment = section.Identity.APIEnvironment
			}
		}
	}
	if id.Telescope == "" {
		id.Telescope = identity.LookForTelescopeUUID(root)
	}
	if id.Username == "" {
		return id, errors.New("-username is required the first time a folder is used")
	}
	if id.UploadKey == "" {
		return id, errors.New("-upload-key is required the first time a folder is used")
	}
	return id, nil
}

// pipelineFor assembles the store, remote collaborators and engine for one
// root folder. With dryRun set the remote side is replaced by in-memory
// fakes and the records go to a throwaway database.
func pipelineFor(root string, id identity.Identity, dryRun bool, logger *slog.Logger) (*observer.Engine, *store.Store, error) {
	dbPath, err := identity.DatabaseFilePath()
	if err != nil {
		return nil, nil, err
	}
	if dryRun {
		dir, err := os.MkdirTemp("", "oort-dry-run-")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create dry-run workspace: %w", err)
		}
		dbPath = filepath.Join(dir, "uploads.db")
	}

	notifier := store.NewChannelNotifier(256)
	st, err := store.Open(dbPath, store.WithNotifier(notifier), store.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	go func() {
		for u := range notifier.Updates() {
			ui.Record(u)
		}
	}()

	var datasets, datafiles, telescopes archive.API
	var transfers archive.TransferFactory
	if dryRun {
		datasets = archive.NewFakeAPI()
		datafiles = archive.NewFakeAPI()
		telescopes = archive.NewFakeAPI()
		transfers = &archive.FakeTransferFactory{}
	} else {
		var clientOpts []archive.ClientOption
		if id.Organization != "" {
			clientOpts = append(clientOpts, archive.WithOrganization(id.Organization))
		}
		client := archive.NewClient(id.APIEnvironment, id.UploadKey, clientOpts...)
		datasets = client.Collection("datasets")
		datafiles = client.Collection("datafiles")
		telescopes = client.Collection("telescopes")
		transfers = archive.NewTransferFactory(client)
	}

	prep := preparator.New(st, datasets,
		preparator.WithTelescopes(telescopes),
		preparator.WithLogger(logger))
	up := uploader.New(st, datafiles, transfers,
		uploader.WithLogger(logger),
		uploader.WithVersion(version))

	engine, err := observer.New(root, id, st, prep, up, observer.WithLogger(logger))
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return engine, st, nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	id := identityFlags(fs)
	dryRun := fs.Bool("dry-run", false, "upload against an in-memory archive, touching nothing remote")
	verbose := fs.Bool("verbose", false, "show detailed logs")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return errors.New("watch needs at least one folder argument")
	}

	logger := newLogger(*verbose)
	configPath, err := identity.ConfigFilePath()
	if err != nil {
		return err
	}
	cfg, err := identity.LoadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)
	for _, folder := range fs.Args() {
		root, err := filepath.Abs(folder)
		if err != nil {
			return err
		}
		resolved, err := resolveIdentity(cfg, root, id)
		if err != nil {
			return fmt.Errorf("%s: %w", root, err)
		}
		if !*dryRun {
			cfg.AddFolder(root, resolved)
		}

		engine, st, err := pipelineFor(root, resolved, *dryRun, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		ui.Info("watching %s as %s", root, resolved.Username)
		group.Go(func() error {
			err := engine.Watch(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if !*dryRun {
		if err := cfg.Save(configPath); err != nil {
			return err
		}
	}
	return group.Wait()
}

func runUpload(args []string) error {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	id := identityFlags(fs)
	dryRun := fs.Bool("dry-run", false, "upload against an in-memory archive, touching nothing remote")
	verbose := fs.Bool("verbose", false, "show detailed logs")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("upload needs exactly one folder argument")
	}

	logger := newLogger(*verbose)
	configPath, err := identity.ConfigFilePath()
	if err != nil {
		return err
	}
	cfg, err := identity.LoadConfig(configPath)
	if err != nil {
		return err
	}

	root, err := filepath.Abs(fs.Arg(0))
	if err != nil {
		return err
	}
	resolved, err := resolveIdentity(cfg, root, id)
	if err != nil {
		return err
	}

	engine, st, err := pipelineFor(root, resolved, *dryRun, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := signalContext()
	defer cancel()

	ui.Header("Uploading " + root)
	result, err := engine.RunOnce(ctx)
	if err != nil {
		return err
	}
	if result.Failed > 0 {
		ui.Warning("%d of %d files failed, run again to retry", result.Failed, result.Discovered)
		return fmt.Errorf("%d files failed", result.Failed)
	}
	ui.Success("%d files processed", result.Succeeded)
	return nil
}

func runUnwatch(args []string) error {
	fs := flag.NewFlagSet("unwatch", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("unwatch needs exactly one folder argument")
	}
	configPath, err := identity.ConfigFilePath()
	if err != nil {
		return err
	}
	cfg, err := identity.LoadConfig(configPath)
	if err != nil {
		return err
	}
	root, err := filepath.Abs(fs.Arg(0))
	if err != nil {
		return err
	}
	if !cfg.RemoveFolder(root) {
		return fmt.Errorf("folder %s is not watched", root)
	}
	if err := cfg.Save(configPath); err != nil {
		return err
	}
	ui.Success("stopped watching %s", root)
	return nil
}

func runFolders(args []string) error {
	fs := flag.NewFlagSet("folders", flag.ExitOnError)
	fs.Parse(args)
	configPath, err := identity.ConfigFilePath()
	if err != nil {
		return err
	}
	cfg, err := identity.LoadConfig(configPath)
	if err != nil {
		return err
	}
	sections := cfg.SortedFolders()
	if len(sections) == 0 {
		ui.Info("no folders watched yet")
		return nil
	}
	for _, section := range sections {
		ui.Folder(identity.FolderKey(section.Path), section.Path)
	}
	return nil
}

func runRecords(args []string) error {
	fs := flag.NewFlagSet("records", flag.ExitOnError)
	pending := fs.Bool("pending", false, "show only records awaiting upload")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("records needs exactly one folder argument")
	}
	root, err := filepath.Abs(fs.Arg(0))
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	var records []*store.Upload
	if *pending {
		records, err = st.ListPending(root, 0)
	} else {
		records, err = st.List(root)
	}
	if err != nil {
		return err
	}
	for _, u := range records {
		ui.Record(u)
	}
	return nil
}

func runRetry(args []string) error {
	fs := flag.NewFlagSet("retry", flag.ExitOnError)
	fs.Parse(args)
	id, err := recordID(fs)
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	u, err := st.Restart(id)
	if err != nil {
		return err
	}
	ui.Success("record #%d re-enqueued, next pass over %s will pick it up", u.ID, filepath.Dir(u.FilePath))
	return nil
}

func runIgnore(args []string) error {
	fs := flag.NewFlagSet("ignore", flag.ExitOnError)
	fs.Parse(args)
	id, err := recordID(fs)
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	u, err := st.Ignore(id)
	if err != nil {
		return err
	}
	ui.Success("record #%d ignored (%s)", u.ID, u.FilePath)
	return nil
}

func recordID(fs *flag.FlagSet) (int64, error) {
	if fs.NArg() != 1 {
		return 0, errors.New("a record id argument is required")
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid record id %q", fs.Arg(0))
	}
	return id, nil
}

func openStore() (*store.Store, error) {
	dbPath, err := identity.DatabaseFilePath()
	if err != nil {
		return nil, err
	}
	return store.Open(dbPath)
}
