package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kilnmedia/kiln/internal/cachefolder"
	"github.com/kilnmedia/kiln/internal/config"
	"github.com/kilnmedia/kiln/internal/queue"
	"github.com/kilnmedia/kiln/internal/store"
	"github.com/kilnmedia/kiln/internal/worker"
	"github.com/kilnmedia/kiln/pkg/utils"
)

var (
	Version   = "0.4.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	verbose    bool

	libName     string
	libPath     string
	libAutoScan bool
	libCron     string

	scanOverwrite bool
	scanNoResume  bool

	bulkLibrary   string
	bulkPrefix    string
	bulkOverwrite bool
	bulkAutoAdd   bool
	bulkNoScan    bool

	jobsType   string
	jobsStatus string
	jobsLimit  int

	folderName     string
	folderPath     string
	folderMaxSize  string
	folderPriority int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kilnctl",
	Short: "Admin CLI for the kiln media pipeline",
	Long: `kilnctl manages libraries, cache folders and background jobs of a
running kiln worker fleet. It talks to the same database and broker as
the daemon; commands that emit work are picked up by kilnd workers.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
}

var libraryCmd = &cobra.Command{
	Use:   "library",
	Short: "Manage libraries",
}

var libraryAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a library root",
	RunE: func(cmd *cobra.Command, args []string) error {
		if libName == "" || libPath == "" {
			return fmt.Errorf("both --name and --path are required")
		}
		_, st, _, err := open(false)
		if err != nil {
			return err
		}
		defer st.Close()

		lib := &store.Library{
			Name:           libName,
			RootPath:       libPath,
			AutoScan:       libAutoScan,
			CronExpression: libCron,
		}
		if err := st.CreateLibrary(context.Background(), lib); err != nil {
			return err
		}
		fmt.Printf("Library %s created (%s)\n", lib.Name, lib.ID)
		if lib.AutoScan {
			fmt.Printf("Scheduled scans enabled: %s\n", lib.CronExpression)
		}
		return nil
	},
}

var libraryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List libraries",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, _, err := open(false)
		if err != nil {
			return err
		}
		defer st.Close()

		libs, err := st.ListLibraries(context.Background())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tROOT\tAUTO SCAN")
		for _, lib := range libs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", lib.ID, lib.Name, lib.RootPath, lib.AutoScan)
		}
		return w.Flush()
	},
}

var libraryScanCmd = &cobra.Command{
	Use:   "scan <library-id>",
	Short: "Trigger a full library run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, pub, err := open(true)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := context.Background()
		if _, err := st.GetLibrary(ctx, args[0]); err != nil {
			return err
		}
		resume := !scanOverwrite && !scanNoResume
		job, err := st.CreateJob(ctx, store.JobTypeLibraryScan, store.JobParams{
			LibraryID:         args[0],
			OverwriteExisting: scanOverwrite,
			ResumeIncomplete:  resume,
		}, []string{worker.StageDispatch})
		if err != nil {
			return err
		}
		if err := pub.EnqueueLibraryScan(ctx, queue.LibraryScanPayload{
			JobID:             job.ID,
			LibraryID:         args[0],
			OverwriteExisting: scanOverwrite,
			ResumeIncomplete:  resume,
		}); err != nil {
			return err
		}
		fmt.Printf("Library run queued (job %s)\n", job.ID)
		return nil
	},
}

var bulkAddCmd = &cobra.Command{
	Use:   "bulk-add <root-path>",
	Short: "Ingest every folder or archive one level under a root",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if bulkLibrary == "" {
			return fmt.Errorf("--library is required")
		}
		_, st, pub, err := open(true)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := context.Background()
		if _, err := st.GetLibrary(ctx, bulkLibrary); err != nil {
			return err
		}
		job, err := st.CreateJob(ctx, store.JobTypeBulkAdd, store.JobParams{
			LibraryID:         bulkLibrary,
			RootPath:          args[0],
			Prefix:            bulkPrefix,
			OverwriteExisting: bulkOverwrite,
			AutoAdd:           bulkAutoAdd,
			TriggerScan:       !bulkNoScan,
		}, []string{worker.StageDiscover})
		if err != nil {
			return err
		}
		if err := pub.EnqueueBulkAdd(ctx, queue.BulkAddPayload{
			JobID:             job.ID,
			LibraryID:         bulkLibrary,
			RootPath:          args[0],
			Prefix:            bulkPrefix,
			OverwriteExisting: bulkOverwrite,
			AutoAdd:           bulkAutoAdd,
			TriggerScan:       !bulkNoScan,
		}); err != nil {
			return err
		}
		fmt.Printf("Bulk add queued (job %s)\n", job.ID)
		return nil
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage background jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List background jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, _, err := open(false)
		if err != nil {
			return err
		}
		defer st.Close()

		jobs, err := st.ListJobs(context.Background(), store.JobType(jobsType), store.JobStatus(jobsStatus), jobsLimit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tPROGRESS\tSTAGES\tERROR")
		for i := range jobs {
			j := &jobs[i]
			stages := ""
			for _, s := range j.Stages {
				if stages != "" {
					stages += " "
				}
				stages += fmt.Sprintf("%s:%d/%d", s.Name, s.CompletedItems+s.FailedItems, s.TotalItems)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
				j.ID, j.JobType, j.Status, j.CompletedItems+j.FailedItems, j.TotalItems, stages, j.ErrorMessage)
		}
		return w.Flush()
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, _, err := open(false)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.CancelJob(context.Background(), args[0]); err != nil {
			if err == store.ErrInvalidTransition {
				return fmt.Errorf("job %s is already terminal", args[0])
			}
			return err
		}
		fmt.Printf("Job %s cancelled; in-flight work drains on its own\n", args[0])
		return nil
	},
}

var foldersCmd = &cobra.Command{
	Use:   "folders",
	Short: "Manage cache folders",
}

var foldersAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a cache folder",
	RunE: func(cmd *cobra.Command, args []string) error {
		if folderName == "" || folderPath == "" || folderMaxSize == "" {
			return fmt.Errorf("--name, --path and --max-size are required")
		}
		maxBytes, err := utils.ParseSize(folderMaxSize)
		if err != nil {
			return err
		}
		if folderPriority < 0 {
			return fmt.Errorf("priority must not be negative")
		}
		_, st, _, err := open(false)
		if err != nil {
			return err
		}
		defer st.Close()

		f := &store.CacheFolder{
			Name:         folderName,
			Path:         folderPath,
			Priority:     folderPriority,
			MaxSizeBytes: maxBytes,
			IsActive:     true,
		}
		if err := st.CreateCacheFolder(context.Background(), f); err != nil {
			return err
		}
		fmt.Printf("Cache folder %s created (%s, %s)\n", f.Name, f.ID, utils.FormatBytes(f.MaxSizeBytes))
		return nil
	},
}

var foldersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cache folders",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, _, err := open(false)
		if err != nil {
			return err
		}
		defer st.Close()

		folders, err := st.ListCacheFolders(context.Background())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tPATH\tPRIORITY\tUSED\tBUDGET\tACTIVE")
		for i := range folders {
			f := &folders[i]
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%v\n",
				f.ID, f.Name, f.Path, f.Priority,
				utils.FormatBytes(f.CurrentSizeBytes), utils.FormatBytes(f.MaxSizeBytes), f.IsActive)
		}
		return w.Flush()
	},
}

var foldersRecalcCmd = &cobra.Command{
	Use:   "recalc <folder-id>",
	Short: "Recompute a folder's accounted size from disk",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, _, err := open(false)
		if err != nil {
			return err
		}
		defer st.Close()

		registry := cachefolder.New(st, newLogger().WithField("component", "cachefolder"))
		size, err := registry.Recalculate(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Folder %s now accounts %s\n", args[0], utils.FormatBytes(size))
		return nil
	},
}

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Manage scheduled library scans",
}

var schedulerRebindCmd = &cobra.Command{
	Use:   "rebind [scheduled-job-id]",
	Short: "Clear runtime bindings so the daemon re-creates them",
	Long: `Clears the external binding of one scheduled job, or of every
enabled one when no id is given. The daemon's orphan sweep picks the
records up on its next pass and binds fresh cron entries.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, _, err := open(false)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := context.Background()
		if len(args) == 1 {
			if err := st.UnbindScheduledJob(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Scheduled job %s unbound; daemon will re-bind it\n", args[0])
			return nil
		}

		jobs, err := st.ListScheduledJobs(ctx, true)
		if err != nil {
			return err
		}
		for i := range jobs {
			if err := st.UnbindScheduledJob(ctx, jobs[i].ID); err != nil {
				return err
			}
		}
		fmt.Printf("%d scheduled jobs unbound; daemon will re-bind them\n", len(jobs))
		return nil
	},
}

// open loads config and connects the store, plus the broker publisher
// when withBroker is set.
func open(withBroker bool) (*config.Config, *store.Store, queue.Publisher, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	var pub queue.Publisher
	if withBroker {
		pub = queue.NewClient(cfg.Redis, cfg.Worker)
	}
	return cfg, st, pub, nil
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	libraryAddCmd.Flags().StringVar(&libName, "name", "", "Library name")
	libraryAddCmd.Flags().StringVar(&libPath, "path", "", "Library root path")
	libraryAddCmd.Flags().BoolVar(&libAutoScan, "auto-scan", false, "Create a scheduled scan")
	libraryAddCmd.Flags().StringVar(&libCron, "cron", "0 3 * * *", "Cron expression for scheduled scans")

	libraryScanCmd.Flags().BoolVar(&scanOverwrite, "overwrite", false, "Discard existing artifacts and regenerate")
	libraryScanCmd.Flags().BoolVar(&scanNoResume, "no-resume", false, "Re-emit work even for artifacts already on disk")

	bulkAddCmd.Flags().StringVar(&bulkLibrary, "library", "", "Library to ingest into")
	bulkAddCmd.Flags().StringVar(&bulkPrefix, "prefix", "", "Name prefix for created collections")
	bulkAddCmd.Flags().BoolVar(&bulkOverwrite, "overwrite", false, "Discard existing artifacts and regenerate")
	bulkAddCmd.Flags().BoolVar(&bulkAutoAdd, "auto-add", false, "Also rescan collections that already exist")
	bulkAddCmd.Flags().BoolVar(&bulkNoScan, "no-scan", false, "Register collections without scanning them")

	jobsListCmd.Flags().StringVar(&jobsType, "type", "", "Filter by job type")
	jobsListCmd.Flags().StringVar(&jobsStatus, "status", "", "Filter by status")
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 50, "Maximum jobs to list")

	foldersAddCmd.Flags().StringVar(&folderName, "name", "", "Folder name")
	foldersAddCmd.Flags().StringVar(&folderPath, "path", "", "Folder path on disk")
	foldersAddCmd.Flags().StringVar(&folderMaxSize, "max-size", "", "Size budget, e.g. 100GB")
	foldersAddCmd.Flags().IntVar(&folderPriority, "priority", 0, "Selection weight (0 = last resort)")

	libraryCmd.AddCommand(libraryAddCmd, libraryListCmd, libraryScanCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsCancelCmd)
	foldersCmd.AddCommand(foldersAddCmd, foldersListCmd, foldersRecalcCmd)
	schedulerCmd.AddCommand(schedulerRebindCmd)
	rootCmd.AddCommand(libraryCmd, bulkAddCmd, jobsCmd, foldersCmd, schedulerCmd, repairCmd)
}
