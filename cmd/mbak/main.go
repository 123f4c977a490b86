package main

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mbakio/mbak/internal/backup"
	"github.com/mbakio/mbak/internal/db"
	"github.com/mbakio/mbak/internal/storage"
	"github.com/mbakio/mbak/pkg/models"
	"github.com/mbakio/mbak/pkg/utils"
	"github.com/mbakio/mbak/pkg/version"
)

func main() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
		Usage:   "print the version",
	}

	app := &cli.App{
		Name:                 "mbak",
		Usage:                "Scheduled directory backup to a MinIO/S3 bucket",
		Version:              version.Version,
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Print detailed version information",
				Action: func(c *cli.Context) error {
					fmt.Printf("Version:    %s\n", version.Version)
					fmt.Printf("Git commit: %s\n", version.GitCommit)
					fmt.Printf("Built:      %s\n", version.BuildTime)
					return nil
				},
			},
			{
				Name:  "create",
				Usage: "Create a new backup project",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "name",
						Usage:    "Project name",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "source",
						Usage:    "Source directory to back up",
						Required: true,
					},
					&cli.StringSliceFlag{
						Name:  "exclude",
						Usage: "Exclusion pattern relative to the source root (repeatable, e.g. 'jobs/*/workspace')",
					},
					&cli.StringFlag{
						Name:     "scratch",
						Usage:    "Scratch directory for staging the archive",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "endpoint",
						Usage:    "MinIO endpoint",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "bucket",
						Usage:    "MinIO bucket name",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "prefix",
						Usage:    "Object key prefix; keys become <prefix>_<timestamp>.tar.gz",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "use-ssl",
						Usage: "Connect to the endpoint over TLS",
						Value: true,
					},
					&cli.BoolFlag{
						Name:  "cleanup-on-failure",
						Usage: "Remove the scratch directory even when the upload fails",
						Value: true,
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "Per-run timeout for archiving and uploading",
						Value: time.Hour,
					},
				},
				Action: createProject,
			},
			{
				Name:  "backup",
				Usage: "Run one backup: prepare, archive, upload, clean up",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "project",
						Usage:    "Project name",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "keep-on-failure",
						Usage: "Override the project policy and keep the archive if the upload fails",
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "Override the project's per-run timeout",
					},
					accessKeyFlag(),
					secretKeyFlag(),
				},
				Action: runBackup,
			},
			{
				Name:  "restore",
				Usage: "Download a backup archive and extract it",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "project",
						Usage:    "Project name",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "timestamp",
						Usage: "Run timestamp (YYYYMMDD_HHMMSS) to restore",
					},
					&cli.StringFlag{
						Name:  "key",
						Usage: "Explicit object key to restore (overrides --timestamp)",
					},
					&cli.StringFlag{
						Name:     "dest",
						Usage:    "Destination directory for extracted files",
						Required: true,
					},
					accessKeyFlag(),
					secretKeyFlag(),
				},
				Action: runRestore,
			},
			{
				Name:  "history",
				Usage: "List recorded backup runs",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "project",
						Usage:    "Project name",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of runs to list",
						Value: 20,
					},
				},
				Action: showHistory,
			},
			{
				Name:  "status",
				Usage: "Show project settings and run statistics",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "project",
						Usage:    "Project name",
						Required: true,
					},
				},
				Action: showStatus,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func accessKeyFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "access-key",
		Usage:   "MinIO access key",
		EnvVars: []string{"MBAK_ACCESS_KEY"},
	}
}

func secretKeyFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "secret-key",
		Usage:   "MinIO secret key",
		EnvVars: []string{"MBAK_SECRET_KEY"},
	}
}

func openDB(projectName string) (*db.DB, error) {
	return db.New(projectName + ".db")
}

// createProject persists a new backup project. Credentials are deliberately
// not part of the project record; they are resolved from the environment at
// backup/restore time.
func createProject(c *cli.Context) error {
	project := &models.Project{
		Name:             c.String("name"),
		SourcePath:       c.String("source"),
		Exclusions:       c.StringSlice("exclude"),
		ScratchDir:       c.String("scratch"),
		CleanupOnFailure: c.Bool("cleanup-on-failure"),
		Timeout:          c.Duration("timeout"),
	}
	project.Destination.Endpoint = c.String("endpoint")
	project.Destination.Bucket = c.String("bucket")
	project.Destination.Prefix = strings.Trim(c.String("prefix"), "/")
	project.Destination.UseSSL = c.Bool("use-ssl")

	if err := backup.ValidateProject(project); err != nil {
		return cli.Exit(err.Error(), backup.ExitCode(err))
	}

	database, err := openDB(project.Name)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	if err := database.CreateProject(project); err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}

	fmt.Printf("Project '%s' created successfully\n", project.Name)
	return nil
}

func loadProject(c *cli.Context) (*db.DB, *models.Project, error) {
	database, err := openDB(c.String("project"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	project, err := database.GetProject(c.String("project"))
	if err != nil {
		database.Close()
		return nil, nil, err
	}
	return database, project, nil
}

func resolveStorage(c *cli.Context, project *models.Project) (*storage.MinioStorage, error) {
	creds := models.Credentials{
		AccessKey: c.String("access-key"),
		SecretKey: c.String("secret-key"),
	}
	if err := backup.ValidateCredentials(creds); err != nil {
		return nil, err
	}
	return storage.New(storage.Config{
		Endpoint:     project.Destination.Endpoint,
		Bucket:       project.Destination.Bucket,
		UseSSL:       project.Destination.UseSSL,
		Creds:        creds,
		ShowProgress: true,
	})
}

func runBackup(c *cli.Context) error {
	database, project, err := loadProject(c)
	if err != nil {
		return err
	}
	defer database.Close()

	if c.Bool("keep-on-failure") {
		project.CleanupOnFailure = false
	}
	if c.Duration("timeout") > 0 {
		project.Timeout = c.Duration("timeout")
	}

	stg, err := resolveStorage(c, project)
	if err != nil {
		return cli.Exit(err.Error(), backup.ExitCode(err))
	}

	runner, err := backup.NewRunner(database, stg, project)
	if err != nil {
		return cli.Exit(err.Error(), backup.ExitCode(err))
	}

	record, err := runner.Run(c.Context)
	if err != nil {
		return cli.Exit(fmt.Sprintf("backup run %s failed: %v", record.Timestamp, err), backup.ExitCode(err))
	}

	fmt.Printf("Backup completed: uploaded %s (%s) in %s\n",
		record.ObjectKey,
		utils.FormatSize(record.ArchiveSize),
		utils.FormatDuration(record.Duration))
	return nil
}

func runRestore(c *cli.Context) error {
	database, project, err := loadProject(c)
	if err != nil {
		return err
	}
	defer database.Close()

	key := c.String("key")
	if key == "" {
		timestamp := c.String("timestamp")
		if timestamp == "" {
			return cli.Exit("either --timestamp or --key is required", backup.ExitConfig)
		}
		if _, err := time.Parse(backup.TimestampLayout, timestamp); err != nil {
			return cli.Exit(fmt.Sprintf("bad timestamp %q: expected %s", timestamp, backup.TimestampLayout), backup.ExitConfig)
		}
		key = backup.ObjectKey(project.Destination.Prefix, timestamp)
	}

	stg, err := resolveStorage(c, project)
	if err != nil {
		return cli.Exit(err.Error(), backup.ExitCode(err))
	}

	restorer, err := backup.NewRestorer(stg, project)
	if err != nil {
		return cli.Exit(err.Error(), backup.ExitCode(err))
	}

	if err := restorer.Restore(c.Context, key, c.String("dest")); err != nil {
		return cli.Exit(fmt.Sprintf("restore of %s failed: %v", key, err), backup.ExitCode(err))
	}

	fmt.Printf("Restored %s into %s\n", key, c.String("dest"))
	return nil
}

func showHistory(c *cli.Context) error {
	database, project, err := loadProject(c)
	if err != nil {
		return err
	}
	defer database.Close()

	runs, err := database.ListRuns(project.Name, c.Int("limit"))
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}

	for _, run := range runs {
		line := fmt.Sprintf("%s  %-8s  %s  %s  %s",
			run.Timestamp,
			run.State,
			run.ObjectKey,
			utils.FormatSize(run.ArchiveSize),
			utils.FormatDuration(run.Duration))
		if run.Error != "" {
			line += "  error: " + run.Error
		}
		if run.KeptArchive != "" {
			line += "  kept: " + run.KeptArchive
		}
		fmt.Println(line)
	}
	return nil
}

func showStatus(c *cli.Context) error {
	database, project, err := loadProject(c)
	if err != nil {
		return err
	}
	defer database.Close()

	stats, err := database.GetStats(project.Name)
	if err != nil {
		return err
	}

	fmt.Printf("Project: %s\n", project.Name)
	fmt.Printf("Source Path: %s\n", project.SourcePath)
	fmt.Printf("Exclusions: %s\n", strings.Join(project.Exclusions, ", "))
	fmt.Printf("Scratch Dir: %s\n", project.ScratchDir)
	fmt.Printf("Destination: %s/%s (prefix %s)\n",
		project.Destination.Endpoint, project.Destination.Bucket, project.Destination.Prefix)
	fmt.Printf("Cleanup on Failure: %v\n", project.CleanupOnFailure)
	fmt.Printf("Timeout: %s\n", project.Timeout)
	fmt.Printf("Total Runs: %d (succeeded: %d, failed: %d)\n",
		stats.TotalRuns, stats.CleanedRuns, stats.FailedRuns)
	fmt.Printf("Uploaded: %s\n", utils.FormatSize(stats.UploadedSize))
	if stats.LastTimestamp != "" {
		fmt.Printf("Last Run: %s (%s)\n", stats.LastTimestamp, stats.LastState)
	}
	return nil
}
