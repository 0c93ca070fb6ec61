// Command reconcile scans a directory of ID card images against one
// organization's customers, optionally commits the matches, and writes the
// failure report.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/feichai0017/document-reconciler/config"
	"github.com/feichai0017/document-reconciler/internal/bootstrap"
	"github.com/feichai0017/document-reconciler/internal/models"
	"github.com/feichai0017/document-reconciler/internal/report"
	"github.com/feichai0017/document-reconciler/internal/service/reconcile"
)

// 每批读入内存的文件数
const intakeBatch = 50

type options struct {
	dir    string
	org    string
	out    string
	commit bool
	resume bool
}

func main() {
	var opts options
	flag.StringVar(&opts.dir, "dir", "", "directory of card images")
	flag.StringVar(&opts.org, "org", "", "organization id")
	flag.StringVar(&opts.out, "report", "", "report path, .csv or .xlsx (default reconciliation_report_<time>.csv)")
	flag.BoolVar(&opts.commit, "commit", false, "upload matched cards after the run")
	flag.BoolVar(&opts.resume, "resume", false, "resume from the last checkpoint instead of reading -dir")
	flag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, "reconcile:", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	if opts.org == "" || (opts.dir == "" && !opts.resume) {
		flag.Usage()
		return fmt.Errorf("-org and one of -dir or -resume are required")
	}

	cfg, err := config.GetPipelineConfig()
	if err != nil {
		return err
	}
	log, err := bootstrap.NewLogger(cfg.Log, "")
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := context.Background()
	app, err := bootstrap.New(ctx, cfg, log, bootstrap.Options{
		Session: []reconcile.Option{reconcile.WithProgress(printProgress)},
	})
	if err != nil {
		return err
	}
	defer app.Close()
	session := app.Session

	n, err := session.LoadRegistry(ctx, opts.org)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "loaded %d customers for %s\n", n, opts.org)

	if opts.resume {
		offer, err := session.Restore(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "resuming %d tasks saved at %s\n", offer.Tasks, offer.SavedAt.Format(time.RFC3339))
	} else if err := intakeDir(ctx, session, opts.dir); err != nil {
		return err
	}

	// Ctrl-C 停止调度, 已完成的任务保留在检查点中
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		if _, ok := <-sigChan; ok {
			fmt.Fprintln(os.Stderr, "\nstopping after the current wave...")
			session.Stop()
		}
	}()

	progress, err := session.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "\nprocessed %d/%d: %d matched, %d failed\n",
		progress.Processed, progress.Total, progress.Successful, progress.Failed)

	if opts.commit && !progress.Stopped {
		summary, err := session.Commit(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "committed %d (%d merged), %d failed\n", summary.Committed, summary.Merged, summary.Failed)
	}

	return writeReport(session, opts.out)
}

func intakeDir(ctx context.Context, session reconcile.Service, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var batch []reconcile.File
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		res, err := session.Intake(ctx, batch)
		if err != nil {
			return err
		}
		for _, r := range res.Rejected {
			fmt.Fprintf(os.Stderr, "skipped %s: %s\n", r.FileName, r.Reason)
		}
		batch = batch[:0]
		return nil
	}

	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		batch = append(batch, reconcile.File{Name: e.Name(), Data: data})
		if len(batch) == intakeBatch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

func writeReport(session reconcile.Service, path string) error {
	if path == "" {
		path = report.FileName(time.Now(), reconcile.FormatCSV)
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := session.WriteReport(f, format); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	failed := len(session.Tasks(models.StatusNotFound, models.StatusError))
	fmt.Fprintf(os.Stderr, "report written to %s (%d failed tasks)\n", path, failed)
	return nil
}

func printProgress(p models.BatchProgress, percent int) {
	state := ""
	switch {
	case p.Stopped:
		state = " stopped"
	case p.Paused:
		state = " paused"
	}
	fmt.Fprintf(os.Stderr, "\r[%3d%%] chunk %d/%d  %d/%d done  %d matched  %d failed%s",
		percent, p.CurrentChunk, p.TotalChunks, p.Processed, p.Total, p.Successful, p.Failed, state)
}

