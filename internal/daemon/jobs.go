package daemon

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/jsherman999/keyspider/internal/spider"
	"github.com/jsherman999/keyspider/internal/store"
)

// pollJobs claims pending scan jobs and runs them one at a time. The
// claim is an atomic status flip, so several daemons can share a queue.
func (d *Daemon) pollJobs(ctx context.Context) {
	tick := time.NewTicker(seconds(d.cfg.Spider.JobPollInterval))
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		for {
			job, err := d.st.ClaimPendingJob(ctx)
			if errors.Is(err, store.ErrNotFound) {
				break
			}
			if err != nil {
				log.Printf("[daemon] claim job: %v", err)
				break
			}
			d.runJob(ctx, job)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// runJob executes one claimed crawl. Progress is persisted after every
// server, and a cancel request observed there stops the crawl.
func (d *Daemon) runJob(ctx context.Context, job *store.ScanJob) {
	log.Printf("[daemon] job %s started: type=%s seed=%s depth=%d",
		job.ID, job.JobType, job.Seed, job.MaxDepth)

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A server job rescans the seed alone; depth 0 means exactly that.
	depth := job.MaxDepth
	if job.JobType == store.JobTypeServer {
		depth = 0
	}

	prog, err := d.engine.Run(jobCtx, spider.Options{
		Seed:  job.Seed,
		Depth: depth,
		OnProgress: func(p spider.Progress) {
			if uerr := d.st.UpdateJobProgress(ctx, job.ID, jobProgress(p)); uerr != nil {
				log.Printf("[daemon] job %s progress: %v", job.ID, uerr)
			}
			cur, jerr := d.st.JobByID(ctx, job.ID)
			if jerr == nil && cur.Status == store.JobCancelled {
				cancel()
			}
		},
	})

	_ = d.st.UpdateJobProgress(ctx, job.ID, jobProgress(prog))

	switch {
	case err == nil:
		if ferr := d.st.FinishJob(ctx, job.ID, store.JobCompleted, ""); ferr != nil {
			log.Printf("[daemon] finish job %s: %v", job.ID, ferr)
		}
		log.Printf("[daemon] job %s completed: servers=%d events=%d keys=%d unreachable=%d errors=%d",
			job.ID, prog.ServersScanned, prog.EventsParsed, prog.KeysFound,
			prog.UnreachableFound, prog.Errors)
	case errors.Is(err, context.Canceled) && ctx.Err() == nil:
		// Cancelled via CancelJob; FinishJob already recorded it.
		log.Printf("[daemon] job %s cancelled after %d servers", job.ID, prog.ServersScanned)
	default:
		if ferr := d.st.FinishJob(ctx, job.ID, store.JobFailed, err.Error()); ferr != nil {
			log.Printf("[daemon] finish job %s: %v", job.ID, ferr)
		}
		log.Printf("[daemon] job %s failed: %v", job.ID, err)
	}
}

func jobProgress(p spider.Progress) store.JobProgress {
	return store.JobProgress{
		ServersScanned:   p.ServersScanned,
		EventsParsed:     p.EventsParsed,
		KeysFound:        p.KeysFound,
		UnreachableFound: p.UnreachableFound,
		Errors:           p.Errors,
		QueueSize:        p.QueueSize,
		CurrentServer:    p.Current,
	}
}
