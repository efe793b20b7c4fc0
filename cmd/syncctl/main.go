// syncctl drives bulk contact sync jobs from the command line: validate a
// CSV, send it, watch live progress, resume after a crash, retry failures,
// and export failed contacts.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ignite/crm-sync/internal/client"
	"github.com/ignite/crm-sync/internal/domain"
	"github.com/ignite/crm-sync/internal/driver"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: syncctl <command> [flags]

Commands:
  validate   Pre-flight check a contact CSV without sending
  send       Validate, confirm, and send a contact CSV; streams progress
  resume     Re-attach to the job a previous run left in flight
  retry      Re-send the failed contacts of a finished job as a new job
  status     Print a job's current snapshot
  cancel     Request cancellation of a running job
  jobs       List recent jobs
  limit      Show today's rate-limit budget

Global flags (before the command):
  -server    Sync API base URL (default http://localhost:8080, or SYNC_SERVER)
  -account   Account ID header value (or SYNC_ACCOUNT)
`)
	os.Exit(2)
}

func main() {
	serverURL := flag.String("server", envOr("SYNC_SERVER", "http://localhost:8080"), "sync API base URL")
	account := flag.String("account", os.Getenv("SYNC_ACCOUNT"), "account ID")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}

	api := client.New(*serverURL, *account)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch flag.Arg(0) {
	case "validate":
		err = cmdValidate(ctx, api, flag.Args()[1:])
	case "send":
		err = cmdSend(ctx, api, flag.Args()[1:])
	case "resume":
		err = cmdResume(ctx, api, flag.Args()[1:])
	case "retry":
		err = cmdRetry(ctx, api, flag.Args()[1:])
	case "status":
		err = cmdStatus(ctx, api, flag.Args()[1:])
	case "cancel":
		err = cmdCancel(ctx, api, flag.Args()[1:])
	case "jobs":
		err = cmdJobs(ctx, api, flag.Args()[1:])
	case "limit":
		err = cmdLimit(ctx, api)
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncctl: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func cmdValidate(ctx context.Context, api *client.Client, args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	file := fs.String("file", "", "contact CSV file (required)")
	tag := fs.String("tag", "", "campaign tag (required)")
	fs.Parse(args)

	contacts, err := loadContactsCSV(*file)
	if err != nil {
		return err
	}

	outcome, err := api.ValidateBatch(ctx, contacts, *tag)
	if err != nil {
		return err
	}
	printOutcome(outcome)
	return nil
}

func cmdSend(ctx context.Context, api *client.Client, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	file := fs.String("file", "", "contact CSV file (required)")
	tag := fs.String("tag", "", "campaign tag (required)")
	yes := fs.Bool("yes", false, "skip the confirmation prompt")
	failedOut := fs.String("failed-out", "", "write failed contacts CSV here when the job has failures")
	fs.Parse(args)

	contacts, err := loadContactsCSV(*file)
	if err != nil {
		return err
	}

	d := newDriver(api)
	return runBatch(ctx, d, contacts, *tag, *yes, *failedOut)
}

func cmdResume(ctx context.Context, api *client.Client, args []string) error {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	failedOut := fs.String("failed-out", "", "write failed contacts CSV here when the job has failures")
	fs.Parse(args)

	d := newDriver(api)
	d.OnUpdate = renderUpdate

	job, resumed, err := d.Resume(ctx)
	if err != nil {
		return err
	}
	if !resumed {
		fmt.Println("nothing to resume")
		return nil
	}
	return printResults(d, job, *failedOut)
}

func cmdRetry(ctx context.Context, api *client.Client, args []string) error {
	fs := flag.NewFlagSet("retry", flag.ExitOnError)
	jobID := fs.String("job", "", "finished job ID (required)")
	yes := fs.Bool("yes", false, "skip the confirmation prompt")
	failedOut := fs.String("failed-out", "", "write failed contacts CSV here when the retry has failures")
	fs.Parse(args)

	if *jobID == "" {
		return fmt.Errorf("-job is required")
	}
	job, err := api.GetJobStatus(ctx, *jobID)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return fmt.Errorf("job %s is still %s; retry applies to finished jobs", job.JobID, job.Status)
	}
	if len(job.FailedContacts) == 0 {
		fmt.Printf("job %s has no failed contacts\n", job.JobID)
		return nil
	}

	retry := make([]domain.ContactRecord, 0, len(job.FailedContacts))
	for _, fc := range job.FailedContacts {
		retry = append(retry, fc.ContactData)
	}
	fmt.Printf("retrying %d failed contacts from job %s\n", len(retry), job.JobID)

	d := newDriver(api)
	return runBatch(ctx, d, retry, job.CampaignTag, *yes, *failedOut)
}

func cmdStatus(ctx context.Context, api *client.Client, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	jobID := fs.String("job", "", "job ID (required)")
	fs.Parse(args)

	if *jobID == "" {
		return fmt.Errorf("-job is required")
	}
	job, err := api.GetJobStatus(ctx, *jobID)
	if err != nil {
		return err
	}
	printJob(job)
	return nil
}

func cmdCancel(ctx context.Context, api *client.Client, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	jobID := fs.String("job", "", "job ID (required)")
	fs.Parse(args)

	if *jobID == "" {
		return fmt.Errorf("-job is required")
	}
	cancelled, err := api.CancelJob(ctx, *jobID)
	if err != nil {
		return err
	}
	if cancelled {
		fmt.Println("cancellation requested; in-flight contacts will still count")
	} else {
		fmt.Println("job is not running (already terminal?)")
	}
	return nil
}

func cmdJobs(ctx context.Context, api *client.Client, args []string) error {
	fs := flag.NewFlagSet("jobs", flag.ExitOnError)
	limit := fs.Int("limit", 20, "max jobs to list")
	fs.Parse(args)

	jobs, err := api.ListJobs(ctx, *limit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("no jobs")
		return nil
	}
	for _, j := range jobs {
		fmt.Printf("%s  %-10s  %s  %d/%d processed (%d failed)\n",
			j.CreatedAt.Format("2006-01-02 15:04:05"), j.Status, j.JobID,
			j.ProcessedCount, j.TotalCount, j.FailedCount)
	}
	return nil
}

func cmdLimit(ctx context.Context, api *client.Client) error {
	snap, err := api.GetDailyLimit(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("daily limit: %d\nused today:  %d\nremaining:   %d\nlevel:       %s\nresets at:   %s\n",
		snap.DailyLimit, snap.RequestsToday, snap.Remaining, snap.WarningLevel,
		snap.ResetsAt.Local().Format("2006-01-02 15:04:05 MST"))
	return nil
}

func newDriver(api *client.Client) *driver.Driver {
	pointers, err := driver.NewPointerStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncctl: job pointer unavailable (%v); resume after crash disabled\n", err)
		pointers = nil
	}
	return driver.New(driver.APIBackend{Client: api}, pointers)
}

// runBatch walks the validate → confirm → send → results workflow.
func runBatch(ctx context.Context, d *driver.Driver, contacts []domain.ContactRecord, tag string, yes bool, failedOut string) error {
	outcome, err := d.Validate(ctx, contacts, tag)
	if err != nil {
		return err
	}
	printOutcome(outcome)
	if outcome.ValidCount == 0 {
		return fmt.Errorf("no valid contacts to send")
	}

	if !yes && !confirm(sendPrompt(outcome)) {
		d.CancelPending()
		fmt.Println("aborted")
		return nil
	}

	// Ctrl-C during the send asks the server to cancel; the stream still
	// delivers the terminal snapshot.
	go func() {
		<-ctx.Done()
		if d.State() == driver.StateSending {
			cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			d.CancelJob(cancelCtx)
		}
	}()

	d.OnUpdate = renderUpdate
	job, err := d.Send(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	return printResults(d, job, failedOut)
}

// sendPrompt describes what confirming actually does: the whole batch goes
// up, and invalid rows come back in the final tallies as failed/validation.
func sendPrompt(o *domain.ValidationOutcome) string {
	total := o.ValidCount + o.InvalidCount
	if o.InvalidCount == 0 {
		return fmt.Sprintf("send %d contacts?", total)
	}
	return fmt.Sprintf("send %d contacts? (%d invalid rows will be counted as failed/validation)",
		total, o.InvalidCount)
}

func renderUpdate(state driver.State, job *domain.JobRecord) {
	if state != driver.StateSending || job == nil {
		return
	}
	fmt.Printf("\r%d/%d processed  (created %d, updated %d, failed %d, skipped %d)   ",
		job.ProcessedCount, job.TotalCount, job.CreatedCount, job.UpdatedCount,
		job.FailedCount, job.SkippedCount)
}

func printResults(d *driver.Driver, job *domain.JobRecord, failedOut string) error {
	fmt.Println()
	if job == nil {
		return fmt.Errorf("job ended without a final snapshot")
	}
	printJob(job)

	if failedOut != "" && len(job.FailedContacts) > 0 {
		f, err := os.Create(failedOut)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := d.ExportFailedCSV(f); err != nil {
			return err
		}
		fmt.Printf("failed contacts written to %s\n", failedOut)
	}
	return nil
}

func printOutcome(o *domain.ValidationOutcome) {
	fmt.Printf("valid: %d  invalid: %d\n", o.ValidCount, o.InvalidCount)
	for _, inv := range o.Invalid {
		id := inv.Contact.ExternalID
		if id == "" {
			id = "(no external_id)"
		}
		fmt.Printf("  %s: %s\n", id, inv.Reason)
	}
}

func printJob(j *domain.JobRecord) {
	fmt.Printf("job:       %s\nstatus:    %s\ntag:       %s\nprogress:  %d/%d\ncreated:   %d\nupdated:   %d\nfailed:    %d\nskipped:   %d\n",
		j.JobID, j.Status, j.CampaignTag, j.ProcessedCount, j.TotalCount,
		j.CreatedCount, j.UpdatedCount, j.FailedCount, j.SkippedCount)
	for _, fc := range j.FailedContacts {
		fmt.Printf("  failed %s: [%s] %s\n", fc.ContactID, fc.Category, fc.Message)
	}
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
