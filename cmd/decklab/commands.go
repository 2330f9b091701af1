package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"decklab/internal/analysis"
	"decklab/internal/library"
	"decklab/internal/store"
	"decklab/internal/worker"
)

var scanCmd = &cobra.Command{
	Use:   "scan [directory...]",
	Short: "Scan library directories for audio files",
	Long: `Walks the given directories (or every registered library directory when
none are given), creates track rows for new audio files, and queues
analysis jobs for them. The jobs are dispatched next time the service
runs.`,
	RunE: runScan,
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze [file]",
	Short: "Queue analysis for a single audio file",
	Args:  cobra.ExactArgs(1),
	RunE:  runAnalyze,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a running decklab instance",
	RunE:  runStatus,
}

// offlineQueue opens the store and a queue engine without starting the
// scheduling loop: requests land in the database and are picked up by the
// running service.
func offlineQueue() (*store.Store, *analysis.Queue, error) {
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, nil, err
	}
	client := worker.NewClient(cfg.Worker, cfg.CallbackURL())
	queue, err := analysis.New(st, client, cfg.Analysis)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return st, queue, nil
}

func runScan(cmd *cobra.Command, args []string) error {
	st, queue, err := offlineQueue()
	if err != nil {
		return err
	}
	defer st.Close()

	scanner := library.NewScanner(st, queue)
	dirs := args
	if len(dirs) == 0 {
		registered, err := st.ListLibraryDirectories()
		if err != nil {
			return err
		}
		for _, d := range registered {
			dirs = append(dirs, d.Path)
		}
	}
	if len(dirs) == 0 {
		return fmt.Errorf("no directories given and none registered")
	}

	for _, dir := range dirs {
		result, err := scanner.ScanDirectory(cmd.Context(), dir)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d added, %d updated, %d unchanged, %d failed\n",
			dir, result.Added, result.Updated, result.Unchanged, result.Failed)
	}
	return nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	st, queue, err := offlineQueue()
	if err != nil {
		return err
	}
	defer st.Close()

	scanner := library.NewScanner(st, queue)
	if _, err := scanner.SyncFile(args[0]); err != nil {
		return err
	}
	track, err := st.GetTrackByPath(args[0])
	if err != nil {
		return err
	}

	job, err := queue.Request(track,
		store.AnalysisOptions{BasicFeatures: true, Characteristics: true},
		store.PriorityHigh, nil, true)
	if err != nil {
		return err
	}
	fmt.Printf("queued job %d for %s (hash %s)\n", job.ID, track.FilePath, track.ContentHash)
	return nil
}

var (
	statusTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	statusGood  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	statusBad   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	statusDim   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func runStatus(cmd *cobra.Command, args []string) error {
	base := "http://" + cfg.HTTP.ListenAddr
	client := &http.Client{Timeout: 5 * time.Second}

	fmt.Println(statusTitle.Render("decklab @ " + base))

	resp, err := client.Get(base + "/api/health")
	if err != nil {
		fmt.Println(statusBad.Render("  service: not running"))
		return nil
	}
	defer resp.Body.Close()

	var health map[string]string
	json.NewDecoder(resp.Body).Decode(&health)
	line := fmt.Sprintf("  service: %s, worker: %s, engine: %s",
		health["status"], health["worker"], health["engine"])
	if resp.StatusCode == http.StatusOK {
		fmt.Println(statusGood.Render(line))
	} else {
		fmt.Println(statusBad.Render(line))
	}

	jresp, err := client.Get(base + "/api/analysis/jobs?limit=10")
	if err != nil {
		return nil
	}
	defer jresp.Body.Close()

	var jobs struct {
		Counts   map[string]int `json:"counts"`
		InFlight int            `json:"in_flight"`
		Jobs     []struct {
			ID        int64  `json:"id"`
			TrackHash string `json:"track_hash"`
			Status    string `json:"status"`
			Progress  int    `json:"progress"`
		} `json:"jobs"`
	}
	if err := json.NewDecoder(jresp.Body).Decode(&jobs); err != nil {
		return nil
	}

	fmt.Printf("  jobs: %d in flight", jobs.InFlight)
	for _, status := range []string{"queued", "processing", "completed", "failed", "cancelled"} {
		if n := jobs.Counts[status]; n > 0 {
			fmt.Printf(", %d %s", n, status)
		}
	}
	fmt.Println()

	for _, j := range jobs.Jobs {
		line := fmt.Sprintf("  #%-4d %s  %-10s %3d%%", j.ID, j.TrackHash[:12], j.Status, j.Progress)
		fmt.Println(statusDim.Render(line))
	}
	return nil
}
