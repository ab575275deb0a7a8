package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/procedures/internal/config"
	"github.com/aristath/procedures/internal/events"
	"github.com/aristath/procedures/internal/orchestrator"
	"github.com/aristath/procedures/internal/process"
	"github.com/aristath/procedures/internal/tui"
)

func main() {
	os.Exit(run())
}

// run wires the components and returns the exit code.
func run() int {
	headless := flag.Bool("headless", false, "run without the terminal monitor")
	journal := flag.Bool("journal", false, "record the run in the journal")
	verbose := flag.Bool("verbose", false, "log every task lifecycle event")
	flag.Parse()

	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Create Manager for subprocess tracking
	pm := process.NewManager()

	// Load configuration
	cfg, err := config.LoadDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}
	if *journal {
		cfg.Journal.Enabled = true
	}
	if *verbose {
		cfg.Log.Verbose = true
	}

	logger := log.New(os.Stderr, cfg.Log.Prefix, log.LstdFlags)
	if !*headless {
		// Log lines would tear the alternate screen
		logger.SetOutput(io.Discard)
		log.SetOutput(io.Discard)
	}

	bus := events.NewEventBus()
	defer bus.Close()

	runner, err := orchestrator.NewRunner(ctx, orchestrator.RunnerConfig{
		Config:    cfg,
		Bus:       bus,
		Logger:    logger,
		Processes: pm,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer func() {
		if err := runner.Close(context.Background()); err != nil {
			log.Printf("ERROR: %v", err)
		}
	}()

	tasks := buildDemo(runner)

	if *headless {
		results, err := runner.Run(ctx, tasks...)
		if err := pm.KillAll(); err != nil {
			log.Printf("ERROR: killing subprocesses: %v", err)
		}
		return report(os.Stdout, results, err)
	}

	// Determine config paths
	homeDir, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error getting home directory: %v\n", err)
		return 1
	}
	globalPath := filepath.Join(homeDir, ".procedures", "config.yaml")
	projectPath := filepath.Join(".procedures", "config.yaml")

	model := tui.New(bus, runner.Scheduler(), cfg, globalPath, projectPath)

	// Start Bubble Tea program in a goroutine so main can handle shutdown
	p := tea.NewProgram(model, tea.WithAltScreen())

	errChan := make(chan error, 1)
	go func() {
		_, err := p.Run()
		errChan <- err
	}()

	// Run the graph alongside the monitor; the monitor stays open until quit
	go runner.Run(ctx, tasks...)

	select {
	case err := <-errChan:
		// Normal TUI exit (user pressed 'q')
		runner.Scheduler().CancelAll(tui.ErrCancelledFromUI)
		if err := pm.KillAll(); err != nil {
			log.Printf("ERROR: killing subprocesses: %v", err)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	case <-ctx.Done():
		// Restore default signal handling (double Ctrl+C = force exit)
		stop()

		log.Println("Shutdown signal received, cleaning up...")

		if err := pm.KillAll(); err != nil {
			log.Printf("ERROR: killing subprocesses: %v", err)
		}

		p.Quit()

		// Wait for TUI to exit with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		select {
		case err := <-errChan:
			if err != nil {
				log.Printf("TUI exit error: %v", err)
			}
		case <-shutdownCtx.Done():
			log.Println("Shutdown timeout exceeded, forcing exit")
		}
	}

	log.Println("Shutdown complete")
	return 0
}

// report prints one line per task and returns the process exit code.
func report(w io.Writer, results []orchestrator.TaskResult, runErr error) int {
	code := 0
	for _, res := range results {
		status := "ok"
		switch {
		case res.Cancelled:
			status = "cancelled"
		case !res.Success:
			status = "failed"
			code = 1
		}
		fmt.Fprintf(w, "%-12s %-10s %v\n", res.Name, status, res.Duration.Round(time.Millisecond))
		for _, err := range res.Errors {
			fmt.Fprintf(w, "    %v\n", err)
		}
	}
	if runErr != nil {
		fmt.Fprintf(w, "run interrupted: %v\n", runErr)
		code = 1
	}
	return code
}
