package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mediabatch/api"
	"mediabatch/cache"
	"mediabatch/config"
	"mediabatch/task"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"
)

const stopTimeout = 10 * time.Second

var (
	servePort string

	runModel   string
	runLang    string
	runOutput  string
	runFormats []string
	runJobs    int
	runFile    string
)

func init() {
	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP control API",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&servePort, "port", "", "port to listen on (overrides PORT)")
	rootCmd.AddCommand(serveCmd)

	// run command
	runCmd := &cobra.Command{
		Use:   "run [URL...]",
		Short: "Process URLs to completion and exit",
		RunE:  runBatch,
	}
	runCmd.Flags().StringVar(&runModel, "model", "", "transcription model")
	runCmd.Flags().StringVar(&runLang, "lang", "", "target language, None disables translation")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "output directory")
	runCmd.Flags().StringSliceVar(&runFormats, "formats", nil, "output formats (srt,vtt,txt,json,csv)")
	runCmd.Flags().IntVarP(&runJobs, "jobs", "j", 0, "number of concurrent tasks")
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "read URLs from a file, one per line")
	rootCmd.AddCommand(runCmd)

	// cache commands
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the artifact cache",
	}
	cacheCmd.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Show cache statistics",
		RunE:  runCacheInfo,
	})
	cacheCmd.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired entries and evict down to the size limit",
		RunE:  runCacheCleanup,
	})
	cacheCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every cached artifact",
		RunE:  runCacheClear,
	})
	rootCmd.AddCommand(cacheCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != "" {
		cfg.Port = servePort
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	a.restore()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	a.persist(ctx)

	router := api.SetupRouter(a.scheduler, a.cache, a.sessionStore(), cfg)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	<-ctx.Done()

	// Restore default behavior on the interrupt signal and notify user of shutdown.
	stop()
	log.Println("Shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// Snapshot before stopping so queued tasks are saved as pending, not cancelled.
	a.close()
	a.scheduler.Stop(true, stopTimeout)

	log.Println("Server exiting")
	return nil
}

func readURLs(args []string, file string) ([]string, error) {
	urls := append([]string(nil), args...)
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			urls = append(urls, line)
		}
	}
	return urls, nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	urls, err := readURLs(args, runFile)
	if err != nil {
		return err
	}
	if len(urls) == 0 {
		return fmt.Errorf("no URLs given")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runModel != "" {
		cfg.Model = runModel
	}
	if runLang != "" {
		cfg.TargetLang = runLang
	}
	if runOutput != "" {
		cfg.OutputDir = runOutput
	}
	if len(runFormats) > 0 {
		cfg.Formats = runFormats
	}
	if runJobs > 0 {
		cfg.Concurrency = runJobs
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	// one-shot runs do not touch the server's session
	cfg.SessionDB = ""

	a, err := newApp(cfg)
	if err != nil {
		return err
	}

	finished := make(chan task.Event, 1)
	events := a.scheduler.Events()
	defer events.Subscribe(task.EventTaskUpdated, func(ev task.Event) {
		if ev.Task != nil && ev.Task.Status.IsTerminal() {
			line := fmt.Sprintf("[%s] %s", ev.Task.Status, ev.Task.URL)
			if ev.Task.Error != "" {
				line += ": " + ev.Task.Error
			}
			log.Println(line)
		}
	})()
	defer events.Subscribe(task.EventBatchStatusChanged, func(ev task.Event) {
		switch ev.Status {
		case task.BatchCompleted, task.BatchFailed, task.BatchCancelled:
			select {
			case finished <- ev:
			default:
			}
		}
	})()

	if err := a.scheduler.StartBatch(urls); err != nil {
		return err
	}

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	var final task.Event
wait:
	for {
		select {
		case final = <-finished:
			break wait
		case <-sigs:
			log.Println("Cancelling batch, press Ctrl+C again to force")
			if err := a.scheduler.CancelBatch(); err != nil {
				a.scheduler.Stop(false, 0)
				return err
			}
			go func() {
				<-sigs
				os.Exit(1)
			}()
		}
	}
	a.scheduler.Stop(true, stopTimeout)

	stats := a.scheduler.Stats()
	_, msg := a.scheduler.Progress()
	log.Printf("Batch %s: %s, %d failed, %d cancelled in %s",
		final.Status, msg, stats.Failed, stats.Cancelled, stats.EndTime.Sub(stats.StartTime).Round(time.Second))
	for _, rec := range a.scheduler.Tasks() {
		for _, f := range rec.OutputFiles {
			fmt.Println(f)
		}
	}
	if stats.Failed > 0 {
		return fmt.Errorf("%d task(s) failed", stats.Failed)
	}
	return nil
}

func openCache() (*cache.Cache, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	c, err := newCache(cfg)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("cache is disabled (CACHE_ENABLE=false)")
	}
	return c, nil
}

func runCacheInfo(cmd *cobra.Command, args []string) error {
	c, err := openCache()
	if err != nil {
		return err
	}
	info := c.Info()
	out, err := json.MarshalIndent(struct {
		Size    string `json:"size"`
		MaxSize string `json:"max_size"`
		Info    any    `json:"info"`
	}{
		Size:    datasize.ByteSize(info.SizeBytes).HumanReadable(),
		MaxSize: datasize.ByteSize(info.MaxSize).HumanReadable(),
		Info:    info,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func runCacheCleanup(cmd *cobra.Command, args []string) error {
	c, err := openCache()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", c.Cleanup())
	return nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	c, err := openCache()
	if err != nil {
		return err
	}
	if err := c.Clear(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")
	return nil
}
