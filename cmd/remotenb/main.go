package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Scusemua/go-utils/config"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"

	"github.com/scusemua/remote-notebook/common/configuration"
	"github.com/scusemua/remote-notebook/common/filesync"
	"github.com/scusemua/remote-notebook/common/jupyter/api"
	"github.com/scusemua/remote-notebook/common/jupyter/execution"
	"github.com/scusemua/remote-notebook/common/utils"
)

// cellMarker separates cells in a percent-format script. Everything between
// two markers is one code cell.
const cellMarker = "# %%"

var (
	options      = configuration.ClientOptions{}
	globalLogger = config.GetLogger("")
	sig          = make(chan os.Signal, 1)
)

func init() {
	lipgloss.SetColorProfile(termenv.ANSI256)

	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)

	// Set default options.
	options.KernelSpec = "python3"
	options.RequestTimeoutSeconds = 30
}

// ValidateOptions ensures that the options/configuration is valid, and returns
// the positional arguments left over after flag parsing.
func ValidateOptions() []string {
	flags, err := config.ValidateOptions(&options)
	if errors.Is(err, config.ErrPrintUsage) {
		flags.PrintDefaults()
		os.Exit(0)
	} else if err != nil {
		log.Fatal(err)
	}

	if options.Token == "" {
		options.Token = utils.GetEnv("JUPYTER_TOKEN", "")
	}

	if err = options.Validate(); err != nil {
		log.Fatal(err)
	}

	return flags.Args()
}

// readCells loads a percent-format script and splits it into code cells.
// A file without markers is a single cell.
func readCells(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read notebook script \"%s\"", path)
	}

	var cells []string
	var current []string

	flush := func() {
		cell := strings.TrimSpace(strings.Join(current, "\n"))
		if cell != "" {
			cells = append(cells, cell)
		}
		current = current[:0]
	}

	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), cellMarker) {
			flush()
			continue
		}
		current = append(current, line)
	}
	flush()

	return cells, nil
}

func renderResult(result *execution.CellResult) {
	header := fmt.Sprintf("In [%d]:", result.ExecutionCount)
	fmt.Println(utils.CellHeaderStyle.Render(header))

	for _, output := range result.Outputs {
		switch output.Type {
		case execution.OutputStream:
			if output.StreamName == "stderr" {
				fmt.Print(utils.StderrStyle.Render(output.Value))
			} else {
				fmt.Print(output.Value)
			}
			if !strings.HasSuffix(output.Value, "\n") {
				fmt.Println()
			}
		case execution.OutputResult, execution.OutputDisplay:
			// Only the text representation is printable on a terminal.
			if output.MimeType == "text/plain" {
				fmt.Printf("%s %s\n",
					utils.PurpleStyle.Render(fmt.Sprintf("Out[%d]:", result.ExecutionCount)), output.Value)
			} else {
				fmt.Println(utils.GrayStyle.Render(fmt.Sprintf("[%s output, %d bytes]",
					output.MimeType, len(output.Value))))
			}
		case execution.OutputError:
			fmt.Println(utils.TracebackStyle.Render(output.Error.Stack))
		}
	}

	if result.Err != nil {
		fmt.Println(utils.RedStyle.Render(fmt.Sprintf("execution failed: %v", result.Err)))
	}
}

func main() {
	args := ValidateOptions()

	if len(args) != 1 {
		log.Fatal("expected exactly one argument: the path of the notebook script to run")
	}
	notebookPath := args[0]

	cells, err := readCells(notebookPath)
	if err != nil {
		log.Fatal(err)
	}
	if len(cells) == 0 {
		globalLogger.Warn("Notebook script \"%s\" contains no code cells. Nothing to do.", notebookPath)
		return
	}

	server := options.ToServerConnection()
	client := api.NewClient(server)
	kernels := api.NewKernelManager(client)
	controller := execution.NewController(server, kernels, options.KernelSpec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-sig
		globalLogger.Info("Shutting down...")
		cancel()
		controller.Dispose()
	}()

	if options.SyncEnabled() {
		contents := api.NewContentsManager(client)
		watcher := filesync.NewWatcher(options.ScratchDir, options.RemoteDir, contents)
		if err = watcher.Start(); err != nil {
			log.Fatal(err)
		}
		defer func() {
			_ = watcher.Flush(context.Background())
			_ = watcher.Close()
		}()
	}

	if interval := options.MetricsInterval(); interval > 0 {
		poller := api.NewMetricsPoller(client, interval)
		go poller.Run(ctx, func(metrics *api.ResourceMetrics) {
			if percent, ok := metrics.MemoryPercent(); ok {
				globalLogger.Info("Server memory: %d bytes RSS (%s%% of limit).", metrics.RSS, percent.String())
			} else {
				globalLogger.Info("Server memory: %d bytes RSS.", metrics.RSS)
			}
		})
	}

	globalLogger.Info("Executing %d cell(s) from \"%s\" against %s (kernel spec \"%s\").",
		len(cells), notebookPath, server.BaseURL, options.KernelSpec)

	results, err := controller.ExecuteCells(ctx, notebookPath, cells)
	if err != nil {
		log.Fatalf("Failed to execute notebook \"%s\": %v", notebookPath, err)
	}

	failed := 0
	for _, result := range results {
		renderResult(result)
		if result.Failed() {
			failed++
		}
	}

	controller.Dispose()

	if failed > 0 {
		globalLogger.Error("%d of %d cell(s) failed.", failed, len(results))
		os.Exit(1)
	}

	globalLogger.Info("All %d cell(s) executed successfully.", len(results))
}
