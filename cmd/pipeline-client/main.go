// main package for pipeline-client, a command-line caller of the pipeline HTTP API
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/tts-pipeline/internal/core"
)

// Flag descriptions.
const (
	flagURLDesc       = "Base URL of the pipeline service"
	flagTextDesc      = "Text to convert to speech"
	flagTextFileDesc  = "File containing the text to convert"
	flagRefAudioDesc  = "Reference audio path on the TTS engine host"
	flagPromptDesc    = "Transcript of the reference audio"
	flagPromptLngDesc = "Language of the reference audio"
	flagJobIDDesc     = "Job id to request; generated by the service when empty"
	flagOutputDesc    = "Write the downloaded final WAV to this path"
	flagHealthDesc    = "Check pipeline service health and exit"
	flagSegmentsDesc  = "Print the language segments of the text and exit"
	flagTimeoutDesc   = "Overall request timeout"
	flagLogDirDesc    = "Directory for the client log file"
)

// Flag names.
const (
	flagURL        = "url"
	flagText       = "text"
	flagTextFile   = "text-file"
	flagRefAudio   = "ref-audio"
	flagPrompt     = "prompt-text"
	flagPromptLang = "prompt-lang"
	flagJobID      = "job-id"
	flagOutput     = "output"
	flagHealth     = "health"
	flagSegments   = "segments"
	flagTimeout    = "timeout"
	flagLogDir     = "log-dir"
)

// Error and log messages.
const (
	errFmtReadTextFile = "failed to read text file: %w"
	errFmtInitLogger   = "failed to initialize logger: %w"
	errFmtWriteOutput  = "failed to write output: %w"
	logFmtRunStarted   = "Running pipeline against %s"
	logFmtRunDone      = "Pipeline job %s finished: %.3fs of audio in %v"
	logFmtDownloaded   = "Downloaded %d bytes to %s"
	msgServiceHealthy  = "Pipeline service is healthy"
	logFileName        = "pipeline-client.log"
	defaultServiceURL  = "http://localhost:8000"
	defaultTimeout     = 10 * time.Minute
)

var (
	errEitherTextOrFile  = errors.New("either --text or --text-file must be provided")
	errCannotSpecifyBoth = errors.New("cannot specify both --text and --text-file")
	errRefAudioRequired  = errors.New("--ref-audio is required to run the pipeline")
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	url        string
	text       string
	textFile   string
	refAudio   string
	prompt     string
	promptLang string
	jobID      string
	output     string
	logDir     string
	timeout    time.Duration
	health     bool
	segments   bool
}

func main() {
	err := run(os.Args[1:], os.Stdout)
	if err != nil {
		// A logger might not be initialized yet, so use the standard log package.
		log.Fatalf("Error: %v", err)
	}
}

// run is the application entry point, returning an error on failure.
func run(args []string, stdout io.Writer) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}

	clientLog, err := logger.New(flags.logDir, logFileName)
	if err != nil {
		return fmt.Errorf(errFmtInitLogger, err)
	}
	defer clientLog.Close()

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()

	client := newPipelineClient(flags.url, flags.timeout)

	if flags.health {
		return handleHealthCheck(ctx, client, stdout)
	}

	err = validateFlags(flags)
	if err != nil {
		return err
	}

	text, err := resolveText(flags)
	if err != nil {
		return err
	}

	if flags.segments {
		return handleSegments(ctx, client, text, stdout)
	}

	if flags.refAudio == "" {
		return errRefAudioRequired
	}

	return handleRun(ctx, client, clientLog, flags, text, stdout)
}

// parseFlags defines and parses command-line flags, returning them in a struct.
func parseFlags(args []string) (appFlags, error) {
	var flags appFlags

	flagSet := flag.NewFlagSet("pipeline-client", flag.ContinueOnError)
	flagSet.StringVar(&flags.url, flagURL, defaultServiceURL, flagURLDesc)
	flagSet.StringVar(&flags.text, flagText, "", flagTextDesc)
	flagSet.StringVar(&flags.textFile, flagTextFile, "", flagTextFileDesc)
	flagSet.StringVar(&flags.refAudio, flagRefAudio, "", flagRefAudioDesc)
	flagSet.StringVar(&flags.prompt, flagPrompt, "", flagPromptDesc)
	flagSet.StringVar(&flags.promptLang, flagPromptLang, core.DefaultPromptLang, flagPromptLngDesc)
	flagSet.StringVar(&flags.jobID, flagJobID, "", flagJobIDDesc)
	flagSet.StringVar(&flags.output, flagOutput, "", flagOutputDesc)
	flagSet.StringVar(&flags.logDir, flagLogDir, os.TempDir(), flagLogDirDesc)
	flagSet.DurationVar(&flags.timeout, flagTimeout, defaultTimeout, flagTimeoutDesc)
	flagSet.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)
	flagSet.BoolVar(&flags.segments, flagSegments, false, flagSegmentsDesc)

	err := flagSet.Parse(args)
	if err != nil {
		return appFlags{}, err
	}

	return flags, nil
}

// validateFlags checks the text source flags.
func validateFlags(flags appFlags) error {
	if flags.text == "" && flags.textFile == "" {
		return errEitherTextOrFile
	}

	if flags.text != "" && flags.textFile != "" {
		return errCannotSpecifyBoth
	}

	return nil
}

func resolveText(flags appFlags) (string, error) {
	if flags.text != "" {
		return flags.text, nil
	}

	data, err := os.ReadFile(flags.textFile)
	if err != nil {
		return "", fmt.Errorf(errFmtReadTextFile, err)
	}

	return string(data), nil
}

func handleHealthCheck(ctx context.Context, client *pipelineClient, stdout io.Writer) error {
	health, err := client.health(ctx)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(stdout, "%s (%s %s)\n", msgServiceHealthy, health.Service, health.Version)

	return err
}

func handleSegments(ctx context.Context, client *pipelineClient, text string, stdout io.Writer) error {
	response, err := client.segments(ctx, text)
	if err != nil {
		return err
	}

	return writeJSON(stdout, response)
}

func handleRun(
	ctx context.Context,
	client *pipelineClient,
	clientLog *logger.Logger,
	flags appFlags,
	text string,
	stdout io.Writer,
) error {
	req := core.NewPipelineRequest()
	req.Text = text
	req.JobID = flags.jobID
	req.RefAudioPath = flags.refAudio
	req.PromptText = flags.prompt
	req.PromptLang = flags.promptLang

	clientLog.Info(logFmtRunStarted, flags.url)

	started := time.Now()

	manifest, err := client.runPipeline(ctx, req)
	if err != nil {
		clientLog.Error("Pipeline request failed: %v", err)

		return err
	}

	clientLog.Info(logFmtRunDone, manifest.JobID, manifest.Duration, time.Since(started).Round(time.Millisecond))

	if flags.output != "" {
		size, downloadErr := client.download(ctx, manifest.URLs.AudioPresignedURL, flags.output)
		if downloadErr != nil {
			return downloadErr
		}

		clientLog.Info(logFmtDownloaded, size, flags.output)
	}

	return writeJSON(stdout, manifest)
}

func writeJSON(stdout io.Writer, value any) error {
	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	encoder.SetEscapeHTML(false)

	err := encoder.Encode(value)
	if err != nil {
		return fmt.Errorf(errFmtWriteOutput, err)
	}

	return nil
}
