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

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arzamas-labs/domagent/internal/agent"
	"github.com/arzamas-labs/domagent/internal/browserdrv"
	"github.com/arzamas-labs/domagent/internal/llm"
)

type cliOptions struct {
	task        string
	storage     string
	saveState   string
	maxSteps    int
	language    string
	interactive bool
	confirm     bool
	scripting   bool
}

func main() {
	_ = godotenv.Load()
	opts := parseFlags()
	if opts.task == "" {
		task, cancelled, err := promptTask()
		if err != nil {
			log.Fatal().Err(err).Msg("prompt task failed")
		}
		if cancelled {
			fmt.Println("Cancelled.")
			return
		}
		opts.task = task
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	llmClient, err := llm.NewClientWithLogger(log.With().Str("comp", "llm").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("llm init")
	}

	launcher, err := browserdrv.NewLauncher(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("browser init")
	}
	defer launcher.Close()

	driver, err := launcher.NewController(ctx, opts.storage)
	if err != nil {
		log.Fatal().Err(err).Msg("browser controller")
	}
	defer driver.Close(ctx)

	cfg := agent.Config{
		Driver:                          driver,
		LLM:                             llmClient,
		MaxSteps:                        opts.maxSteps,
		Language:                        opts.language,
		Interactive:                     opts.interactive,
		ExperimentalScriptExecutionTool: opts.scripting,
		Logger:                          log.Logger,
	}
	if opts.interactive {
		cfg.AskUserFunc = terminalPrompt()
	}
	if opts.confirm {
		cfg.ConfirmDestructive = terminalConfirm()
	}

	ag, err := agent.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("agent init")
	}
	defer ag.Dispose("main exiting")

	fmt.Println("Starting task...")
	result, err := ag.Execute(ctx, opts.task)
	if err != nil {
		log.Fatal().Err(err).Msg("agent execution failed")
	}

	if result.Success {
		fmt.Println("Done:", result.Data)
	} else {
		fmt.Println("Did not finish:", result.Data)
	}

	if opts.saveState != "" {
		if err := driver.SaveState(ctx, opts.saveState); err != nil {
			log.Error().Err(err).Msg("save state")
		} else {
			log.Info().Str("path", opts.saveState).Msg("storage saved")
		}
	}
}

func parseFlags() cliOptions {
	task := flag.String("task", "", "Task description")
	storage := flag.String("storage", "", "Path to Playwright storage state to restore")
	save := flag.String("save-state", "", "Path to save updated storage state")
	maxSteps := flag.Int("max-steps", 50, "Max agent steps")
	language := flag.String("language", "English", "Language for the agent's reasoning output")
	interactive := flag.Bool("interactive", false, "Allow the agent to ask the operator questions on the terminal")
	confirm := flag.Bool("confirm-destructive", false, "Ask for confirmation before clicks and text input")
	scripting := flag.Bool("experimental-scripting", false, "Enable the execute_javascript tool (defeats index-based addressing guarantees)")
	flag.Parse()
	return cliOptions{
		task:        strings.TrimSpace(*task),
		storage:     strings.TrimSpace(*storage),
		saveState:   strings.TrimSpace(*save),
		maxSteps:    *maxSteps,
		language:    strings.TrimSpace(*language),
		interactive: *interactive,
		confirm:     *confirm,
		scripting:   *scripting,
	}
}

func promptTask() (string, bool, error) {
	reader := bufio.NewReader(os.Stdin)
	fmt.Print("Enter a task (leave empty to cancel): ")
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", false, err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", true, nil
	}

	const maxTaskLength = 2000
	if len(line) > maxTaskLength {
		fmt.Printf("Task too long (max %d characters), truncated\n", maxTaskLength)
		line = line[:maxTaskLength]
	}

	var sanitized strings.Builder
	for _, r := range line {
		if r >= 32 || r == '\n' || r == '\r' || r == '\t' {
			sanitized.WriteRune(r)
		}
	}

	return sanitized.String(), false, nil
}

func terminalPrompt() func(ctx context.Context, question string) (string, error) {
	reader := bufio.NewReader(os.Stdin)
	return func(ctx context.Context, question string) (string, error) {
		fmt.Printf("\n=== Input needed ===\n%s\n> ", question)
		text, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		return strings.TrimSpace(text), nil
	}
}

func terminalConfirm() func(ctx context.Context, toolName string, input map[string]any) (bool, error) {
	reader := bufio.NewReader(os.Stdin)
	return func(ctx context.Context, toolName string, input map[string]any) (bool, error) {
		fmt.Printf("\n=== Confirm action ===\n%s %v\nProceed? [y/N] ", toolName, input)
		text, err := reader.ReadString('\n')
		if err != nil {
			return false, err
		}
		text = strings.ToLower(strings.TrimSpace(text))
		return text == "y" || text == "yes", nil
	}
}
