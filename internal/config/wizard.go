package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading answers from in and writing prompts to out
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run runs the interactive configuration wizard starting from base
func (w *Wizard) Run(base *Config) (*Config, error) {
	cfg := base
	if cfg == nil {
		cfg = DefaultConfig()
	}
	validator := NewValidator()

	fmt.Fprintln(w.out, "=== fanout configuration ===")
	fmt.Fprintln(w.out)

	// Provider
	for {
		name, err := w.ask("Provider (anthropic/openai)", cfg.Provider.Name)
		if err != nil {
			return nil, err
		}
		if err := validator.ValidateProvider(name); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Provider.Name = name
		break
	}

	// API key
	for {
		key, err := w.ask("API key", "")
		if err != nil {
			return nil, err
		}
		if key == "" && cfg.Provider.APIKey != "" {
			break
		}
		if err := validator.ValidateAPIKey(key, cfg.Provider.Name); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Provider.APIKey = key
		break
	}

	model, err := w.ask("Default model", cfg.Provider.Model)
	if err != nil {
		return nil, err
	}
	cfg.Provider.Model = model

	// Batch size
	for {
		answer, err := w.ask("Max parallel agents", strconv.Itoa(cfg.Executor.MaxParallelAgents))
		if err != nil {
			return nil, err
		}
		n, err := strconv.Atoi(answer)
		if err == nil {
			err = validator.ValidateMaxParallelAgents(n)
		}
		if err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Executor.MaxParallelAgents = n
		break
	}

	level, err := w.ask("Log level (debug/info/warn/error)", cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateLogLevel(level); err != nil {
		fmt.Fprintf(w.out, "Warning: %v, keeping %s\n", err, cfg.Logging.Level)
	} else {
		cfg.Logging.Level = level
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")

	return cfg, nil
}

// ask prints a prompt and returns the answer, or def when the answer is empty
func (w *Wizard) ask(prompt, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(w.out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(w.out, "%s: ", prompt)
	}

	line, err := w.reader.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return def, nil
	}
	return line, nil
}
