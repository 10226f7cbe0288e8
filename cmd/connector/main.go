package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"trade-connector/internal/cli"
	"trade-connector/internal/config"
	"trade-connector/internal/logging"
)

func main() {
	// .env is optional; CONNECTOR_* variables may come from the environment.
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not load .env: %v\n", err)
		}
	}

	logger := logging.NewLoggerWithConfig(logging.LogConfig{
		Level:   os.Getenv("CONNECTOR_LOG_LEVEL"),
		Console: true,
		Out:     os.Stderr,
	})

	if err := cli.NewRootCmd(logger).ExecuteContext(context.Background()); err != nil {
		if errors.Is(err, config.ErrTemplateCreated) {
			color.New(color.FgYellow).Fprintln(os.Stderr, err)
			fmt.Fprintln(os.Stderr, "Edit the file, add your [[symbols]], then run the command again.")
			os.Exit(1)
		}
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
