package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/genflow/internal/cli"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cli.Execute()
}
