package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/jmespath/go-jmespath"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"
)

func getDefaultLogger(lvl slog.Level, w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: true,
		Level:     lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				source, _ := a.Value.Any().(*slog.Source)
				if source != nil {
					source.Function = ""
					source.File = filepath.Base(source.File)
				}
			}
			return a
		},
	}))
}

// loggerFromFlags builds the logger from --log-level and --log-file. With a
// log file, output goes to stdout and a rotating file.
func loggerFromFlags(c *cli.Context) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.String("log-level"))); err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}
	var w io.Writer = os.Stdout
	if path := c.String("log-file"); path != "" {
		w = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
	}
	return getDefaultLogger(lvl, w), nil
}

func printServerResponse(res *http.Response) error {
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("could not read response body: %w", err)
	}
	var data interface{}
	if err := json.Unmarshal(b, &data); err != nil {
		return fmt.Errorf("error deserializing response: %w", err)
	}

	iface, err := jmespath.Search("error", data)
	if err != nil {
		return fmt.Errorf("error checking error field in response: %w", err)
	}
	if msg, ok := iface.(string); ok && msg != "" {
		code, _ := jmespath.Search("code", data)
		return fmt.Errorf("received error from server (response code %d, %v): %s", res.StatusCode, code, msg)
	}
	out := struct {
		Status int             `json:"status"`
		Body   json.RawMessage `json:"body"`
	}{
		Status: res.StatusCode,
		Body:   b,
	}
	b, err = json.Marshal(out)
	if err != nil {
		return fmt.Errorf("could not serialize output")
	}
	fmt.Printf("%s\n", b)
	return nil
}

func main() {
	app := &cli.App{
		Name:  "mt",
		Usage: "MoldTank bounty board CLI",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "log-file",
				Usage:   "Also write logs to this file, rotated",
				EnvVars: []string{"LOG_FILE"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load environment variables from this file if it exists",
				Value: ".env",
			},
		},
		Before: func(c *cli.Context) error {
			// a missing env file is fine; real environments set variables directly
			if err := godotenv.Load(c.String("env-file")); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("load %s: %w", c.String("env-file"), err)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:        "run",
				Usage:       "Run a service",
				Subcommands: append(serverCommands(), workerCommands()...),
			},
			{
				Name:        "admin",
				Usage:       "Admin commands",
				Subcommands: adminCommands(),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		getDefaultLogger(slog.LevelInfo, os.Stderr).Error("application error", "error", err)
		os.Exit(1)
	}
}
