package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/loqalabs/loqa-translate/internal/config"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath string
		addr       string
		limit      int
	)
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&configPath, "file", "loqa-translate.yaml", "Path to configuration file")

	timelineCmd := flag.NewFlagSet("timeline", flag.ExitOnError)
	timelineCmd.StringVar(&addr, "addr", "http://localhost:8080", "Daemon base URL")
	timelineCmd.IntVar(&limit, "limit", 100, "Maximum number of events")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'timeline' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if err := runValidate(configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("config valid")
	case "timeline":
		timelineCmd.Parse(os.Args[2:])
		if timelineCmd.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "usage: loqa-translatectl timeline [-addr url] <session-id>")
			os.Exit(2)
		}
		if err := runTimeline(addr, timelineCmd.Arg(0), limit); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runValidate(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	return config.Validate(cfg)
}

func runTimeline(addr, sessionID string, limit int) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(fmt.Sprintf("%s/sessions/%s/events?limit=%d", addr, sessionID, limit))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("timeline request failed: %s", resp.Status)
	}
	var events []struct {
		Type      string          `json:"type"`
		Payload   json.RawMessage `json:"payload"`
		CreatedAt time.Time       `json:"created_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return fmt.Errorf("decode timeline: %w", err)
	}
	for _, e := range events {
		fmt.Printf("%s  %-18s %s\n", e.CreatedAt.Format(time.RFC3339), e.Type, e.Payload)
	}
	return nil
}
