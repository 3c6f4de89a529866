package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"cybersentinel/pkg/api"
	"cybersentinel/pkg/incident"
)

var analyzeTenant string

var analyzeCmd = &cobra.Command{
	Use:   "analyze <events.json|->",
	Short: "Analyse an events file once and print the result",
	Long: `Run the full pipeline over one batch of events and print the result as JSON.

The input has the same shape as the API request body:
  {"tenant_id": "acme", "events": [{"source": "edr", "event_type": "process_start", "payload": {...}}]}

A bare JSON array of events is also accepted together with --tenant.

Example:
  sentinel analyze --tenant acme events.json
  cat batch.json | sentinel analyze -`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeTenant, "tenant", "", "tenant id (overrides tenant_id in the file)")
	rootCmd.AddCommand(analyzeCmd)
}

type analyzeInput struct {
	TenantID string `json:"tenant_id"`
	Events   []struct {
		Source    string         `json:"source"`
		EventType string         `json:"event_type"`
		Payload   map[string]any `json:"payload"`
		Timestamp *time.Time     `json:"timestamp,omitempty"`
	} `json:"events"`
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	raw, err := readInput(cmd, args[0])
	if err != nil {
		return err
	}
	tenant, events, err := parseEvents(raw, analyzeTenant, time.Now().UTC())
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	a, err := buildApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.orch.Analyze(cmd.Context(), tenant, events)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(api.NewResultResponse(res))
}

func readInput(cmd *cobra.Command, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	raw, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return raw, nil
}

// parseEvents accepts either a request body or a bare event array. Events
// without a timestamp are stamped with now.
func parseEvents(raw []byte, tenant string, now time.Time) (string, []incident.Event, error) {
	var in analyzeInput
	if err := json.Unmarshal(raw, &in); err != nil {
		if err := json.Unmarshal(raw, &in.Events); err != nil {
			return "", nil, fmt.Errorf("decode events: %w", err)
		}
	}
	if tenant == "" {
		tenant = in.TenantID
	}
	if tenant == "" {
		return "", nil, errors.New("tenant id is required: set tenant_id or --tenant")
	}
	if len(in.Events) == 0 {
		return "", nil, errors.New("at least one event is required")
	}
	events := make([]incident.Event, 0, len(in.Events))
	for i, e := range in.Events {
		if e.Source == "" || e.EventType == "" {
			return "", nil, fmt.Errorf("event %d: source and event_type are required", i)
		}
		ts := now
		if e.Timestamp != nil {
			ts = e.Timestamp.UTC()
		}
		events = append(events, incident.Event{Source: e.Source, Type: e.EventType, Payload: e.Payload, Timestamp: ts})
	}
	return tenant, events, nil
}
