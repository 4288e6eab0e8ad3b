package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// contextFlags collects repeated --context key=value pairs.
type contextFlags map[string]any

func (c contextFlags) String() string { return fmt.Sprintf("%v", map[string]any(c)) }

func (c contextFlags) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	if !ok {
		return fmt.Errorf("context must be key=value, got %q", v)
	}
	c[key] = value
	return nil
}

// runOnce submits one request to a running service and prints the JSON
// response. Exit code 0 iff the planner reported ok.
func runOnce(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	message := fs.String("message", "", "request message (required)")
	mode := fs.String("mode", "enqueue_and_wait", "answer | plan | enqueue | enqueue_and_wait")
	server := fs.String("server", serverURL(), "base URL of the fieldops service")
	token := fs.String("token", os.Getenv("FIELDOPS_TOKEN"), "bearer token, if the API requires auth")
	waitMs := fs.Int("wait-ms", 0, "wait timeout for enqueue_and_wait")
	ctxFlags := contextFlags{}
	fs.Var(ctxFlags, "context", "context hint as key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *message == "" {
		fmt.Fprintln(stderr, "run: --message is required")
		return 2
	}

	body := map[string]any{
		"message": *message,
		"mode":    *mode,
	}
	if len(ctxFlags) > 0 {
		body["context"] = map[string]any(ctxFlags)
	}
	if *waitMs > 0 {
		body["limits"] = map[string]any{"wait_timeout_ms": *waitMs}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		fmt.Fprintf(stderr, "run: encode request: %v\n", err)
		return 1
	}

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*server, "/")+"/run", bytes.NewReader(payload))
	if err != nil {
		fmt.Fprintf(stderr, "run: build request: %v\n", err)
		return 1
	}
	req.Header.Set("Content-Type", "application/json")
	if *token != "" {
		req.Header.Set("Authorization", "Bearer "+*token)
	}

	client := &http.Client{Timeout: 150 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(stderr, "run: read response: %v\n", err)
		return 1
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		stdout.Write(raw)
	} else {
		pretty.WriteTo(stdout)
		fmt.Fprintln(stdout)
	}

	if resp.StatusCode != http.StatusOK {
		return 1
	}
	var parsed struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || !parsed.OK {
		return 1
	}
	return 0
}

func serverURL() string {
	if v := os.Getenv("FIELDOPS_SERVER"); v != "" {
		return v
	}
	return "http://localhost:8080"
}
