// Command enginectl is a thin HTTP client over enginesrv: run a component,
// fetch an execution record, or replay one, from the command line.
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "run":
		return runExecuteCmd(args[2:], stdout, stderr)
	case "get":
		return runGetCmd(args[2:], stdout, stderr)
	case "replay":
		return runReplayCmd(args[2:], stdout, stderr)
	case "publish":
		return runPublishCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "enginectl — execution engine client")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  enginectl run --ref <component_ref> --input <json> [--user <id>]")
	fmt.Fprintln(w, "  enginectl get --id <execution_id>")
	fmt.Fprintln(w, "  enginectl replay --id <execution_id>")
	fmt.Fprintln(w, "  enginectl publish --ref <component_ref> --binary <path> --sig <keyID=hexsig> [--canary <0-100>]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "All commands accept --server (default http://localhost:8080).")
}

func serverFlag(cmd *flag.FlagSet) *string {
	return cmd.String("server", envOr("ENGINE_SERVER", "http://localhost:8080"), "engine base URL")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func runExecuteCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	server := serverFlag(cmd)
	var ref, input, user, session string
	cmd.StringVar(&ref, "ref", "", "component reference, e.g. reagent:acme.thing:1.0.0 (required)")
	cmd.StringVar(&input, "input", "{}", "JSON input payload")
	cmd.StringVar(&user, "user", "", "user ID for rate limiting and secret grants")
	cmd.StringVar(&session, "session", "", "session ID to chain this execution's receipt to the session's previous one")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if ref == "" {
		fmt.Fprintln(stderr, "Error: --ref is required")
		return 2
	}

	body, err := json.Marshal(map[string]any{
		"reference":  ref,
		"input":      json.RawMessage(input),
		"user_id":    user,
		"session_id": session,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: invalid --input JSON: %v\n", err)
		return 2
	}

	return postAndPrint(*server+"/v1/executions", body, stdout, stderr)
}

func runGetCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("get", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	server := serverFlag(cmd)
	var id string
	cmd.StringVar(&id, "id", "", "execution ID (required)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if id == "" {
		fmt.Fprintln(stderr, "Error: --id is required")
		return 2
	}

	return getAndPrint(*server+"/v1/executions/"+id, stdout, stderr)
}

func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	server := serverFlag(cmd)
	var id string
	cmd.StringVar(&id, "id", "", "execution ID (required)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if id == "" {
		fmt.Fprintln(stderr, "Error: --id is required")
		return 2
	}

	return postAndPrint(*server+"/v1/executions/"+id+"/replay", nil, stdout, stderr)
}

// repeatedFlag collects a flag passed more than once into a slice, e.g.
// --sig a=1 --sig b=2.
type repeatedFlag []string

func (f *repeatedFlag) String() string     { return fmt.Sprint([]string(*f)) }
func (f *repeatedFlag) Set(v string) error { *f = append(*f, v); return nil }

func runPublishCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("publish", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	server := serverFlag(cmd)
	var ref, binaryPath string
	var canary int
	var sigs repeatedFlag
	cmd.StringVar(&ref, "ref", "", "component reference (required)")
	cmd.StringVar(&binaryPath, "binary", "", "path to the compiled component binary (required)")
	cmd.IntVar(&canary, "canary", -1, "stage as a canary at this rollout percentage (0-100) instead of publishing stable")
	cmd.Var(&sigs, "sig", "keyID=hexsignature over the binary's sha256 (repeatable, at least one required)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if ref == "" || binaryPath == "" || len(sigs) == 0 {
		fmt.Fprintln(stderr, "Error: --ref, --binary, and at least one --sig are required")
		return 2
	}

	data, err := os.ReadFile(binaryPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: reading %s: %v\n", binaryPath, err)
		return 1
	}

	type signature struct {
		KeyID     string `json:"KeyID"`
		Signature string `json:"Signature"`
	}
	parsed := make([]signature, 0, len(sigs))
	for _, s := range sigs {
		parts := bytes.SplitN([]byte(s), []byte("="), 2)
		if len(parts) != 2 {
			fmt.Fprintf(stderr, "Error: malformed --sig %q, want keyID=hexsignature\n", s)
			return 2
		}
		parsed = append(parsed, signature{KeyID: string(parts[0]), Signature: string(parts[1])})
	}

	payload := map[string]any{
		"reference":  ref,
		"binary_b64": base64.StdEncoding.EncodeToString(data),
		"signatures": parsed,
	}
	if canary >= 0 {
		payload["canary_percent"] = canary
	}
	body, err := json.Marshal(payload)
	if err != nil {
		fmt.Fprintf(stderr, "Error: encoding request: %v\n", err)
		return 1
	}

	return postAndPrint(*server+"/v1/components/publish", body, stdout, stderr)
}

var httpClient = &http.Client{Timeout: 60 * time.Second}

func postAndPrint(url string, body []byte, stdout, stderr io.Writer) int {
	resp, err := httpClient.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(stderr, "Error: request failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	return printResponse(resp, stdout, stderr)
}

func getAndPrint(url string, stdout, stderr io.Writer) int {
	resp, err := httpClient.Get(url)
	if err != nil {
		fmt.Fprintf(stderr, "Error: request failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	return printResponse(resp, stdout, stderr)
}

func printResponse(resp *http.Response, stdout, stderr io.Writer) int {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(stderr, "Error: reading response: %v\n", err)
		return 1
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		_, _ = stdout.Write(pretty.Bytes())
		_, _ = fmt.Fprintln(stdout)
	} else {
		_, _ = stdout.Write(data)
	}

	if resp.StatusCode >= 400 {
		return 1
	}
	return 0
}
