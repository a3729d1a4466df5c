package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/smallnest/clawrun/runs"
	"github.com/smallnest/clawrun/scheduler"
	"github.com/smallnest/clawrun/stream"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send <session> <message>",
	Short: "Submit a turn and stream its output",
	Args:  cobra.ExactArgs(2),
	RunE:  runSend,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <session>",
	Short: "Cancel the running and queued runs of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, most recent first",
	Args:  cobra.NoArgs,
	RunE:  runRunsList,
}

var runsGetCmd = &cobra.Command{
	Use:   "get <run-id>",
	Short: "Show one run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsGet,
}

// Flags for send command
var (
	sendMode      string
	sendSource    string
	sendInternal  bool
	sendDedupeKey string
	sendImagePath string
	sendImageURL  string
	sendVerbose   bool
)

// Flags for cancel and runs commands
var (
	cancelReason    string
	runsSessionID   string
	runsStatus      string
	runsLimit       int
	runsFromJournal bool
)

func init() {
	sendCmd.Flags().StringVar(&sendMode, "mode", "followup", "Queue mode: followup, collect or steer")
	sendCmd.Flags().StringVar(&sendSource, "source", "", "Request source")
	sendCmd.Flags().BoolVar(&sendInternal, "internal", false, "Mark the request as internal")
	sendCmd.Flags().StringVar(&sendDedupeKey, "dedupe-key", "", "Join an already queued run with this key")
	sendCmd.Flags().StringVar(&sendImagePath, "image", "", "Local image to attach")
	sendCmd.Flags().StringVar(&sendImageURL, "image-url", "", "Remote image to attach")
	sendCmd.Flags().BoolVarP(&sendVerbose, "verbose", "v", false, "Print metadata and tool events to stderr")

	cancelCmd.Flags().StringVar(&cancelReason, "reason", "", "Cancellation reason")

	runsListCmd.Flags().StringVar(&runsSessionID, "session", "", "Only runs of this session")
	runsListCmd.Flags().StringVar(&runsStatus, "status", "", "Only runs with this status")
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum number of runs")
	runsListCmd.Flags().BoolVar(&runsFromJournal, "history", false, "Query the persistent journal instead of memory")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsGetCmd)
}

// apiClient talks to a running gateway.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient() (*apiClient, error) {
	base, err := baseURL()
	if err != nil {
		return nil, err
	}
	// No overall timeout: turns stream for as long as they run.
	return &apiClient{base: base, http: &http.Client{}}, nil
}

type apiError struct {
	Status  int
	Message string
	Code    string
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s, HTTP %d)", e.Message, e.Code, e.Status)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return nil, &apiError{Status: resp.StatusCode, Message: e.Error, Code: e.Code}
	}
	return resp, nil
}

func (c *apiClient) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

type sendRequest struct {
	Message   string `json:"message"`
	ImagePath string `json:"imagePath,omitempty"`
	ImageURL  string `json:"imageUrl,omitempty"`
	Internal  bool   `json:"internal,omitempty"`
	Source    string `json:"source,omitempty"`
	Mode      string `json:"mode,omitempty"`
	DedupeKey string `json:"dedupeKey,omitempty"`
}

// send submits a turn and copies its stream to out.
func (c *apiClient) send(ctx context.Context, sessionID string, req sendRequest, out, errOut io.Writer, verbose bool) error {
	resp, err := c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/runs", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printStream(resp.Body, out, errOut, verbose)
}

func (c *apiClient) cancel(ctx context.Context, sessionID, reason string) (scheduler.CancelResult, error) {
	var res scheduler.CancelResult
	resp, err := c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/cancel",
		map[string]string{"reason": reason})
	if err != nil {
		return res, err
	}
	defer resp.Body.Close()
	err = json.NewDecoder(resp.Body).Decode(&res)
	return res, err
}

func (c *apiClient) listRuns(ctx context.Context, filter runs.Filter, journal bool) ([]*runs.Run, error) {
	q := url.Values{}
	if filter.SessionID != "" {
		q.Set("sessionId", filter.SessionID)
	}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	path := "/v1/runs"
	if journal {
		path += "/history"
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var list []*runs.Run
	err := c.getJSON(ctx, path, &list)
	return list, err
}

func (c *apiClient) getRun(ctx context.Context, id string) (*runs.Run, error) {
	var run runs.Run
	if err := c.getJSON(ctx, "/v1/runs/"+url.PathEscape(id), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// errRunFailed is returned when the stream carried an err event.
type errRunFailed string

func (e errRunFailed) Error() string { return "run failed: " + string(e) }

// printStream renders an NDJSON event stream. Deltas go to out, everything
// else to errOut when verbose. An err event makes the result non-nil.
func printStream(r io.Reader, out, errOut io.Writer, verbose bool) error {
	var failure string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var ev stream.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return fmt.Errorf("invalid stream event: %w", err)
		}

		switch ev.Kind {
		case stream.KindDelta:
			fmt.Fprint(out, ev.Text)
		case stream.KindReplace:
			fmt.Fprint(out, "\n")
			fmt.Fprint(out, ev.Text)
		case stream.KindMeta:
			if verbose {
				fmt.Fprintf(errOut, "[md] %s\n", string(ev.Meta))
			}
		case stream.KindToolCall, stream.KindToolResult:
			if verbose && ev.Tool != nil {
				fmt.Fprintf(errOut, "[%s] %s\n", ev.Kind, ev.Tool.Name)
			}
		case stream.KindError:
			failure = ev.Text
			fmt.Fprintf(errOut, "error: %s\n", ev.Text)
		case stream.KindDone:
			fmt.Fprintln(out)
			if failure != "" {
				return errRunFailed(failure)
			}
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream interrupted: %w", err)
	}
	return fmt.Errorf("stream ended without done")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runSend(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	return client.send(cmd.Context(), args[0], sendRequest{
		Message:   args[1],
		ImagePath: sendImagePath,
		ImageURL:  sendImageURL,
		Internal:  sendInternal,
		Source:    sendSource,
		Mode:      sendMode,
		DedupeKey: sendDedupeKey,
	}, cmd.OutOrStdout(), cmd.ErrOrStderr(), sendVerbose)
}

func runCancel(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	res, err := client.cancel(ctx, args[0], cancelReason)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %d running and %d queued run(s)\n",
		res.CancelledRunning, res.CancelledQueued)
	return nil
}

func runRunsList(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	list, err := client.listRuns(ctx, runs.Filter{
		SessionID: runsSessionID,
		Status:    runs.Status(runsStatus),
		Limit:     runsLimit,
	}, runsFromJournal)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "No runs found.")
		return nil
	}
	for _, r := range list {
		line := fmt.Sprintf("%s  %-9s  %-8s  %s", r.ID, r.Status, r.Mode, r.SessionID)
		if r.Error != "" {
			line += "  (" + r.Error + ")"
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func runRunsGet(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	run, err := client.getRun(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), run)
}
