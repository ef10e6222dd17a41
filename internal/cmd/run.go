package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
)

var (
	runWorkflowID string
	runParams     []string
)

var runCmd = &cobra.Command{
	Use:   "run [workflow.json]",
	Short: "Run a workflow on the local gateway and follow its progress",
	Long: `Run a workflow on the running gateway and follow its progress events.

The file may hold a UI graph or an API prompt. Without a file, --workflow-id runs the
latest stored version of that workflow. Parameters set external inputs by input_id.
Values are parsed as JSON and fall back to strings.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		body := map[string]interface{}{}
		if len(args) == 1 {
			data, err := os.ReadFile(args[0])
			if err != nil {
				fmt.Printf("Error: %v\n", err)
				os.Exit(1)
			}
			if !json.Valid(data) {
				fmt.Printf("Error: %s is not valid JSON\n", args[0])
				os.Exit(1)
			}
			body["workflow"] = json.RawMessage(data)
		}
		if runWorkflowID != "" {
			body["workflow_id"] = runWorkflowID
		}
		if len(body) == 0 {
			fmt.Println("Error: a workflow file or --workflow-id is required")
			os.Exit(1)
		}
		params, err := parseParams(runParams)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		if len(params) > 0 {
			body["params"] = params
		}

		// Streams stay open for the whole execution
		resp, err := newLocalAPI(0).request(http.MethodPost, "run/streaming", body)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			fmt.Printf("Error: %v\n", decodeAPIResponse(resp, nil))
			os.Exit(1)
		}

		fmt.Printf("Job %s queued\n", resp.Header.Get("X-Job-ID"))
		final, err := followEvents(resp.Body, newProgressView(term.IsTerminal(int(os.Stdout.Fd()))))
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		switch final.Type {
		case types.EventCompleted:
			fmt.Println("Completed")
			if len(final.Output) > 0 {
				fmt.Println(string(final.Output))
			}
		case types.EventInterrupted:
			fmt.Println("Interrupted")
			os.Exit(1)
		default:
			fmt.Printf("Failed: %s\n", final.Error)
			os.Exit(1)
		}
	},
}

func parseParams(raw []string) (map[string]json.RawMessage, error) {
	params := make(map[string]json.RawMessage, len(raw))
	for _, p := range raw {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", p)
		}
		if json.Valid([]byte(value)) {
			params[key] = json.RawMessage(value)
			continue
		}
		quoted, _ := json.Marshal(value)
		params[key] = quoted
	}
	return params, nil
}

// followEvents reads a server-sent event stream until a terminal event arrives
func followEvents(r io.Reader, view *progressView) (*types.ProgressEvent, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case line == "" && data.Len() > 0:
			var event types.ProgressEvent
			if err := json.Unmarshal([]byte(data.String()), &event); err != nil {
				return nil, fmt.Errorf("invalid event: %v", err)
			}
			data.Reset()

			view.show(event)
			if event.Type.IsTerminal() {
				view.finish()
				return &event, nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("event stream ended before the job finished")
}

// progressView renders sampler progress as a bar on terminals and as plain lines otherwise
type progressView struct {
	interactive bool
	bar         *progressbar.ProgressBar
	nodeType    string
}

func newProgressView(interactive bool) *progressView {
	return &progressView{interactive: interactive}
}

func (v *progressView) show(event types.ProgressEvent) {
	switch event.Type {
	case types.EventNodeStarted:
		v.finish()
		v.nodeType = event.NodeType
		fmt.Printf("Executing node %s (%s)\n", event.NodeID, event.NodeType)
	case types.EventProgress:
		if !v.interactive {
			fmt.Printf("Progress %d/%d\n", event.Value, event.Max)
			return
		}
		if v.bar == nil {
			v.bar = progressbar.Default(int64(event.Max), v.nodeType)
		}
		v.bar.Set(event.Value)
	case types.EventNodeCompleted:
		v.finish()
	}
}

func (v *progressView) finish() {
	if v.bar != nil {
		v.bar.Finish()
		fmt.Println()
		v.bar = nil
	}
}

func init() {
	runCmd.Flags().StringVarP(&runWorkflowID, "workflow-id", "w", "", "stored workflow to run")
	runCmd.Flags().StringArrayVarP(&runParams, "param", "p", nil, "input override as key=value (repeatable)")
	rootCmd.AddCommand(runCmd)
}
