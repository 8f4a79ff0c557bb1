package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/chimera-agents/chimera/pkg/errors"
	"github.com/chimera-agents/chimera/pkg/orchestrator"
)

// snapshotDoc renders a run snapshot as its control surface document.
func snapshotDoc(snap orchestrator.Snapshot) map[string]any {
	invocations := make([]map[string]any, 0, len(snap.Invocations))
	for _, inv := range snap.Invocations {
		doc := map[string]any{
			"id":      inv.ID,
			"stage":   inv.Stage,
			"skill":   inv.Skill,
			"version": inv.Version,
			"attempt": inv.Attempt,
			"outcome": string(inv.Outcome),
		}
		if inv.Error != "" {
			doc["error"] = inv.Error
		}
		invocations = append(invocations, doc)
	}
	doc := map[string]any{
		"id":             snap.ID,
		"correlation_id": snap.CorrelationID,
		"status":         string(snap.Status),
		"created_at":     snap.CreatedAt,
		"updated_at":     snap.UpdatedAt,
		"invocations":    invocations,
	}
	if snap.Stage != "" {
		doc["stage"] = snap.Stage
	}
	if snap.LastError != "" {
		doc["last_error"] = snap.LastError
	}
	return doc
}

func writeControlJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeControlError(w http.ResponseWriter, status int, detail string) {
	writeControlJSON(w, status, map[string]string{"error": detail})
}

func writeControlErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if ce := errors.AsChimeraError(err); ce != nil && ce.StatusCode > 0 {
		status = ce.StatusCode
	}
	writeControlError(w, status, err.Error())
}

// call performs one control surface request and decodes the response into
// out when it is non-nil.
func call(ctx context.Context, global globalFlags, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, global.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	client := &http.Client{Timeout: global.Timeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var problem struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(payload, &problem) == nil {
			if problem.Error != "" {
				return fmt.Errorf("%s", problem.Error)
			}
			if problem.Detail != "" {
				return fmt.Errorf("%s", problem.Detail)
			}
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(payload, out)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func runSubmit(ctx context.Context, global globalFlags, args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	platform := fs.String("platform", "tiktok", "target platform (youtube, tiktok, twitter)")
	window := fs.String("window", "24h", "trend time window, e.g. 24h or 7d")
	geo := fs.String("geo", "", "optional two-letter geo target")
	topic := fs.String("topic", "", "optional seed topic")
	correlation := fs.String("correlation", "", "correlation id shared with peers")
	_ = fs.Parse(args)

	payload := map[string]any{
		"platform":    *platform,
		"time_window": *window,
	}
	if *geo != "" {
		payload["geo_target"] = *geo
	}
	if *topic != "" {
		payload["topic"] = *topic
	}

	var out struct {
		RunID string `json:"run_id"`
	}
	err := call(ctx, global, http.MethodPost, "/v1/runs", map[string]any{
		"correlation_id": *correlation,
		"payload":        payload,
	}, &out)
	if err != nil {
		fatal(err)
	}
	if global.JSON {
		printJSON(out)
		return
	}
	fmt.Println(out.RunID)
}

func runStatus(ctx context.Context, global globalFlags, args []string) {
	runID := requireRunID(args)
	var snap map[string]any
	if err := call(ctx, global, http.MethodGet, "/v1/runs/"+runID, nil, &snap); err != nil {
		fatal(err)
	}
	if global.JSON {
		printJSON(snap)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "run\t%v\n", snap["id"])
	fmt.Fprintf(w, "status\t%v\n", snap["status"])
	if stage, ok := snap["stage"]; ok {
		fmt.Fprintf(w, "stage\t%v\n", stage)
	}
	if lastErr, ok := snap["last_error"]; ok {
		fmt.Fprintf(w, "error\t%v\n", lastErr)
	}
	fmt.Fprintf(w, "correlation\t%v\n", snap["correlation_id"])
	w.Flush()
}

func runAudit(ctx context.Context, global globalFlags, args []string) {
	runID := requireRunID(args)
	var out struct {
		Entries []map[string]any `json:"entries"`
	}
	if err := call(ctx, global, http.MethodGet, "/v1/runs/"+runID+"/audit", nil, &out); err != nil {
		fatal(err)
	}
	if global.JSON {
		printJSON(out.Entries)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTYPE\tSTAGE\tOUTCOME\tERROR")
	for _, e := range out.Entries {
		outcome := stringOr(e, "outcome", stringOr(e, "to_state", ""))
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\n",
			e["seq"], e["type"], stringOr(e, "stage", "-"), outcome, stringOr(e, "error", ""))
	}
	w.Flush()
}

func runCancel(ctx context.Context, global globalFlags, args []string) {
	runID := requireRunID(args)
	var snap map[string]any
	if err := call(ctx, global, http.MethodPost, "/v1/runs/"+runID+":cancel", nil, &snap); err != nil {
		fatal(err)
	}
	if global.JSON {
		printJSON(snap)
		return
	}
	fmt.Printf("%s %v\n", runID, snap["status"])
}

func runUnblock(ctx context.Context, global globalFlags, args []string) {
	if len(args) == 0 || args[0] == "" || strings.HasPrefix(args[0], "-") {
		fatal(fmt.Errorf("expected a run id before any flags"))
	}
	runID := args[0]

	fs := flag.NewFlagSet("unblock", flag.ExitOnError)
	verdict := fs.String("verdict", "approve", "approve or deny")
	reason := fs.String("reason", "", "decision rationale, recorded in the audit trail")
	decidedBy := fs.String("by", "operator", "who decided")
	_ = fs.Parse(args[1:])

	err := call(ctx, global, http.MethodPost, "/v1/runs/"+runID+":unblock", map[string]string{
		"verdict":    *verdict,
		"reason":     *reason,
		"decided_by": *decidedBy,
	}, nil)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("%s %s\n", runID, *verdict)
}

func runPeers(ctx context.Context, global globalFlags, args []string) {
	ensureNoArgs(args)
	var out struct {
		Peers []map[string]any `json:"peers"`
	}
	if err := call(ctx, global, http.MethodGet, "/v1/peers", nil, &out); err != nil {
		fatal(err)
	}
	if global.JSON {
		printJSON(out.Peers)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tURL\tCAPABILITIES")
	for _, peer := range out.Peers {
		caps, _ := peer["capabilities"].([]any)
		names := make([]string, 0, len(caps))
		for _, c := range caps {
			if m, ok := c.(map[string]any); ok {
				names = append(names, fmt.Sprintf("%v", m["type"]))
			}
		}
		fmt.Fprintf(w, "%v\t%v\t%s\n", peer["name"], peer["base_url"], strings.Join(names, ","))
	}
	w.Flush()
}

func runSkills(ctx context.Context, global globalFlags, args []string) {
	ensureNoArgs(args)
	var card map[string]any
	if err := call(ctx, global, http.MethodGet, "/.well-known/agent-card.json", nil, &card); err != nil {
		fatal(err)
	}
	if global.JSON {
		printJSON(card)
		return
	}
	caps, _ := card["capabilities"].([]any)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SKILL\tVERSION\tSLA(ms)")
	for _, c := range caps {
		if m, ok := c.(map[string]any); ok {
			fmt.Fprintf(w, "%v\t%v\t%v\n", m["type"], m["version"], m["sla_millis"])
		}
	}
	w.Flush()
}

func requireRunID(args []string) string {
	if len(args) != 1 || args[0] == "" {
		fatal(fmt.Errorf("expected exactly one run id argument"))
	}
	return args[0]
}

func ensureNoArgs(args []string) {
	if len(args) > 0 {
		fatal(fmt.Errorf("unexpected arguments: %s", strings.Join(args, " ")))
	}
}

func stringOr(m map[string]any, key, fallback string) string {
	if v, ok := m[key]; ok && v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}
