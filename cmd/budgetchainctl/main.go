package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
)

var version = "dev"

// loadEnvFile reads ./.env and sets any key=value pairs not already present
// in the process environment, so budgetchainctl works out of the box from
// the daemon's working directory. Explicit environment always wins.
func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.Trim(strings.TrimSpace(v), `"'`)
		if os.Getenv(k) == "" {
			_ = os.Setenv(k, v)
		}
	}
}

func main() {
	loadEnvFile()
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("budgetchainctl %s\n", version)
	case "status":
		doStatus()
	case "health":
		doHealth()
	case "budget":
		doBudget()
	case "chain":
		doChain(args)
	case "history":
		doHistory(args)
	case "reset-budget":
		doResetBudget()
	case "admin-token":
		doAdminToken()
	case "rotate-admin-token":
		doRotateAdminToken()
	case "help", "--help", "-h":
		usageTo(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	usageTo(os.Stderr)
}

func usageTo(w io.Writer) {
	_, _ = fmt.Fprintf(w, `budgetchainctl - CLI for the budgetchain daemon API

Usage: budgetchainctl <command> [arguments]

Environment:
  BUDGETCHAIN_URL          Base URL (default: http://localhost:8787)
  BUDGETCHAIN_ADMIN_TOKEN  Token for admin endpoints
  BUDGET_DATA_DIR          Data dir holding .admin-token (default: data)

  ./.env                   Auto-sourced on startup; explicit environment
                           variables take precedence.

Commands:
  status                      Show mode, active provider, and fallback state
  health                      Show daemon health
  budget                      Show today's per-provider budget table
  chain list                  List declared providers in priority order
  chain reload                Re-read the chain declaration (admin)

  history transactions [--limit N]  Show archived transactions
  history switches [--limit N]      Show archived provider switches
  history daily [--days N]          Show spend aggregated by day

  reset-budget                Reset today's spend to zero (admin)
  admin-token                 Print the admin token (env or data dir file)
  rotate-admin-token          Rotate the admin token (admin)

  version                     Show version
  help                        Show this help

Examples:
  budgetchainctl status
  budgetchainctl budget
  budgetchainctl chain list
  budgetchainctl history transactions --limit 20
  budgetchainctl rotate-admin-token
`)
}

// --- HTTP helpers ---

func baseURL() string {
	if u := os.Getenv("BUDGETCHAIN_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:8787"
}

func adminToken() string {
	return os.Getenv("BUDGETCHAIN_ADMIN_TOKEN")
}

func doRequest(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, baseURL()+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := adminToken(); tok != "" {
		req.Header.Set("X-Admin-Token", tok)
	}
	return http.DefaultClient.Do(req)
}

func doGet(path string) map[string]any {
	resp, err := doRequest("GET", path, nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doPost(path string) map[string]any {
	resp, err := doRequest("POST", path, strings.NewReader("{}"))
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func readJSON(resp *http.Response) map[string]any {
	data, err := io.ReadAll(resp.Body)
	fatal(err)
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", resp.StatusCode, string(data))
		os.Exit(1)
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		fmt.Println(string(data))
		os.Exit(0)
	}
	return result
}

func fatal(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func flagInt(args []string, name string, def int) int {
	for i, a := range args {
		if a == name && i+1 < len(args) {
			n, _ := strconv.Atoi(args[i+1])
			if n > 0 {
				return n
			}
		}
	}
	return def
}

// --- Commands ---

func doStatus() {
	st := doGet("/v1/status")

	mode, _ := st["mode"].(string)
	fmt.Printf("Server:          %s\n", baseURL())
	fmt.Printf("Mode:            %s\n", mode)
	if onLocal, ok := st["onLocalFallback"].(bool); ok && onLocal {
		fmt.Printf("Local fallback:  yes (model %v, since %v)\n", st["switchedModelId"], st["switchedAt"])
		fmt.Printf("Original model:  %v\n", st["originalModel"])
	} else {
		fmt.Printf("Local fallback:  no\n")
	}
	if mode == "chain" {
		fmt.Printf("Active provider: %v\n", st["activeProvider"])
		fmt.Printf("Remaining USD:   %v\n", st["remainingUsd"])
		fmt.Printf("Spent USD:       %v\n", st["totalSpentUsd"])
		fmt.Printf("Switches today:  %v\n", st["switchesToday"])
	} else {
		fmt.Printf("Remaining USD:   %v\n", st["remainingUsd"])
		fmt.Printf("Exhausted:       %v\n", st["exhausted"])
	}
}

func doHealth() {
	h := doGet("/healthz")
	fmt.Printf("Status:    %v\n", h["status"])
	fmt.Printf("Mode:      %v\n", h["mode"])
	fmt.Printf("Providers: %v\n", h["providers"])
}

func doBudget() {
	b := doGet("/v1/budget")
	fmt.Printf("Date: %v\n\n", b["date"])

	providers, ok := b["providers"].(map[string]any)
	if !ok {
		// Legacy mode: flat document.
		fmt.Printf("Spent USD: %v\n", b["spentUsd"])
		fmt.Printf("Cap USD:   %v\n", b["capUsd"])
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PROVIDER\tSPENT\tREMAINING\tCAP\tEXHAUSTED")
	for id, v := range providers {
		row, _ := v.(map[string]any)
		_, _ = fmt.Fprintf(tw, "%s\t%.4f\t%.4f\t%.2f\t%v\n",
			id, num(row["spentUsd"]), num(row["remainingUsd"]), num(row["capUsd"]), row["exhausted"])
	}
	_ = tw.Flush()
}

func doChain(args []string) {
	sub := "list"
	if len(args) > 0 {
		sub = args[0]
	}
	switch sub {
	case "list":
		data := doGet("/v1/chain")
		providers, _ := data["providers"].([]any)
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "PRIORITY\tPROVIDER\tENABLED\tCAP USD\tDEFAULT MODEL")
		for _, v := range providers {
			p, _ := v.(map[string]any)
			models, _ := p["models"].(map[string]any)
			_, _ = fmt.Fprintf(tw, "%.0f\t%s\t%v\t%.2f\t%v\n",
				num(p["priority"]), p["id"], p["enabled"], num(p["maxDailyUsd"]), models["default"])
		}
		_ = tw.Flush()
	case "reload":
		result := doPost("/admin/v1/chain/reload")
		fmt.Printf("Reloaded %v providers.\n", result["providers"])
	default:
		fmt.Fprintf(os.Stderr, "usage: budgetchainctl chain [list|reload]\n")
		os.Exit(1)
	}
}

func doHistory(args []string) {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "usage: budgetchainctl history [transactions|switches|daily]\n")
		os.Exit(1)
	}
	switch args[0] {
	case "transactions":
		limit := flagInt(args, "--limit", 50)
		data := doGet(fmt.Sprintf("/v1/history/transactions?limit=%d", limit))
		txs, _ := data["transactions"].([]any)
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "TIMESTAMP\tPROVIDER\tMODEL\tIN\tOUT\tCOST USD")
		for _, v := range txs {
			tx, _ := v.(map[string]any)
			_, _ = fmt.Fprintf(tw, "%v\t%v\t%v\t%.0f\t%.0f\t%.4f\n",
				tx["timestamp"], tx["providerId"], tx["model"],
				num(tx["inputTokens"]), num(tx["outputTokens"]), num(tx["costUsd"]))
		}
		_ = tw.Flush()
	case "switches":
		limit := flagInt(args, "--limit", 50)
		data := doGet(fmt.Sprintf("/v1/history/switches?limit=%d", limit))
		sws, _ := data["switches"].([]any)
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "TIMESTAMP\tFROM\tTO\tREASON")
		for _, v := range sws {
			sw, _ := v.(map[string]any)
			_, _ = fmt.Fprintf(tw, "%v\t%v\t%v\t%v\n",
				sw["timestamp"], sw["fromProvider"], sw["toProvider"], sw["reason"])
		}
		_ = tw.Flush()
	case "daily":
		days := flagInt(args, "--days", 30)
		data := doGet(fmt.Sprintf("/v1/history/daily?days=%d", days))
		daily, _ := data["daily"].([]any)
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "DATE\tPROVIDER\tTURNS\tSPENT USD")
		for _, v := range daily {
			d, _ := v.(map[string]any)
			_, _ = fmt.Fprintf(tw, "%v\t%v\t%.0f\t%.4f\n",
				d["date"], d["providerId"], num(d["turns"]), num(d["costUsd"]))
		}
		_ = tw.Flush()
	default:
		fmt.Fprintf(os.Stderr, "usage: budgetchainctl history [transactions|switches|daily]\n")
		os.Exit(1)
	}
}

func doResetBudget() {
	result := doPost("/admin/v1/budget/reset")
	fmt.Printf("Budget reset: %v\n", result["status"])
}

func doAdminToken() {
	if tok := os.Getenv("BUDGETCHAIN_ADMIN_TOKEN"); tok != "" {
		fmt.Println(tok)
		return
	}
	// Only the bcrypt hash is persisted; the plaintext token exists in the
	// environment or in the rotation response, never on disk.
	fmt.Fprintln(os.Stderr, "admin token not found - set BUDGETCHAIN_ADMIN_TOKEN or rotate via rotate-admin-token")
	os.Exit(1)
}

func doRotateAdminToken() {
	result := doPost("/admin/v1/token/rotate")
	token, _ := result["adminToken"].(string)
	if token == "" {
		fmt.Fprintln(os.Stderr, "rotation failed:", result)
		os.Exit(1)
	}
	fmt.Println("Admin token rotated.")
	fmt.Println("New token:", token)
	fmt.Println()
	fmt.Println("Save it now: only the hash is stored on the server.")
}

func num(v any) float64 {
	f, _ := v.(float64)
	return f
}
