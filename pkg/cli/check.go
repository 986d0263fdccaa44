package cli

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// CheckDenied is returned when the server refuses access
type CheckDenied struct {
	StatusCode int
	Body       map[string]interface{}
}

func (e *CheckDenied) Error() string {
	if msg, ok := e.Body["message"].(string); ok && msg != "" {
		return fmt.Sprintf("access denied (%d): %s", e.StatusCode, msg)
	}
	if msg, ok := e.Body["error"].(string); ok && msg != "" {
		return fmt.Sprintf("access denied (%d): %s", e.StatusCode, msg)
	}
	return fmt.Sprintf("access denied (%d)", e.StatusCode)
}

func newCheckCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "check",
		Description: "Ask a running server whether a token may perform an action",
		Flags:       flag.NewFlagSet("check", flag.ContinueOnError),
	}
	server := cmd.Flags.String("server", envOr("GATEKEEPER_URL", "http://localhost:8080"), "Server URL")
	token := cmd.Flags.String("token", os.Getenv("GATEKEEPER_TOKEN"), "Bearer token")
	module := cmd.Flags.String("module", "", "Module key")
	submodule := cmd.Flags.String("submodule", "", "Submodule key (optional)")
	action := cmd.Flags.String("action", "read", "Action")
	orgID := cmd.Flags.Int64("org-id", 0, "Target organization (defaults to the caller's)")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if *module == "" || *token == "" {
			return errors.New("module and token are required")
		}

		q := url.Values{}
		q.Set("module", *module)
		q.Set("action", *action)
		if *submodule != "" {
			q.Set("submodule", *submodule)
		}
		if *orgID > 0 {
			q.Set("org_id", strconv.FormatInt(*orgID, 10))
		}

		req, err := http.NewRequest(http.MethodGet, strings.TrimRight(*server, "/")+"/access/check?"+q.Encode(), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+*token)

		client := env.HTTPClient
		if client == nil {
			client = http.DefaultClient
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to reach server: %w", err)
		}
		defer resp.Body.Close()

		var body map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return &CheckDenied{StatusCode: resp.StatusCode, Body: body}
		}
		return env.printJSON(body)
	}
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
