// Package main implements the benthamctl CLI for manual operations against
// the benthamd ops HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the benthamd ops server
	serverURL string
	version   = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "benthamctl",
	Short: "CLI for benthamd operations",
	Long: `benthamctl is a command-line interface for the benthamd ops server.
It submits and controls studies and inspects pool health.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9090", "benthamd server URL")
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(credentialsCmd)
	rootCmd.AddCommand(sessionsCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check benthamd server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON("/health")
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit <study.json>",
	Short: "Submit a study from a JSON file (use - for stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var body []byte
		var err error
		if args[0] == "-" {
			body, err = io.ReadAll(os.Stdin)
		} else {
			body, err = os.ReadFile(args[0])
		}
		if err != nil {
			return fmt.Errorf("failed to read study: %w", err)
		}

		resp, err := client().Post(serverURL+"/api/v1/studies", "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to reach server: %w", err)
		}
		defer resp.Body.Close()
		return printResponse(resp)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <study-id>",
	Short: "Show study progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON("/api/v1/studies/" + args[0])
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause <study-id>",
	Short: "Pause dispatch for a study",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postEmpty("/api/v1/studies/" + args[0] + "/pause")
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <study-id>",
	Short: "Resume a paused study",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postEmpty("/api/v1/studies/" + args[0] + "/resume")
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <study-id>",
	Short: "Cancel a study, skipping all remaining cells",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := http.NewRequest(http.MethodDelete, serverURL+"/api/v1/studies/"+args[0], nil)
		if err != nil {
			return err
		}
		resp, err := client().Do(req)
		if err != nil {
			return fmt.Errorf("failed to reach server: %w", err)
		}
		defer resp.Body.Close()
		return printResponse(resp)
	},
}

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Show credential pool statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON("/api/v1/credentials")
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Show session pool statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON("/api/v1/sessions")
	},
}

func client() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func getJSON(path string) error {
	resp, err := client().Get(serverURL + path)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func postEmpty(path string) error {
	resp, err := client().Post(serverURL+path, "application/json", nil)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

// printResponse pretty-prints a JSON body, or reports the status for empty
// responses. Non-2xx statuses become errors so the exit code reflects them.
func printResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if len(bytes.TrimSpace(body)) > 0 {
		var pretty bytes.Buffer
		if json.Indent(&pretty, body, "", "  ") == nil {
			fmt.Println(pretty.String())
		} else {
			fmt.Println(string(body))
		}
	}

	if resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		fmt.Println("ok")
	}
	return nil
}
