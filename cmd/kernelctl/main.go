// Command kernelctl is a thin CLI client for the kernel's HTTP gateway,
// grounded on the teacher's slctl client but built on cobra rather than
// slctl's hand-rolled flag.FlagSet dispatch.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func (c *apiClient) request(method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("kernel returned %s: %s", resp.Status, string(data))
	}
	return data, nil
}

func main() {
	var addr string
	var timeout time.Duration

	client := &apiClient{}

	root := &cobra.Command{
		Use:   "kernelctl",
		Short: "Control client for the kernel gateway",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			client.baseURL = strings.TrimRight(addr, "/")
			client.http = &http.Client{Timeout: timeout}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&addr, "addr", getenv("KERNEL_ADDR", "http://localhost:8080"), "kernel gateway base URL")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Second, "HTTP request timeout")

	root.AddCommand(
		deployCmd(client),
		killCmd(client),
		statusCmd(client),
		listCmd(client),
		swapCmd(client),
		grantCmd(client),
		revokeCmd(client),
		systemStatusCmd(client),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func deployCmd(client *apiClient) *cobra.Command {
	var sourceFile, token string
	cmd := &cobra.Command{
		Use:   "deploy <tenant> <service>",
		Short: "Deploy a service under a tenant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := os.ReadFile(sourceFile)
			if err != nil {
				return fmt.Errorf("read source file: %w", err)
			}
			body := map[string]interface{}{
				"service_id": args[1],
				"source":     string(source),
				"token":      token,
			}
			data, err := client.request(http.MethodPost, "/tenants/"+args[0]+"/services", body)
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}
	cmd.Flags().StringVar(&sourceFile, "source", "", "path to service source file")
	cmd.Flags().StringVar(&token, "token", "", "capability token")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func killCmd(client *apiClient) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "kill <tenant> <service>",
		Short: "Kill a deployed service",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/tenants/" + args[0] + "/services/" + args[1] + "?token=" + token
			_, err := client.request(http.MethodDelete, path, nil)
			return err
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "capability token")
	return cmd
}

func statusCmd(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "status <tenant> <service>",
		Short: "Show a deployed service's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := client.request(http.MethodGet, "/tenants/"+args[0]+"/services/"+args[1], nil)
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}
}

func listCmd(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "list <tenant>",
		Short: "List services deployed under a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := client.request(http.MethodGet, "/tenants/"+args[0]+"/services", nil)
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}
}

func swapCmd(client *apiClient) *cobra.Command {
	var newSourceFile, previousSourceFile, token string
	cmd := &cobra.Command{
		Use:   "swap <tenant> <service>",
		Short: "Hot-swap a deployed service's module",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			newSource, err := os.ReadFile(newSourceFile)
			if err != nil {
				return fmt.Errorf("read new source file: %w", err)
			}
			var previousSource string
			if previousSourceFile != "" {
				data, err := os.ReadFile(previousSourceFile)
				if err != nil {
					return fmt.Errorf("read previous source file: %w", err)
				}
				previousSource = string(data)
			}
			body := map[string]interface{}{
				"new_source":      string(newSource),
				"previous_source": previousSource,
				"token":           token,
			}
			data, err := client.request(http.MethodPost, "/tenants/"+args[0]+"/services/"+args[1]+"/swap", body)
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}
	cmd.Flags().StringVar(&newSourceFile, "new-source", "", "path to the new module source")
	cmd.Flags().StringVar(&previousSourceFile, "previous-source", "", "path to the previous module source, for rollback")
	cmd.Flags().StringVar(&token, "token", "", "capability token")
	_ = cmd.MarkFlagRequired("new-source")
	return cmd
}

func grantCmd(client *apiClient) *cobra.Command {
	var resourceRef string
	var permissions []string
	var ttlSeconds int
	cmd := &cobra.Command{
		Use:   "grant <tenant>",
		Short: "Grant a capability token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{
				"resource_ref": resourceRef,
				"permissions":  permissions,
				"ttl_seconds":  ttlSeconds,
			}
			data, err := client.request(http.MethodPost, "/tenants/"+args[0]+"/capabilities", body)
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}
	cmd.Flags().StringVar(&resourceRef, "resource", "", "resource (usually a service ID) the token is scoped to")
	cmd.Flags().StringSliceVar(&permissions, "permission", nil, "permission to grant (repeatable)")
	cmd.Flags().IntVar(&ttlSeconds, "ttl", 0, "token lifetime in seconds (0 = default)")
	return cmd
}

func revokeCmd(client *apiClient) *cobra.Command {
	var tokenHash string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a capability token by its hash (printed as token_hash by grant)",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := client.request(http.MethodPost, "/capabilities/revoke", map[string]string{"token_hash": tokenHash})
			return err
		},
	}
	cmd.Flags().StringVar(&tokenHash, "token-hash", "", "hash of the capability token to revoke")
	_ = cmd.MarkFlagRequired("token-hash")
	return cmd
}

func systemStatusCmd(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "system-status",
		Short: "Show the kernel's descriptor tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := client.request(http.MethodGet, "/system/status", nil)
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}
}

func printJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		fmt.Println(string(data))
		return nil
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}
