// Package cli implements the bridge-sequencer admin command-line client.
// Each subcommand is a thin HTTP caller against a running node's admin RPC
// surface (core.NewAdminRouter); none of these commands touch core types
// directly, matching the boundary the admin router itself enforces.
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var adminAddr string

// RegisterFlags attaches the shared --admin-addr flag to the root command.
func RegisterFlags(root *cobra.Command) {
	root.PersistentFlags().StringVar(&adminAddr, "admin-addr", "http://127.0.0.1:8091", "admin RPC base URL")
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func getJSON(path string, out any) error {
	resp, err := httpClient.Get(adminAddr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("admin RPC %s: %s", path, string(body))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func postJSON(path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	resp, err := httpClient.Post(adminAddr+path, "application/json", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("admin RPC %s: %s", path, string(respBody))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}
