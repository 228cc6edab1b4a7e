package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"parley/internal/api"
	"parley/internal/config"
	"parley/internal/models"
)

// AddGroup creates a group through the admin API of a running server.
func AddGroup(name, members string, cfg *config.Config) error {
	req := api.AddGroupRequest{Name: name}
	for _, m := range strings.Split(members, ",") {
		if m = strings.TrimSpace(m); m != "" {
			req.Members = append(req.Members, m)
		}
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s/admin/groups", cfg.AdminAddr)
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to add group (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result api.GroupResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if result.Group == nil {
		return fmt.Errorf("admin API returned no group: %s", result.Message)
	}

	fmt.Printf("\nGroup Created Successfully!\n")
	fmt.Printf("Name:             %s\n", result.Group.Name)
	fmt.Printf("ID:               %s\n", result.Group.ID)
	fmt.Printf("Conversation Key: %s\n", models.GroupKey(result.Group.ID))
	fmt.Printf("Members:          %d\n\n", len(result.Group.Members))
	return nil
}
