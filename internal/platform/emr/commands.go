package emr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// CreateCommand files a command (vitals, immunization statement, family
// history) into a note and returns the command UUID. The command sits in a
// staged state until committed.
func (c *Client) CreateCommand(ctx context.Context, payload map[string]interface{}) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("emr: encoding command payload: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/core/api/v1/commands/", body)
	if err != nil {
		return "", err
	}

	var created struct {
		UUID string `json:"uuid"`
	}
	if err := json.Unmarshal(resp.Body, &created); err != nil || created.UUID == "" {
		return "", fmt.Errorf("emr: command create returned no uuid: %s", resp.Body)
	}
	return created.UUID, nil
}

// CommitCommand commits a staged command.
func (c *Client) CommitCommand(ctx context.Context, commandUUID string) error {
	url := fmt.Sprintf("%s/core/api/v1/commands/%s/commit/", c.baseURL, commandUUID)
	_, err := c.do(ctx, http.MethodPost, url, nil)
	return err
}
