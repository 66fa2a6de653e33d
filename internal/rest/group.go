package rest

import (
	"context"
	"net/http"
)

// Group is the backend's view of a group conversation.
type Group struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// CreateGroupChat creates a group with the given members and returns it.
func (c *Client) CreateGroupChat(ctx context.Context, name string, memberIDs []string) (*Group, error) {
	body := struct {
		Name    string   `json:"name"`
		Members []string `json:"members"`
	}{Name: name, Members: memberIDs}

	var out Group
	if err := c.postJSON(ctx, "/groups", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateGroupChat renames a group or replaces its member list.
func (c *Client) UpdateGroupChat(ctx context.Context, groupID, name string, memberIDs []string) (*Group, error) {
	body := struct {
		Name    string   `json:"name,omitempty"`
		Members []string `json:"members,omitempty"`
	}{Name: name, Members: memberIDs}

	var out Group
	if err := c.postJSON(ctx, "/groups/"+groupID, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LeaveGroupChat removes the authenticated user from a group.
func (c *Client) LeaveGroupChat(ctx context.Context, groupID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/groups/"+groupID+"/membership", nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}
