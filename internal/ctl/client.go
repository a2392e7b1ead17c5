package ctl

import (
	"fmt"
	"net/rpc"
)

// Client talks to a running daemon over the control socket.
type Client struct {
	client *rpc.Client
}

// NewClient dials the control socket.
func NewClient() (*Client, error) {
	client, err := rpc.Dial("unix", SocketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s (is the daemon running?): %w", SocketPath, err)
	}
	return &Client{client: client}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Status fetches the daemon snapshot.
func (c *Client) Status() (*StatusReply, error) {
	var reply StatusReply
	if err := c.client.Call("Server.GetStatus", &Empty{}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Activate switches the active policy.
func (c *Client) Activate(policy string) (*ActivateReply, error) {
	var reply ActivateReply
	if err := c.client.Call("Server.ActivatePolicy", &ActivateArgs{Policy: policy}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Race runs a manual path race.
func (c *Client) Race(args RaceArgs) (*RaceReply, error) {
	var reply RaceReply
	if err := c.client.Call("Server.Race", &args, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Backup dumps the rule table to path on the daemon host.
func (c *Client) Backup(path string) error {
	return c.client.Call("Server.Backup", &PathArgs{Path: path}, &Empty{})
}

// Restore replaces the rule table from path on the daemon host.
func (c *Client) Restore(path string) error {
	return c.client.Call("Server.Restore", &PathArgs{Path: path}, &Empty{})
}

// Reload re-reads the daemon's configuration file.
func (c *Client) Reload() (*ReloadReply, error) {
	var reply ReloadReply
	if err := c.client.Call("Server.Reload", &Empty{}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}
