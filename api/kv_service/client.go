package kvservice

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// ErrServer wraps ERROR replies.
var ErrServer = errors.New("server error")

// Client speaks the protocol over one connection. It is not safe for
// concurrent use.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
}

func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn, reader: bufio.NewReader(conn)}
}

// Do sends one raw command line and returns the reply.
func (c *Client) Do(command string) (Response, error) {
	command = strings.TrimRight(command, "\r\n")
	if strings.ContainsAny(command, "\r\n") {
		return Response{}, fmt.Errorf("command must be a single line")
	}
	if _, err := io.WriteString(c.conn, command+"\n"); err != nil {
		return Response{}, fmt.Errorf("write request: %w", err)
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	return ParseResponse(line)
}

func (c *Client) expect(command string, allowed ...string) (Response, error) {
	resp, err := c.Do(command)
	if err != nil {
		return Response{}, err
	}
	if resp.Status == StatusError {
		return resp, fmt.Errorf("%w: %s", ErrServer, resp.Message)
	}
	for _, status := range allowed {
		if resp.Status == status {
			return resp, nil
		}
	}
	return resp, fmt.Errorf("%w: unexpected status %s", ErrMalformedResponse, resp.Status)
}

func (c *Client) Put(key, value string) error {
	_, err := c.expect(fmt.Sprintf("PUT %s %s", key, value), StatusOK)
	return err
}

func (c *Client) Get(key string) (string, bool, error) {
	resp, err := c.expect("GET "+key, StatusOK, StatusNotFound)
	if err != nil {
		return "", false, err
	}
	if resp.Status == StatusNotFound {
		return "", false, nil
	}
	return resp.Message, true, nil
}

func (c *Client) Delete(key string) (bool, error) {
	resp, err := c.expect("DELETE "+key, StatusOK, StatusNotFound)
	if err != nil {
		return false, err
	}
	return resp.Status == StatusOK, nil
}

func (c *Client) Ping() error {
	_, err := c.expect("PING", StatusOK)
	return err
}

func (c *Client) Close() error { return c.conn.Close() }
