// Package kvservice serves an index over a line-oriented TCP protocol.
//
// Each request is one line: PUT <key> <value>, GET <key>, DELETE <key>,
// FLUSH, STATS or PING. Each reply is one line, "<STATUS> <message>", where
// STATUS is OK, NOT_FOUND or ERROR. A PUT value runs to the end of the line
// and may contain spaces.
package kvservice

import (
	"errors"
	"fmt"
	"strings"
)

const (
	StatusOK       = "OK"
	StatusNotFound = "NOT_FOUND"
	StatusError    = "ERROR"
)

var ErrMalformedResponse = errors.New("malformed response")

// Request represents a parsed client request.
type Request struct {
	Command string
	Key     string
	Value   string // Only for PUT
}

// Response represents a server's reply to a client request.
type Response struct {
	Status  string
	Message string
}

func (r Response) String() string {
	if r.Message == "" {
		return r.Status + "\n"
	}
	return r.Status + " " + r.Message + "\n"
}

// ParseRequest parses a raw command line into a Request.
func ParseRequest(raw string) (Request, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Request{}, fmt.Errorf("empty command")
	}
	command, rest, _ := strings.Cut(raw, " ")
	command = strings.ToUpper(command)
	rest = strings.TrimLeft(rest, " ")
	req := Request{Command: command}

	switch command {
	case "PUT":
		key, value, ok := strings.Cut(rest, " ")
		if !ok || key == "" {
			return Request{}, fmt.Errorf("PUT requires key and value")
		}
		req.Key = key
		req.Value = value
	case "GET", "DELETE":
		fields := strings.Fields(rest)
		if len(fields) != 1 {
			return Request{}, fmt.Errorf("%s requires exactly one key", command)
		}
		req.Key = fields[0]
	case "FLUSH", "STATS", "PING":
		if rest != "" {
			return Request{}, fmt.Errorf("%s takes no arguments", command)
		}
	default:
		return Request{}, fmt.Errorf("unknown command: %s", command)
	}
	return req, nil
}

// ParseResponse splits a reply line into its status and message.
func ParseResponse(line string) (Response, error) {
	line = strings.TrimRight(line, "\r\n")
	status, message, _ := strings.Cut(line, " ")
	switch status {
	case StatusOK, StatusNotFound, StatusError:
		return Response{Status: status, Message: message}, nil
	}
	return Response{}, fmt.Errorf("%w: %q", ErrMalformedResponse, line)
}
