// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package protocol defines the request and reply formats of the geohash lookup service.
//
// A request is a JSON object with a command and an optional data string. A successful lookup
// is answered with a JSON object, every failure with a single plain text line starting with
// "ERROR: ". Each reply is terminated by a newline.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/wneessen/geohashd/internal/store"
)

const (
	CmdGeohash    = "geohash"
	CmdLatLon     = "latlon"
	CmdDisconnect = "disconnect"
)

// Error replies sent to the client.
const (
	MsgGeohashTooShort = "ERROR: Geohash shorter than 8 characters"
	MsgInvalidGeohash  = "ERROR: Invalid geohash"
	MsgInvalidLatLon   = "ERROR: Invalid latitude/longitude"
	MsgOutOfBounds     = "ERROR: Coordinates out of bounds"
	MsgMissingData     = "ERROR: Missing data"
	MsgUnknownCommand  = "ERROR: Unknown command"
	MsgLookupFailed    = "ERROR: Lookup failed"
)

// ErrorPrefix starts every error reply.
const ErrorPrefix = "ERROR: "

var (
	ErrMalformed      = errors.New("malformed request")
	ErrMissingCommand = errors.New("request has no command")
	ErrInvalidLatLon  = errors.New("invalid latitude/longitude")
	ErrMissingData    = errors.New("request has no data")
	ErrDataNotString  = errors.New("request data is not a string")
)

// Request is a single client request. Data holds the raw JSON value of the data member and is
// empty when the client sent none.
type Request struct {
	Cmd  *string         `json:"cmd"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewRequest returns a request for the given command and data.
func NewRequest(cmd, data string) Request {
	raw, _ := json.Marshal(data)
	return Request{Cmd: &cmd, Data: raw}
}

// Text returns the request data as a string. It returns ErrMissingData if the data member is
// absent or null and ErrDataNotString for any other non-string value.
func (r Request) Text() (string, error) {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return "", ErrMissingData
	}
	var text string
	if err := json.Unmarshal(r.Data, &text); err != nil {
		return "", fmt.Errorf("%w: %s", ErrDataNotString, r.Data)
	}
	return text, nil
}

// Command returns the request command or an empty string if none is set.
func (r Request) Command() string {
	if r.Cmd == nil {
		return ""
	}
	return *r.Cmd
}

// ParseRequest decodes a raw request payload.
func ParseRequest(raw []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return req, req.Validate()
}

// Validate checks that the request carries a command.
func (r Request) Validate() error {
	if r.Cmd == nil {
		return ErrMissingCommand
	}
	return nil
}

// ParseLatLon parses a "lat,lon" pair of decimal numbers. Whitespace around each number is
// ignored, and so is anything after the second comma.
func ParseLatLon(data string) (float64, float64, error) {
	parts := strings.SplitN(data, ",", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("%w: expected at least 2 comma separated values, got %d", ErrInvalidLatLon, len(parts))
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrInvalidLatLon, err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrInvalidLatLon, err)
	}
	return lat, lon, nil
}

// Response is the reply to a successful lookup. The string members are null if no city was
// found.
type Response struct {
	City      *string `json:"city"`
	Admin     *string `json:"admin"`
	Country   *string `json:"country"`
	Precision int     `json:"precision"`
	Hits      int     `json:"hits"`
}

func NewResponse(record *store.Record, precision, hits int) Response {
	resp := Response{Precision: precision, Hits: hits}
	if record != nil {
		city, admin, country := record.City, record.Admin, record.Country
		resp.City, resp.Admin, resp.Country = &city, &admin, &country
	}
	return resp
}

// Found reports whether the response names a city.
func (r Response) Found() bool {
	return r.City != nil
}

// IsError reports whether a raw reply line is an error reply.
func IsError(line []byte) bool {
	return strings.HasPrefix(string(line), ErrorPrefix)
}
