// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package main implements geohash-query, a command line client for the geohashd service.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/wneessen/geohashd/internal/client"
	"github.com/wneessen/geohashd/internal/logger"
	"github.com/wneessen/geohashd/internal/protocol"
)

var header = []string{"QUERY", "CITY", "ADMIN", "COUNTRY", "PRECISION", "HITS"}

func main() {
	addr := flag.String("addr", "127.0.0.1:9999", "address of the geohashd service")
	timeout := flag.Duration("timeout", 5*time.Second, "timeout per query")
	ping := flag.Bool("ping", false, "check that the service resolves a known geohash and exit")
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <geohash|lat,lon>...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	log := logger.New(slog.LevelError)
	ctx := context.Background()
	conn, err := client.Dial(ctx, *addr)
	if err != nil {
		log.Error("failed to connect", logger.Err(err))
		os.Exit(1)
	}
	defer func() {
		_ = conn.Disconnect()
	}()

	if *ping {
		pingCtx, cancel := context.WithTimeout(ctx, *timeout)
		defer cancel()
		if err = conn.Ping(pingCtx); err != nil {
			log.Error("ping failed", logger.Err(err))
			os.Exit(1)
		}
		fmt.Println("ok")
		return
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	rows := [][]string{header}
	for _, query := range flag.Args() {
		row, err := lookup(ctx, conn, query, *timeout)
		if err != nil {
			log.Error("query failed", slog.String("query", query), logger.Err(err))
			os.Exit(1)
		}
		rows = append(rows, row)
	}
	printTable(os.Stdout, rows)
}

// lookup sends a coordinate query if the argument contains a comma and a geohash query
// otherwise.
func lookup(ctx context.Context, conn *client.Client, query string, timeout time.Duration) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reply client.Reply
	var err error
	if strings.Contains(query, ",") {
		lat, lon, parseErr := protocol.ParseLatLon(query)
		if parseErr != nil {
			return nil, parseErr
		}
		reply, err = conn.QueryLatLon(ctx, lat, lon)
	} else {
		reply, err = conn.QueryGeohash(ctx, query)
	}
	if err != nil {
		return nil, err
	}
	return formatReply(query, reply), nil
}

func formatReply(query string, reply client.Reply) []string {
	if reply.Error != "" {
		return []string{query, reply.Error, "", "", "", ""}
	}
	resp := reply.Result
	return []string{
		query, orDash(resp.City), orDash(resp.Admin), orDash(resp.Country),
		strconv.Itoa(resp.Precision), strconv.Itoa(resp.Hits),
	}
}

func orDash(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

// printTable writes rows as columns aligned by their display width.
func printTable(w io.Writer, rows [][]string) {
	widths := make([]int, len(header))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], runewidth.StringWidth(cell))
		}
	}
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			if i == len(row)-1 {
				cells[i] = cell
				continue
			}
			cells[i] = runewidth.FillRight(cell, widths[i])
		}
		_, _ = fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, "  "), " "))
	}
}
