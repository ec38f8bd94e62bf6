// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/wneessen/geohashd/internal/geohash"
	"github.com/wneessen/geohashd/internal/logger"
	"github.com/wneessen/geohashd/internal/metrics"
	"github.com/wneessen/geohashd/internal/protocol"
)

// error kinds used as metric labels
const (
	errKindProtocol   = "protocol"
	errKindValidation = "validation"
	errKindLookup     = "lookup"
	errKindTransport  = "transport"
)

type session struct {
	server  *Server
	conn    net.Conn
	logger  *logger.Logger
	limiter *io.LimitedReader
	decoder *json.Decoder
	encoder *json.Encoder
}

// serveSession answers requests on conn until the client disconnects, the connection idles out
// or a protocol error occurs. It always closes and untracks conn.
func (s *Server) serveSession(ctx context.Context, conn net.Conn) {
	s.active.Add(1)
	metrics.SessionsTotal.Inc()
	metrics.ActiveSessions.Inc()
	defer func() {
		_ = conn.Close()
		s.untrack(conn)
		s.active.Add(-1)
		metrics.ActiveSessions.Dec()
	}()

	limiter := &io.LimitedReader{R: conn, N: s.config.Server.MaxRequestSize}
	sess := &session{
		server:  s,
		conn:    conn,
		logger:  s.logger.With(slog.String("session", uuid.NewString()), slog.String("remote", conn.RemoteAddr().String())),
		limiter: limiter,
		decoder: json.NewDecoder(limiter),
		encoder: json.NewEncoder(conn),
	}
	sess.logger.Debug("session opened")
	sess.run(ctx)
	sess.logger.Debug("session closed")
}

func (sess *session) run(ctx context.Context) {
	for {
		raw, err := sess.readRequest()
		if err != nil {
			sess.logReadError(err)
			return
		}

		req, err := protocol.ParseRequest(raw)
		if err != nil {
			metrics.ErrorsTotal.WithLabelValues(errKindProtocol).Inc()
			sess.logger.Warn("closing session after protocol error", logger.Err(err))
			return
		}
		if req.Command() == protocol.CmdDisconnect {
			metrics.RequestsTotal.WithLabelValues(protocol.CmdDisconnect).Inc()
			sess.logger.Debug("client requested disconnect")
			return
		}

		resp, errMsg := sess.dispatch(ctx, req)
		sess.server.countQuery()
		if err = sess.writeReply(resp, errMsg); err != nil {
			metrics.ErrorsTotal.WithLabelValues(errKindTransport).Inc()
			sess.logger.Warn("failed to write reply, closing session", logger.Err(err))
			return
		}
	}
}

// readRequest reads the next JSON value from the connection. Each request may read at most
// MaxRequestSize bytes from the connection.
func (sess *session) readRequest() (json.RawMessage, error) {
	conf := sess.server.config.Server
	if conf.IdleTimeout > 0 {
		if err := sess.conn.SetReadDeadline(time.Now().Add(conf.IdleTimeout)); err != nil {
			return nil, err
		}
	}
	sess.limiter.N = conf.MaxRequestSize

	var raw json.RawMessage
	if err := sess.decoder.Decode(&raw); err != nil {
		if sess.limiter.N <= 0 && errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errRequestTooLarge
		}
		return nil, err
	}
	return raw, nil
}

var errRequestTooLarge = errors.New("request exceeds maximum size")

func (sess *session) logReadError(err error) {
	switch {
	case errors.Is(err, io.EOF):
		sess.logger.Debug("client closed connection")
	case errors.Is(err, os.ErrDeadlineExceeded):
		sess.logger.Info("closing idle session", slog.Duration("idle_timeout", sess.server.config.Server.IdleTimeout))
	case errors.Is(err, net.ErrClosed):
		sess.logger.Debug("connection closed during shutdown")
	case isNetError(err):
		metrics.ErrorsTotal.WithLabelValues(errKindTransport).Inc()
		sess.logger.Warn("failed to read request", logger.Err(err))
	default:
		metrics.ErrorsTotal.WithLabelValues(errKindProtocol).Inc()
		sess.logger.Warn("closing session after protocol error", logger.Err(err))
	}
}

func isNetError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}

// dispatch executes a request. It returns either a response or an error reply.
func (sess *session) dispatch(ctx context.Context, req protocol.Request) (protocol.Response, string) {
	switch req.Command() {
	case protocol.CmdGeohash:
		metrics.RequestsTotal.WithLabelValues(protocol.CmdGeohash).Inc()
		hash, err := req.Text()
		if errors.Is(err, protocol.ErrMissingData) {
			return sess.reject(protocol.MsgMissingData)
		}
		if err != nil {
			sess.logger.Debug("rejecting invalid geohash", logger.Err(err))
			return sess.reject(protocol.MsgInvalidGeohash)
		}
		if utf8.RuneCountInString(hash) < geohash.KeyLength {
			return sess.reject(protocol.MsgGeohashTooShort)
		}
		key, err := geohash.Decode(hash)
		if err != nil {
			sess.logger.Debug("rejecting invalid geohash", logger.Err(err))
			return sess.reject(protocol.MsgInvalidGeohash)
		}
		return sess.resolve(ctx, key)
	case protocol.CmdLatLon:
		metrics.RequestsTotal.WithLabelValues(protocol.CmdLatLon).Inc()
		data, err := req.Text()
		if errors.Is(err, protocol.ErrMissingData) {
			return sess.reject(protocol.MsgMissingData)
		}
		if err != nil {
			sess.logger.Debug("rejecting invalid coordinates", logger.Err(err))
			return sess.reject(protocol.MsgInvalidLatLon)
		}
		lat, lon, err := protocol.ParseLatLon(data)
		if err != nil {
			sess.logger.Debug("rejecting invalid coordinates", logger.Err(err))
			return sess.reject(protocol.MsgInvalidLatLon)
		}
		hash, err := geohash.Encode(lat, lon, geohash.DefaultPrecision)
		if err != nil {
			sess.logger.Debug("rejecting coordinates", logger.Err(err))
			return sess.reject(protocol.MsgOutOfBounds)
		}
		key, err := geohash.Decode(hash)
		if err != nil {
			return sess.reject(protocol.MsgInvalidGeohash)
		}
		return sess.resolve(ctx, key)
	default:
		metrics.RequestsTotal.WithLabelValues("unknown").Inc()
		sess.logger.Debug("rejecting unknown command", slog.String("cmd", req.Command()))
		return sess.reject(protocol.MsgUnknownCommand)
	}
}

func (sess *session) reject(msg string) (protocol.Response, string) {
	metrics.ErrorsTotal.WithLabelValues(errKindValidation).Inc()
	return protocol.Response{}, msg
}

func (sess *session) resolve(ctx context.Context, key geohash.Key) (protocol.Response, string) {
	result, err := sess.server.lookup.Resolve(ctx, key)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(errKindLookup).Inc()
		sess.logger.Error("lookup failed", slog.String("geohash", key.String()), logger.Err(err))
		return protocol.Response{}, protocol.MsgLookupFailed
	}
	sess.logger.Debug("resolved geohash", slog.String("geohash", key.String()),
		slog.Int("precision", result.Precision), slog.Int("hits", result.Hits),
		slog.Bool("cache_hit", result.CacheHit))
	return protocol.NewResponse(result.Record, result.Precision, result.Hits), ""
}

// writeReply sends a JSON response or, if errMsg is set, the error line.
func (sess *session) writeReply(resp protocol.Response, errMsg string) error {
	if timeout := sess.server.config.Server.WriteTimeout; timeout > 0 {
		if err := sess.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	if errMsg != "" {
		_, err := io.WriteString(sess.conn, errMsg+"\n")
		return err
	}
	return sess.encoder.Encode(resp)
}

// countQuery increments the query counter and logs every LogEvery queries.
func (s *Server) countQuery() {
	count := s.queries.Add(1)
	if every := s.config.Stats.LogEvery; every > 0 && count%every == 0 {
		s.logger.Info("queries served", slog.Uint64("queries", count))
	}
}
