package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/secureflow/secureflow-ids/internal/feed"
	"github.com/secureflow/secureflow-ids/internal/model"
)

const defaultFeedLimit = 500

// GET /api/v1/feed?since=N&limit=M
func (s *Server) getFeed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := seqParam(q.Get("since"))
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := intParam(q, "limit", defaultFeedLimit)
	if err != nil {
		writeError(w, err)
		return
	}

	records, truncated := s.deps.Feed.Since(since, limit)
	if records == nil {
		records = []feed.Record{}
	}
	last := s.deps.Feed.LastSeq()
	next := min(since, last)
	if len(records) > 0 {
		next = records[len(records)-1].Seq
	}

	writeJSON(w, map[string]any{
		"records":   records,
		"count":     len(records),
		"next":      next,
		"last_seq":  last,
		"truncated": truncated,
	}, http.StatusOK)
}

// GET /api/v1/feed/stream
//
// Server-sent events. Resumes after Last-Event-ID (or ?since=N); without either
// the stream carries live records only.
func (s *Server) streamFeed(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, ErrorResponse{Error: "streaming unsupported", Code: "internal"}, http.StatusInternalServerError)
		return
	}

	since := s.deps.Feed.LastSeq()
	resume := r.Header.Get("Last-Event-ID")
	if resume == "" {
		resume = r.URL.Query().Get("since")
	}
	if resume != "" {
		seq, err := seqParam(resume)
		if err != nil {
			writeError(w, err)
			return
		}
		since = seq
	}

	// the stream outlives the server write timeout
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("Could not clear write deadline", "error", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "retry: 3000\n\n")
	flusher.Flush()

	ctx := r.Context()
	cursor := s.deps.Feed.Subscribe(since)
	s.logger.Debug("Feed stream opened", "since", since, "remote_addr", r.RemoteAddr)

	for {
		waitCtx, cancel := context.WithTimeout(ctx, s.heartbeat)
		rec, err := cursor.Next(waitCtx)
		cancel()

		switch {
		case err == nil:
			if werr := writeEvent(w, rec); werr != nil {
				s.logger.Debug("Feed stream write failed", "error", werr)
				return
			}
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if _, werr := fmt.Fprintf(w, ": ping\n\n"); werr != nil {
				return
			}
		default:
			s.logger.Debug("Feed stream closed", "position", cursor.Position(), "missed", cursor.Missed(), "reason", err)
			return
		}
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, rec feed.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", rec.Seq, rec.Kind, data)
	return err
}

func seqParam(v string) (uint64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, &model.ValidationError{Field: "since", Message: "must be a sequence number", Err: errInvalidQuery}
	}
	return n, nil
}
