// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package server exposes the state of an extraction queue over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/VenobyTo/extractqueue"
)

// Server is a simple, read-only web server for a queue.
type Server struct {
	logger log.Logger
	q      *extractqueue.ExtractionQueue
	srv    *http.Server
}

// New initializes a new Server listening on addr.
func New(logger log.Logger, q *extractqueue.ExtractionQueue, addr string) *Server {
	s := &Server{
		logger: logger,
		q:      q,
	}
	s.srv = &http.Server{Addr: addr, Handler: s.Handler()}
	return s
}

// Handler returns the routes of the server:
//
//	GET /stats       queue statistics
//	GET /tasks       all tasks, grouped by status
//	GET /tasks/{id}  a single task
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stats", s.stats)
	mux.HandleFunc("/tasks", s.tasks)
	mux.HandleFunc("/tasks/", s.task)
	return mux
}

// Serve starts the web server and blocks until Shutdown is called.
// It returns immediately if Shutdown was called before.
func (s *Server) Serve() error {
	level.Info(s.logger).Log("msg", "web server started", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	return nil
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type snapshotView struct {
	Pending    []extractqueue.TaskView `json:"pending"`
	Processing []extractqueue.TaskView `json:"processing"`
	Completed  []extractqueue.TaskView `json:"completed"`
	Failed     []extractqueue.TaskView `json:"failed"`
}

func views(tasks []extractqueue.Task) []extractqueue.TaskView {
	out := make([]extractqueue.TaskView, len(tasks))
	for i := range tasks {
		out[i] = tasks[i].View()
	}
	return out
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	s.write(w, http.StatusOK, s.q.Stats())
}

func (s *Server) tasks(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	all := s.q.All()
	s.write(w, http.StatusOK, snapshotView{
		Pending:    views(all.Pending),
		Processing: views(all.Processing),
		Completed:  views(all.Completed),
		Failed:     views(all.Failed),
	})
}

func (s *Server) task(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/tasks/")
	t, found := s.q.Task(id)
	if id == "" || !found {
		s.write(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	s.write(w, http.StatusOK, t.View())
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet {
		return true
	}
	w.Header().Set("Allow", http.MethodGet)
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	return false
}

func (s *Server) write(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		level.Warn(s.logger).Log("msg", "cannot write response", "err", err)
	}
}
