package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const (
	subjectEmbed    = "memengine.embedding.embed"
	subjectShutdown = "memengine.embedding.shutdown"

	startupTimeout = 30 * time.Second
	requestTimeout = 30 * time.Second
	shutdownGrace  = 5 * time.Second
)

// embedWireRequest/Response carry the correlation between the main loop
// and the worker over the embedded NATS bus; nats.Request's reply inbox
// already gives each call a unique correlation subject.
type embedWireRequest struct {
	Text string `json:"text"`
}

type embedWireResponse struct {
	Vector []float32 `json:"vector,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// Handle is the main-loop side of the embedding worker: message passing
// with correlation identifiers over an in-process NATS server.
type Handle struct {
	conn    *nats.Conn
	srv     *server.Server
	ready   bool
	engine  string
	dims    int
	log     *logrus.Entry
}

// Start launches an embedded NATS server, a subscriber goroutine hosting
// adapter off the main execution context, and returns a Handle. If the
// embedded server is not ready for connections within startupTimeout, or
// connecting/subscribing fails, the handle reports not-ready and the
// pipeline runs keyword-only. The adapter itself is not probed at startup.
func Start(adapter Adapter, log *logrus.Entry) (*Handle, error) {
	opts := &server.Options{Port: server.RANDOM_PORT, DontListen: false, NoLog: true, NoSigs: true}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("embedding: start nats server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(startupTimeout) {
		return &Handle{ready: false, log: log}, nil
	}

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		return &Handle{ready: false, log: log}, nil
	}

	h := &Handle{conn: conn, srv: ns, engine: adapter.EngineName(), dims: adapter.Dimensions(), log: log}

	sub, err := conn.Subscribe(subjectEmbed, func(msg *nats.Msg) {
		var req embedWireRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			reply, _ := json.Marshal(embedWireResponse{Error: err.Error()})
			msg.Respond(reply)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		vec, err := adapter.Embed(ctx, req.Text)
		resp := embedWireResponse{Vector: vec}
		if err != nil {
			resp.Error = err.Error()
		}
		reply, _ := json.Marshal(resp)
		msg.Respond(reply)
	})
	if err != nil {
		conn.Close()
		return &Handle{ready: false, log: log}, nil
	}

	conn.Subscribe(subjectShutdown, func(msg *nats.Msg) {
		sub.Unsubscribe()
	})

	h.ready = true
	log.WithFields(logrus.Fields{"engine": h.engine, "dimensions": h.dims}).Info("embedding worker ready")
	return h, nil
}

func (h *Handle) Ready() bool      { return h.ready }
func (h *Handle) Dimensions() int  { return h.dims }
func (h *Handle) EngineName() string { return h.engine }

// Embed sends one correlation-id'd request (the NATS reply inbox) and
// resolves to nil on timeout or error rather than surfacing to the caller.
func (h *Handle) Embed(text string) []float32 {
	if !h.ready {
		return nil
	}
	body, err := json.Marshal(embedWireRequest{Text: text})
	if err != nil {
		return nil
	}
	msg, err := h.conn.Request(subjectEmbed, body, requestTimeout)
	if err != nil {
		h.log.WithError(err).Debug("embedding request timed out or failed")
		return nil
	}
	var resp embedWireResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil || resp.Error != "" {
		return nil
	}
	return resp.Vector
}

// EmbedBatch embeds each text independently; callers needing bounded
// concurrency should fan these out themselves.
func (h *Handle) EmbedBatch(texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.Embed(t)
	}
	return out
}

// Shutdown signals the worker and waits up to shutdownGrace before force
// terminating the embedded NATS server.
func (h *Handle) Shutdown() {
	if !h.ready {
		return
	}
	h.conn.Publish(subjectShutdown, nil)
	h.conn.Flush()
	done := make(chan struct{})
	go func() {
		h.conn.Close()
		h.srv.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		h.srv.Shutdown()
	}
}
