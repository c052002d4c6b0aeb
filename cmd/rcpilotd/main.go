// Command rcpilotd runs the task pipeline and resharding engine as a
// standalone daemon: an HTTP endpoint accepts (op, target) task
// submissions, and an optional bus file is polled for the same.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/mna/rcpilot"
)

var (
	listenAddrFlag = flag.String("listen", ":8080", "HTTP listen `address` for task submission.")
	busFileFlag    = flag.String("bus-file", "", "Optional `path` to a newline-delimited JSON task bus, polled on an interval.")
	busPollFlag    = flag.Duration("bus-poll", 2*time.Second, "Poll `interval` for -bus-file.")
)

func main() {
	flag.Parse()

	cfg, err := rcpilot.LoadConfig(flag.Args())
	if err != nil {
		log.Fatalf("rcpilotd: config: %v", err)
	}
	if len(cfg.SeedServers) == 0 {
		log.Fatal("rcpilotd: no seed servers configured, pass -redis-cluster-seed-servers after --")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cluster := rcpilot.NewCluster(cfg)
	sup := rcpilot.NewSupervisor(ctx, cluster, cfg)

	srv := &http.Server{
		Addr:    *listenAddrFlag,
		Handler: newIngressHandler(sup),
	}
	go func() {
		log.Printf("rcpilotd: listening on %s", *listenAddrFlag)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("rcpilotd: http: %v", err)
		}
	}()

	if *busFileFlag != "" {
		go pollBus(ctx, sup, *busFileFlag, *busPollFlag)
	}

	<-ctx.Done()
	log.Print("rcpilotd: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

type taskRequest struct {
	Op     string `json:"op"`
	Target string `json:"target"`
}

var nextTaskID int64

func newIngressHandler(sup *rcpilot.Supervisor) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/tasks", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req taskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
			return
		}

		id := atomic.AddInt64(&nextTaskID, 1)
		ack := sup.Submit(req.Op, req.Target)
		go logReply(id, req, ack)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"id": strconv.FormatInt(id, 10)})
	})
	return mux
}

func logReply(id int64, req taskRequest, ack rcpilot.Ack) {
	reply := <-ack.Reply
	if reply.Err != nil {
		log.Printf("rcpilotd: task %d (%s %s) failed: %v", id, req.Op, req.Target, reply.Err)
		return
	}
	log.Printf("rcpilotd: task %d (%s %s) done: %s %s", id, req.Op, req.Target, reply.Role, reply.Host)
}

// pollBus tails path for newly appended newline-delimited JSON task
// records and submits each to sup, polling every interval. It is a
// minimal stand-in for a real message-bus consumer.
func pollBus(ctx context.Context, sup *rcpilot.Supervisor, path string, interval time.Duration) {
	var offset int64
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		f, err := os.Open(path)
		if err != nil {
			log.Printf("rcpilotd: bus: open %s: %v", path, err)
			continue
		}
		if _, err := f.Seek(offset, os.SEEK_SET); err != nil {
			f.Close()
			continue
		}
		dec := json.NewDecoder(f)
		for {
			var req taskRequest
			if err := dec.Decode(&req); err != nil {
				break
			}
			id := atomic.AddInt64(&nextTaskID, 1)
			ack := sup.Submit(req.Op, req.Target)
			go logReply(id, req, ack)
		}
		pos, _ := f.Seek(0, os.SEEK_CUR)
		offset = pos
		f.Close()
	}
}
