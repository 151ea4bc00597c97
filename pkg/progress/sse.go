package progress

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/zabrisket/ledgerlift/pkg/kv"
	"github.com/zabrisket/ledgerlift/pkg/types"
)

// Streamer serves Server-Sent Events for job progress.
type Streamer struct {
	pub        *Publisher
	kv         *kv.Client
	edgeBudget time.Duration
}

// NewStreamer creates an SSE streamer. edgeBudget caps the advertised p95
// hint.
func NewStreamer(pub *Publisher, kvClient *kv.Client, edgeBudget time.Duration) *Streamer {
	if edgeBudget <= 0 {
		edgeBudget = 35 * time.Second
	}
	return &Streamer{pub: pub, kv: kvClient, edgeBudget: edgeBudget}
}

// ServeJob streams progress events for one job until the client disconnects.
// The stored snapshot (if any) is replayed first; live events are filtered
// by job id; a keepalive comment is emitted after 15 s of silence.
func (s *Streamer) ServeJob(w http.ResponseWriter, r *http.Request, jobID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	p95 := s.kv.EstimateP95(ctx, s.edgeBudget)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-P95-JOB-MS", strconv.FormatInt(p95.Milliseconds(), 10))
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.pub.Subscribe(ctx)
	defer sub.Close()
	messages := sub.Channel()

	lastActivity := time.Now()
	if snapshot, err := s.pub.Load(ctx, jobID); err == nil && snapshot != nil {
		writeEvent(w, snapshot)
		flusher.Flush()
		lastActivity = time.Now()
	}

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, open := <-messages:
			if !open {
				return
			}
			snapshot := decodeSnapshot([]byte(msg.Payload))
			if snapshot == nil || snapshot.JobID != jobID {
				continue
			}
			writeEvent(w, snapshot)
			flusher.Flush()
			lastActivity = time.Now()
			if snapshot.Duration != nil {
				// Durations observed over the wire feed the p95 ring too, so
				// API-side processes converge with workers.
				_ = s.kv.RecordJobDuration(ctx, *snapshot.Duration)
			}
		case <-ticker.C:
			if time.Since(lastActivity) > KeepaliveInterval {
				fmt.Fprint(w, ": keep-alive\n\n")
				flusher.Flush()
				lastActivity = time.Now()
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, snapshot *types.ProgressSnapshot) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: progress\ndata: %s\n\n", payload)
}
