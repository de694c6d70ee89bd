package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"X402-Agent/sdk/go/x402"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/collaborations", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(x402.Collaboration{ID: "job-demo", Status: x402.StatusPending, MaxRetries: 3})
	})
	mux.HandleFunc("/api/v1/collaborations/job-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(x402.Collaboration{
			ID:     "job-demo",
			Status: x402.StatusSucceeded,
			Result: &x402.CollaborationResult{Report: "2/2 agents answered", Successful: 2, Members: 2},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := x402.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}
	client.SetAPIKey("demo-key")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := client.SubmitCollaboration(ctx, x402.CollaborationRequest{Prompt: "compare L2 fees", Strategy: "parallel"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted collaboration %s (status=%s)\n", job.ID, job.Status)

	done, err := client.WaitCollaboration(ctx, job.ID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("collaboration %s finished: %s\n", done.ID, done.Result.Report)
}
