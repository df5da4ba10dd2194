package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/VenobyTo/extractqueue"
)

var demoStations = []struct {
	id, name string
	priority extractqueue.Priority
}{
	{"PARIS_01", "Paris - Montsouris", extractqueue.PriorityHigh},
	{"LYON_01", "Lyon - Brotteaux", extractqueue.PriorityNormal},
	{"MARSEILLE_01", "Marseille - Aeroport", extractqueue.PriorityHigh},
	{"TOULOUSE_01", "Toulouse - Francazal", extractqueue.PriorityUrgent},
}

func runDemo(c *cli.Context) error {
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	q := extractqueue.NewExtractionQueue(
		extractqueue.SetThreadSafe(false),
		extractqueue.SetLogger(logger),
	)
	return demo(c.App.Writer, q)
}

// demo adds one task per station and processes them in a loop. The first
// attempt of every high priority task fails, and Lyon fails for good.
func demo(w io.Writer, q *extractqueue.ExtractionQueue) error {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, st := range demoStations {
		t := extractqueue.NewTask(
			fmt.Sprintf("task_%03d", i+1), st.id, st.name, "2024-01-01", "2024-12-31",
			extractqueue.WithPriority(st.priority),
			extractqueue.WithMaxRetries(2),
			extractqueue.WithCreatedAt(created.Add(time.Duration(i)*time.Second)),
		)
		if err := q.Add(t); err != nil {
			return err
		}
		fmt.Fprintf(w, "%-7s %v\n", "added", t)
	}
	fmt.Fprintf(w, "%v\n", q)

	for {
		t, found := q.Next()
		if !found {
			break
		}
		fail := t.StationID == "LYON_01" ||
			(t.Priority == extractqueue.PriorityHigh && t.RetryCount == 0)
		label := "done"
		if fail {
			retried, err := q.Fail(t.ID, "service unavailable", true)
			if err != nil {
				return err
			}
			label = "failed"
			if retried {
				label = "retry"
			}
		} else if err := q.Complete(t.ID, fmt.Sprintf("%d observations", 365)); err != nil {
			return err
		}
		cur, _ := q.Task(t.ID)
		fmt.Fprintf(w, "%-7s %v\n", label, &cur)
	}

	fmt.Fprintf(w, "%v\n", q)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(q.Stats())
}
