package pipeline

import (
	"net/http"

	"github.com/wireflow-go/wireflow/internal/pipeline/jsoncodec"
)

// introspectionReport is the JSON document served at /api/events.
type introspectionReport struct {
	Identity        string            `json:"identity"`
	Events          []*EventInfo      `json:"events"`
	Breakers        map[string]string `json:"breakers"`
	QueueDepths     map[string]int    `json:"queue_depths"`
	PendingPayloads int               `json:"pending_payloads"`
	Middleware      []string          `json:"middleware"`
}

func (p *Pipeline) snapshot() introspectionReport {
	breakers := make(map[string]string)
	for endpoint, state := range p.breakers.states() {
		breakers[endpoint] = state.String()
	}

	queues := make(map[string]int, numPriorities)
	for level, depth := range p.sched.Depths() {
		queues[Priority(level).String()] = depth
	}

	return introspectionReport{
		Identity:        p.Conf.Identity,
		Events:          p.Events(),
		Breakers:        breakers,
		QueueDepths:     queues,
		PendingPayloads: p.batch.PendingCount(),
		Middleware:      p.chain.Names(),
	}
}

// introspectionHandler serves the pipeline's event, breaker, and queue
// state as JSON.
func (p *Pipeline) introspectionHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if err := jsoncodec.Encode(w, p.snapshot()); err != nil {
			p.Logger.Error("Failed to encode introspection report", err, nil)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	})
}
