package agent

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zinnnn37/loglens/pkg/trace"
)

// GraphComponent describes one participant in the observed graph.
type GraphComponent struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	PackageName string `json:"packageName"`
	Layer       string `json:"layer"`
	Technology  string `json:"technology"`
}

// GraphDependency is a directed observed-to-call relation.
type GraphDependency struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// GraphPayload is the wire shape of one dependency graph snapshot.
type GraphPayload struct {
	ProjectName  string            `json:"projectName"`
	Components   []GraphComponent  `json:"components"`
	Dependencies []GraphDependency `json:"dependencies"`
	Databases    []string          `json:"databases"`
}

// GraphSender accumulates the component graph observed during a run and
// forwards it to the ingest endpoint at most once. The graph is advisory and
// eventually consistent: delivery failures are logged and discarded so a lost
// batch never blocks or crashes the instrumented application.
type GraphSender struct {
	mu          sync.Mutex
	projectID   string
	projectName string
	emitter     *Emitter
	logger      *slog.Logger
	components  map[string]GraphComponent
	edges       map[GraphDependency]struct{}
	databases   map[string]struct{}
	sendOnce    sync.Once
	timeout     time.Duration
}

// NewGraphSender builds a sender for one project run.
func NewGraphSender(projectID, projectName string, emitter *Emitter, logger *slog.Logger) *GraphSender {
	if logger != nil {
		logger = logger.With("component", "graph_sender")
	}
	return &GraphSender{
		projectID:   projectID,
		projectName: projectName,
		emitter:     emitter,
		logger:      logger,
		components:  make(map[string]GraphComponent),
		edges:       make(map[GraphDependency]struct{}),
		databases:   make(map[string]struct{}),
		timeout:     defaultTimeout,
	}
}

// ObserveComponent registers a participant in the graph.
func (g *GraphSender) ObserveComponent(name, componentType string, facts trace.Facts) {
	if g == nil || name == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.components[name] = GraphComponent{
		Name:        name,
		Type:        componentType,
		PackageName: facts.PackagePath,
		Layer:       string(trace.Classify(facts)),
		Technology:  "go",
	}
}

// ObserveCall registers a directed call between two components.
func (g *GraphSender) ObserveCall(from, to string) {
	if g == nil || from == "" || to == "" || from == to {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges[GraphDependency{From: from, To: to}] = struct{}{}
}

// ObserveDatabase records a database the application was seen talking to.
func (g *GraphSender) ObserveDatabase(name string) {
	if g == nil || name == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.databases[name] = struct{}{}
}

// Send delivers the accumulated snapshot. Only the first call transmits;
// later calls are no-ops. Any failure is swallowed after logging.
func (g *GraphSender) Send(ctx context.Context) {
	if g == nil || g.emitter == nil {
		return
	}
	g.sendOnce.Do(func() {
		payload := g.snapshot()
		sendCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		if err := g.emitter.SendGraph(sendCtx, g.projectID, payload); err != nil {
			if g.logger != nil {
				g.logger.Warn("dependency graph delivery failed", "error", err,
					"components", len(payload.Components), "dependencies", len(payload.Dependencies))
			}
			return
		}
		if g.logger != nil {
			g.logger.Info("dependency graph delivered",
				"components", len(payload.Components), "dependencies", len(payload.Dependencies))
		}
	})
}

func (g *GraphSender) snapshot() GraphPayload {
	g.mu.Lock()
	defer g.mu.Unlock()

	components := make([]GraphComponent, 0, len(g.components))
	for _, component := range g.components {
		components = append(components, component)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	dependencies := make([]GraphDependency, 0, len(g.edges))
	for edge := range g.edges {
		dependencies = append(dependencies, edge)
	}
	sort.Slice(dependencies, func(i, j int) bool {
		if dependencies[i].From != dependencies[j].From {
			return dependencies[i].From < dependencies[j].From
		}
		return dependencies[i].To < dependencies[j].To
	})

	databases := make([]string, 0, len(g.databases))
	for db := range g.databases {
		databases = append(databases, db)
	}
	sort.Strings(databases)

	return GraphPayload{
		ProjectName:  g.projectName,
		Components:   components,
		Dependencies: dependencies,
		Databases:    databases,
	}
}
