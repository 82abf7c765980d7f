package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/c360studio/elicit/conversation"
	"github.com/c360studio/elicit/dispatch"
	"github.com/c360studio/elicit/llm"
	"github.com/c360studio/elicit/session"
)

// liveHandle returns the task's session, reporting a closed or removed
// session as ErrSessionClosed.
func (o *Orchestrator) liveHandle(t *dispatch.Task) (*session.Handle, error) {
	h, err := o.registry.Get(t.Op.TenantID, t.Op.SessionID)
	if err == nil {
		return h, nil
	}
	if cause := t.Checkpoint(); cause != nil {
		return nil, cause
	}
	if errors.Is(err, conversation.ErrNotFound) {
		return nil, fmt.Errorf("session %s: %w", t.Op.SessionID, conversation.ErrSessionClosed)
	}
	return nil, err
}

// DocumentOutcome reports one researched URL.
type DocumentOutcome struct {
	URL    string `json:"url"`
	Title  string `json:"title,omitempty"`
	Chunks int    `json:"chunks"`
	Error  string `json:"error,omitempty"`
}

// ResearchResult is the COMPLETED payload of a RESEARCH task.
type ResearchResult struct {
	Topic     string            `json:"topic,omitempty"`
	Documents []DocumentOutcome `json:"documents"`
	Fragments int               `json:"fragments"`
}

// researchOutcomes returns a copy of the per-URL outcomes recorded for a task.
func (o *Orchestrator) researchOutcomes(taskID string) map[string]DocumentOutcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]DocumentOutcome, len(o.research[taskID]))
	for k, v := range o.research[taskID] {
		out[k] = v
	}
	return out
}

func (o *Orchestrator) recordResearch(taskID string, out DocumentOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.research[taskID] == nil {
		o.research[taskID] = make(map[string]DocumentOutcome)
	}
	o.research[taskID][out.URL] = out
}

// RunResearch implements dispatch.Handlers. Each URL is fetched once per
// task; a retried attempt skips URLs already handled. Transient failures
// retry the task, other per-URL failures are reported and skipped. The task
// fails only when every URL failed.
func (o *Orchestrator) RunResearch(ctx context.Context, t *dispatch.Task, req *dispatch.ResearchRequest) (any, error) {
	if _, err := o.liveHandle(t); err != nil {
		return nil, err
	}
	if o.researcher == nil {
		return nil, fmt.Errorf("%w: research is not configured", conversation.ErrInvalidInput)
	}
	handled := o.researchOutcomes(t.ID)

	for _, rawURL := range req.URLs {
		if _, ok := handled[rawURL]; ok {
			continue
		}
		if err := t.Checkpoint(); err != nil {
			return nil, err
		}

		res, err := o.researcher.Research(ctx, rawURL)
		if err != nil {
			if ctx.Err() != nil || llm.IsTransient(err) {
				return nil, err
			}
			out := DocumentOutcome{URL: rawURL, Error: err.Error()}
			o.recordResearch(t.ID, out)
			o.progress(ctx, t, out)
			continue
		}

		for i, chunk := range res.Chunks {
			f := conversation.ContextFragment{
				ID:        fragmentID(t.Op.TenantID, rawURL, i),
				TenantID:  t.Op.TenantID,
				SessionID: t.Op.SessionID,
				Text:      chunk,
			}
			if err := o.retrieval.Index(ctx, f); err != nil {
				o.logger.Warn("Failed to index research fragment",
					"task_id", t.ID,
					"url", rawURL,
					"fragment_id", f.ID,
					"error", err)
			}
		}
		out := DocumentOutcome{URL: rawURL, Title: res.Title, Chunks: len(res.Chunks)}
		o.recordResearch(t.ID, out)
		o.progress(ctx, t, out)
	}

	outcomes := o.researchOutcomes(t.ID)
	result := &ResearchResult{Topic: req.Topic}
	var failures []string
	for _, rawURL := range req.URLs {
		out, ok := outcomes[rawURL]
		if !ok {
			continue
		}
		result.Documents = append(result.Documents, out)
		result.Fragments += out.Chunks
		if out.Error != "" {
			failures = append(failures, out.Error)
		}
	}
	if len(failures) == len(result.Documents) {
		return nil, fmt.Errorf("all %d urls failed: %s", len(failures), strings.Join(failures, "; "))
	}
	return result, nil
}

// forgetResearch drops a finished research task's memo.
func (o *Orchestrator) forgetResearch(t *dispatch.Task, _ dispatch.Outcome, publish func()) {
	publish()
	o.mu.Lock()
	delete(o.research, t.ID)
	o.mu.Unlock()
}

// fragmentID is stable per tenant, URL and chunk.
func fragmentID(tenantID, rawURL string, chunk int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s|%s#%d", tenantID, rawURL, chunk))).String()
}

// ScanResult is the COMPLETED payload of an INCONSISTENCY_SCAN task.
type ScanResult struct {
	ProductID       string   `json:"product_id"`
	Statements      int      `json:"statements"`
	Inconsistencies []string `json:"inconsistencies"`
}

// RunScan implements dispatch.Handlers. Records found before a failure are
// still announced; a retry re-scans and deduplication suppresses repeats.
func (o *Orchestrator) RunScan(ctx context.Context, t *dispatch.Task, req *dispatch.ScanRequest) (any, error) {
	if _, err := o.liveHandle(t); err != nil {
		return nil, err
	}
	if err := t.Checkpoint(); err != nil {
		return nil, err
	}

	found, err := o.engine.Scan(ctx, t.Op.TenantID, req.ProductID, t.Op.SessionID, req.Parallelism,
		func(checked, total int) {
			o.progress(ctx, t, map[string]any{"checked": checked, "total": total})
		})
	ids := make([]string, 0, len(found))
	for _, rec := range found {
		ids = append(ids, rec.ID)
		if emitErr := t.Emit(ctx, conversation.EventInconsistencyFound, rec); emitErr != nil {
			o.logger.Warn("Failed to emit inconsistency", "task_id", t.ID, "inconsistency_id", rec.ID, "error", emitErr)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("scan product %s: %w", req.ProductID, err)
	}
	return &ScanResult{
		ProductID:       req.ProductID,
		Statements:      len(o.engine.Statements(t.Op.TenantID, req.ProductID)),
		Inconsistencies: ids,
	}, nil
}
