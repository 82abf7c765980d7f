package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/c360studio/elicit/conversation"
	"github.com/c360studio/elicit/dispatch"
	"github.com/c360studio/elicit/inconsistency"
	"github.com/c360studio/elicit/llm"
	"github.com/c360studio/elicit/retrieval"
	"github.com/c360studio/elicit/session"
)

// Exchange stages reported in PROGRESS payloads.
const (
	StageRetrieved = "retrieved"
	StageGenerated = "generated"
	StageChecked   = "checked"
)

// exchange memoizes completed stages so a retried attempt resumes where the
// previous one failed. Only the task's own goroutine touches it.
type exchange struct {
	retrieved  *retrieval.Result
	response   *llm.Response
	candidates []inconsistency.Candidate
	checked    bool
	reply      *conversation.Message
	found      []*conversation.Inconsistency
	committed  bool
}

// ExchangeResult is the COMPLETED payload of an AI_EXCHANGE task.
type ExchangeResult struct {
	MessageID        string   `json:"message_id"`
	Order            uint64   `json:"order"`
	Content          string   `json:"content"`
	Degraded         bool     `json:"degraded"`
	Fragments        []string `json:"fragments"`
	TokensUsed       int      `json:"tokens_used"`
	Inconsistencies  []string `json:"inconsistencies"`
	Model            string   `json:"model,omitempty"`
	ContextTokensNow int      `json:"context_tokens_used"`
}

func (o *Orchestrator) exchangeState(taskID string) *exchange {
	o.mu.Lock()
	defer o.mu.Unlock()
	ex := o.exchanges[taskID]
	if ex == nil {
		ex = &exchange{}
		o.exchanges[taskID] = ex
	}
	return ex
}

// RunExchange implements dispatch.Handlers.
func (o *Orchestrator) RunExchange(ctx context.Context, t *dispatch.Task, req *dispatch.ExchangeRequest) (any, error) {
	ex := o.exchangeState(t.ID)
	tenantID, sessionID := t.Op.TenantID, t.Op.SessionID

	h, err := o.liveHandle(t)
	if err != nil {
		return nil, err
	}
	productID := h.Snapshot().ProductID

	// Retrieve.
	if err := t.Checkpoint(); err != nil {
		return nil, err
	}
	if ex.retrieved == nil {
		res, err := o.retrieval.Retrieve(ctx, retrieval.Query{
			TenantID:  tenantID,
			SessionID: sessionID,
			Text:      req.Content,
			Budget:    o.cfg.TokenBudget,
		})
		if err != nil {
			return nil, fmt.Errorf("retrieve context: %w", err)
		}
		ex.retrieved = res
		o.progress(ctx, t, map[string]any{
			"stage":       StageRetrieved,
			"fragments":   len(res.Fragments),
			"tokens_used": res.TokensUsed,
			"degraded":    res.Degraded,
		})
	}

	// Generate.
	if err := t.Checkpoint(); err != nil {
		return nil, err
	}
	if ex.response == nil {
		h.Lock()
		sess := h.Session().Clone()
		history := o.recentLocked(sessionID, o.cfg.HistoryMessages, req.MessageID)
		h.Unlock()

		resp, err := o.generator.Generate(ctx, llm.Request{
			Messages: buildPrompt(sess, history, ex.retrieved, req),
		})
		if err != nil {
			return nil, err
		}
		ex.response = resp
		o.progress(ctx, t, map[string]any{
			"stage": StageGenerated,
			"model": resp.Model,
		})
	}

	// Check.
	if err := t.Checkpoint(); err != nil {
		return nil, err
	}
	stmt := conversation.Statement{ID: req.MessageID, SessionID: sessionID, Text: req.Content}
	checkReq := inconsistency.CheckRequest{
		TenantID:  tenantID,
		ProductID: productID,
		SessionID: sessionID,
		New:       stmt,
	}
	if !ex.checked {
		checkReq.Existing = otherStatements(o.engine.Statements(tenantID, productID), stmt.ID)
		candidates, err := o.engine.Evaluate(ctx, checkReq)
		if err != nil {
			return nil, fmt.Errorf("check inconsistencies: %w", err)
		}
		ex.candidates = candidates
		ex.checked = true
		o.progress(ctx, t, map[string]any{
			"stage":      StageChecked,
			"candidates": len(candidates),
		})
	}

	// Finalize.
	if err := t.Checkpoint(); err != nil {
		return nil, err
	}
	if ex.reply == nil {
		reply, err := o.finalize(ctx, h, req, ex)
		if err != nil {
			return nil, err
		}
		ex.reply = reply
	}

	// The statement and its conflicts enter the product book only once the
	// reply is part of the transcript.
	if !ex.committed {
		o.engine.RecordStatement(tenantID, productID, stmt)
		ex.found = o.engine.Commit(ctx, checkReq, ex.candidates)
		ex.committed = true
		for _, rec := range ex.found {
			if err := t.Emit(ctx, conversation.EventInconsistencyFound, rec); err != nil {
				o.logger.Warn("Failed to emit inconsistency", "task_id", t.ID, "inconsistency_id", rec.ID, "error", err)
			}
		}
	}

	h.Lock()
	used := h.Session().ContextTokensUsed
	h.Unlock()

	ids := make([]string, len(ex.found))
	for i, rec := range ex.found {
		ids[i] = rec.ID
	}
	return &ExchangeResult{
		MessageID:        ex.reply.ID,
		Order:            ex.reply.Order,
		Content:          ex.reply.Content,
		Degraded:         ex.retrieved.Degraded,
		Fragments:        ex.retrieved.IDs(),
		TokensUsed:       ex.retrieved.TokensUsed,
		Inconsistencies:  ids,
		Model:            ex.response.Model,
		ContextTokensNow: used,
	}, nil
}

// finalize appends the AI reply and accounts context use under the session
// lock, then indexes both turns for later retrieval.
func (o *Orchestrator) finalize(ctx context.Context, h *session.Handle, req *dispatch.ExchangeRequest, ex *exchange) (*conversation.Message, error) {
	sess := h.Snapshot()

	h.Lock()
	if h.Session().Status.IsTerminal() {
		h.Unlock()
		return nil, fmt.Errorf("session %s: %w", sess.ID, conversation.ErrSessionClosed)
	}
	reply := &conversation.Message{
		ID:        uuid.New().String(),
		SessionID: sess.ID,
		TenantID:  sess.TenantID,
		Author:    conversation.AuthorAI,
		Content:   ex.response.Content,
		ReplyTo:   req.MessageID,
		Order:     h.NextOrder(),
		CreatedAt: o.now(),
	}
	o.appendLocked(sess.ID, reply)
	h.Session().ContextTokensUsed += ex.retrieved.TokensUsed + o.retrieval.Estimate(reply.Content)
	question := o.findLocked(sess.ID, req.MessageID)
	h.Unlock()

	o.persistMessage(ctx, reply)
	for _, msg := range []*conversation.Message{question, reply} {
		if msg == nil {
			continue
		}
		if err := o.retrieval.IndexMessage(ctx, msg); err != nil {
			o.logger.Warn("Failed to index message",
				"session_id", sess.ID,
				"message_id", msg.ID,
				"error", err)
		}
	}
	return reply, nil
}

// progress emits a PROGRESS event; failures only lose the notification.
func (o *Orchestrator) progress(ctx context.Context, t *dispatch.Task, payload any) {
	if err := t.Progress(ctx, payload); err != nil {
		o.logger.Warn("Failed to emit progress", "task_id", t.ID, "error", err)
	}
}

func otherStatements(stmts []conversation.Statement, skipID string) []conversation.Statement {
	out := stmts[:0:0]
	for _, s := range stmts {
		if s.ID != skipID {
			out = append(out, s)
		}
	}
	return out
}

const systemPrompt = `You are a requirements analyst running a %s elicitation session for product %s.
Build on what participants already said. Summarize the requirement you heard in one
sentence, point out anything ambiguous or in tension with earlier statements, and ask
at most one focused follow-up question.`

// buildPrompt assembles the system prompt, retrieved context, recent
// transcript, and the new message.
func buildPrompt(sess *conversation.Session, history []*conversation.Message, ctxRes *retrieval.Result, req *dispatch.ExchangeRequest) []llm.Message {
	msgs := []llm.Message{{Role: "system", Content: fmt.Sprintf(systemPrompt, sess.Type, sess.ProductID)}}

	if ctxRes != nil && len(ctxRes.Fragments) > 0 {
		var sb strings.Builder
		sb.WriteString("Relevant context from earlier conversations:\n")
		for _, f := range ctxRes.Fragments {
			fmt.Fprintf(&sb, "- %s\n", f.Text)
		}
		msgs = append(msgs, llm.Message{Role: "system", Content: sb.String()})
	}

	for _, m := range history {
		role := "user"
		content := m.Author + ": " + m.Content
		if m.Author == conversation.AuthorAI {
			role = "assistant"
			content = m.Content
		}
		msgs = append(msgs, llm.Message{Role: role, Content: content})
	}
	return append(msgs, llm.Message{Role: "user", Content: req.ParticipantID + ": " + req.Content})
}
