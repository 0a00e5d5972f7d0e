package solution

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-orchestrator/internal/escalation"
	"github.com/capitalize-ai/support-orchestrator/internal/executor"
	"github.com/capitalize-ai/support-orchestrator/internal/model"
	"github.com/capitalize-ai/support-orchestrator/pkg/metrics"
)

// Kind is what the provider does with an action.
type Kind string

const (
	KindTransfer  Kind = "transfer_to_human"
	KindAutomatic Kind = "execute_automatic"
	KindSend      Kind = "send_message_to_customer"
	KindAsk       Kind = "ask_customer_for_input"
	KindInternal  Kind = "execute_internal"
	KindSkip      Kind = "skip_unknown"
)

var actionKinds = map[string]Kind{
	"transfer_to_human":        KindTransfer,
	"transfer":                 KindTransfer,
	"escalate":                 KindTransfer,
	"send_message":             KindSend,
	"send_message_to_customer": KindSend,
	"inform_customer":          KindSend,
	"ask_customer":             KindAsk,
	"ask_customer_for_input":   KindAsk,
	"request_input":            KindAsk,
	"internal":                 KindInternal,
	"execute_internal":         KindInternal,
	"internal_note":            KindInternal,
}

func (p *Provider) classify(def model.ActionDefinition) Kind {
	typ := strings.ToLower(strings.TrimSpace(def.Type))
	if _, ok := p.automatic[typ]; ok {
		return KindAutomatic
	}
	if kind, ok := actionKinds[typ]; ok {
		return kind
	}
	return KindSkip
}

// step is the outcome of one action handler.
type step struct {
	stop   bool
	result Result
}

func proceed() step { return step{} }

func stop(res Result) step { return step{stop: true, result: res} }

type actionHandler func(ctx context.Context, t *turn, a *model.CaseAction) step

// AutomaticHandler runs a system-side action and returns inputs to collect.
type AutomaticHandler func(ctx context.Context, conv *model.Conversation, sol *model.CaseSolution) (map[string]string, error)

// FetchCustomerProfile collects the conversation's customer profile. A missing
// profile collects nothing.
func FetchCustomerProfile(ctx context.Context, conv *model.Conversation, sol *model.CaseSolution) (map[string]string, error) {
	out := make(map[string]string, len(conv.CustomerProfile))
	for k, v := range conv.CustomerProfile {
		out["profile."+k] = v
	}
	return out, nil
}

func (p *Provider) complete(ctx context.Context, t *turn, a *model.CaseAction, kind Kind, output any) step {
	if output != nil {
		raw, err := json.Marshal(output)
		if err != nil {
			return stop(Result{Error: err.Error(), Solution: t.solution})
		}
		a.Output = raw
	}
	if err := p.finish(ctx, a, model.ActionCompleted, ""); err != nil {
		return stop(Result{Error: err.Error(), Solution: t.solution})
	}
	metrics.RecordAction(string(kind), string(model.ActionCompleted))
	return proceed()
}

func (p *Provider) fail(ctx context.Context, t *turn, a *model.CaseAction, kind Kind, reason escalation.Reason, errMsg string) step {
	if ctx.Err() != nil {
		// The action stays pending for the redelivery.
		return stop(interrupted(ctx, t.log))
	}
	if err := p.finish(ctx, a, model.ActionError, errMsg); err != nil {
		t.log.Error("failed to record action error", zap.String("action_id", a.ID), zap.Error(err))
	}
	metrics.RecordAction(string(kind), string(model.ActionError))
	return stop(p.escalate(ctx, t.in, reason, p.cfg.ApologyMessage, model.SolutionError, t.log))
}

func (p *Provider) transferToHuman(ctx context.Context, t *turn, a *model.CaseAction) step {
	if st := p.complete(ctx, t, a, KindTransfer, map[string]bool{"transferred": true}); st.stop {
		return st
	}

	reason, message := escalation.ReasonTransferRequested, p.cfg.TransferNotice
	if a.ExternalActionID == FallbackActionID {
		reason, message = escalation.ReasonNoSolution, p.cfg.ApologyMessage
	}
	return stop(p.escalate(ctx, t.in, reason, message, model.SolutionEscalated, t.log))
}

func (p *Provider) executeAutomatic(ctx context.Context, t *turn, a *model.CaseAction) step {
	typ := strings.ToLower(strings.TrimSpace(a.Definition.Type))
	collected, err := p.automatic[typ](ctx, t.conv, t.solution)
	if err != nil {
		// No data is a valid outcome for automatic actions.
		t.log.Warn("automatic action returned no data", zap.String("action_id", a.ID), zap.Error(err))
	}

	if len(collected) > 0 {
		if t.solution.CollectedInputs == nil {
			t.solution.CollectedInputs = map[string]string{}
		}
		for k, v := range collected {
			t.solution.CollectedInputs[k] = v
		}
		if err := p.store.SaveCaseSolution(ctx, t.solution); err != nil {
			return stop(Result{Error: err.Error(), Solution: t.solution})
		}
	}
	return p.complete(ctx, t, a, KindAutomatic, map[string]any{"found": len(collected) > 0, "fields": len(collected)})
}

func (p *Provider) executeInternal(ctx context.Context, t *turn, a *model.CaseAction) step {
	return p.complete(ctx, t, a, KindInternal, nil)
}

func (p *Provider) skipUnknown(ctx context.Context, t *turn, a *model.CaseAction) step {
	t.log.Warn("skipping unknown action type", zap.String("action_id", a.ID), zap.String("type", a.Definition.Type))
	if err := p.finish(ctx, a, model.ActionSkipped, fmt.Sprintf("unknown action type %q", a.Definition.Type)); err != nil {
		return stop(Result{Error: err.Error(), Solution: t.solution})
	}
	metrics.RecordAction(string(KindSkip), string(model.ActionSkipped))
	return proceed()
}

func (p *Provider) sendMessage(ctx context.Context, t *turn, a *model.CaseAction) step {
	resp, st := p.speak(ctx, t, a, KindSend)
	if st.stop {
		return st
	}

	dispatch := p.executor.Execute(ctx, executor.Request{
		Type:                executor.SendMessage,
		ConversationID:      t.conv.ID,
		EventID:             t.in.EventID,
		SuggestedResponseID: resp.ID,
	})
	if !dispatch.Success {
		return p.fail(ctx, t, a, KindSend, escalation.ReasonDispatchFailed, dispatch.Error)
	}
	return p.complete(ctx, t, a, KindSend, map[string]string{"suggested_response_id": resp.ID})
}

func (p *Provider) askForInput(ctx context.Context, t *turn, a *model.CaseAction) step {
	resp, st := p.speak(ctx, t, a, KindAsk)
	if st.stop {
		return st
	}

	raw, err := json.Marshal(map[string]string{"suggested_response_id": resp.ID})
	if err != nil {
		return stop(Result{Error: err.Error(), Solution: t.solution})
	}
	a.Output = raw
	if err := p.finish(ctx, a, model.ActionInProgress, ""); err != nil {
		return stop(Result{Error: err.Error(), Solution: t.solution})
	}
	metrics.RecordAction(string(KindAsk), string(model.ActionInProgress))

	t.solution.Status = model.SolutionPendingInfo
	t.solution.PendingQuestions = append(t.solution.PendingQuestions, resp.Text)
	if err := p.store.SaveCaseSolution(ctx, t.solution); err != nil {
		return stop(Result{Error: err.Error(), Solution: t.solution})
	}
	if err := p.store.SetConversationOwnership(ctx, t.conv.ID, model.HandlerWaitingForCustomer, true); err != nil {
		return stop(Result{Error: err.Error(), Solution: t.solution})
	}

	t.log.Info("waiting for customer input", zap.String("action_id", a.ID), zap.String("suggested_response_id", resp.ID))
	return stop(Result{Success: true, Waiting: true, Solution: t.solution, ResponseID: resp.ID})
}

// speak enforces the interaction cap, composes the message and persists it.
func (p *Provider) speak(ctx context.Context, t *turn, a *model.CaseAction, kind Kind) (*model.SuggestedResponse, step) {
	if t.solution.InteractionCount >= p.cfg.MaxInteractions {
		t.log.Warn("interaction cap reached", zap.Int("interactions", t.solution.InteractionCount))
		return nil, p.fail(ctx, t, a, kind, escalation.ReasonMaxInteractions, "interaction cap reached")
	}

	text, source, err := p.compose(ctx, t, a)
	if err != nil {
		t.log.Warn("failed to compose customer message", zap.String("action_id", a.ID), zap.Error(err))
		return nil, p.fail(ctx, t, a, kind, escalation.ReasonPromptCallFailed, err.Error())
	}

	n, err := p.store.IncrementSolutionInteraction(ctx, t.solution.ID)
	if err != nil {
		return nil, stop(Result{Error: err.Error(), Solution: t.solution})
	}
	t.solution.InteractionCount = n

	knowledge := []string{}
	for _, id := range []string{t.solution.SolutionID, t.solution.ArticleID, t.solution.ProblemID, t.solution.RootCauseID} {
		if id != "" {
			knowledge = append(knowledge, id)
		}
	}
	resp := &model.SuggestedResponse{
		ConversationID: t.conv.ID,
		TriggerEventID: t.in.EventID,
		Text:           text,
		Source:         "solution_provider:" + source,
		KnowledgeItems: knowledge,
	}
	if err := p.store.CreateSuggestedResponse(ctx, resp); err != nil {
		return nil, stop(Result{Error: err.Error(), Solution: t.solution})
	}
	return resp, proceed()
}
