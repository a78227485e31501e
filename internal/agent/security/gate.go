// Package security implements the four-layer, fail-closed gate a query's
// text must pass before any business stage sees it.
package security

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/catalog-insight/server/internal/agent/model"
	"github.com/catalog-insight/server/internal/agent/policy"
	"github.com/catalog-insight/server/internal/agent/reasoning"
	logx "github.com/catalog-insight/server/pkg/logger"
)

// Vocabulary supplies the catalog terms Layer 3 treats as in-domain.
type Vocabulary interface {
	Vocabulary(ctx context.Context) ([]string, error)
}

// User-facing explanations. They say which kind of check failed and how to
// self-correct, never what matched.
var blockedReasons = map[string]string{
	CategoryMalformed:    "Your question could not be read. Please send it as plain text.",
	CategoryObfuscation:  "Your question contains formatting that cannot be processed. Please rephrase it in plain text.",
	CategoryNoDataAccess: "Your account does not have access to catalog data. Please contact your administrator.",
	CategoryForbidden:    "Requests for credentials, files or administrative functions are not supported.",
	CategoryOffDomain:    "I can only answer questions about the data catalog.",
	CategoryNotApproved:  "Your question could not be approved. Please rephrase it as a specific question about the catalog.",
	CategoryLayerError:   "Your question could not be verified right now. Please try again shortly.",
}

const threatReason = "This request cannot be processed. Please ask a question about the catalog data."

// BlockedReason returns the user-safe explanation for a blocking decision.
func BlockedReason(d model.LayerDecision) string {
	if r, ok := blockedReasons[d.Category]; ok {
		return r
	}
	return threatReason
}

type layerFunc func(ctx context.Context, ev *evaluation) model.LayerDecision

type Gate struct {
	policy     *policy.Policy
	reasoner   reasoning.Service
	vocabulary Vocabulary
	timeout    time.Duration
	log        zerolog.Logger
}

func NewGate(p *policy.Policy, reasoner reasoning.Service, vocab Vocabulary, timeout time.Duration) *Gate {
	return &Gate{
		policy:     p,
		reasoner:   reasoner,
		vocabulary: vocab,
		timeout:    timeout,
		log:        logx.With("security_gate"),
	}
}

// Evaluate runs the layers in order and stops at the first block. The
// verdict is APPROVED only when all four layers approved; an error, panic,
// timeout or cancellation in any layer yields BLOCKED.
func (g *Gate) Evaluate(ctx context.Context, raw string, id model.Identity) (verdict model.SecurityVerdict) {
	start := time.Now()
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	ev := &evaluation{raw: raw, identity: id}
	verdict = model.SecurityVerdict{Status: model.VerdictPending}

	defer func() {
		gateLatencySeconds.Observe(time.Since(start).Seconds())
		verdict.SanitizedQuery = ev.sanitized.Text
		verdict.Flags = ev.sanitized.Flags
	}()

	layers := []layerFunc{g.sanitizeLayer, g.threatLayer, g.businessLayer, g.approvalLayer}
	names := []string{LayerSanitize, LayerThreat, LayerBusiness, LayerApproval}
	for i, run := range layers {
		layerStart := time.Now()
		var d model.LayerDecision
		if err := ctx.Err(); err != nil {
			d = blocked(i+1, names[i], CategoryLayerError, 0, "gate deadline: "+err.Error())
		} else {
			d = g.runLayer(ctx, i+1, names[i], run, ev)
			// a layer that finished after the deadline cannot approve
			if d.Decision == model.VerdictApproved && ctx.Err() != nil {
				d = blocked(i+1, names[i], CategoryLayerError, 0, "gate deadline: "+ctx.Err().Error())
			}
		}
		d.Duration = time.Since(layerStart)
		ev.trace = append(ev.trace, d)
		recordDecision(d)

		if d.Decision != model.VerdictApproved {
			verdict.Status = model.VerdictBlocked
			verdict.BlockedLayer = d.Layer
			verdict.Category = d.Category
			verdict.BlockedReason = BlockedReason(d)
			verdict.LayerTrace = ev.trace
			g.log.Info().
				Str("role", id.Role).
				Int("layer", d.Layer).
				Str("category", d.Category).
				Float64("confidence", d.Confidence).
				Msg("query blocked")
			g.log.Debug().Str("reason", d.Reason).Msg("block detail")
			return verdict
		}
	}

	verdict.Status = model.VerdictApproved
	verdict.LayerTrace = ev.trace
	g.log.Debug().Str("role", id.Role).Msg("query approved")
	return verdict
}

func (g *Gate) runLayer(ctx context.Context, layer int, name string, run layerFunc, ev *evaluation) (d model.LayerDecision) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error().Int("layer", layer).Msgf("panic recovered: %v", r)
			d = blocked(layer, name, CategoryLayerError, 0, fmt.Sprintf("panic: %v", r))
		}
	}()
	d = run(ctx, ev)
	if d.Decision != model.VerdictApproved && d.Decision != model.VerdictBlocked {
		d = blocked(layer, name, CategoryLayerError, 0, fmt.Sprintf("undecided layer result %q", d.Decision))
	}
	return d
}
