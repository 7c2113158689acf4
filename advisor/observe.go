package advisor

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/rustyeddy/riskengine/internal/logger"
	"github.com/rustyeddy/riskengine/internal/trace"
)

// observableOracle wraps an Oracle with observability (logging & tracing)
type observableOracle struct {
	oracle Oracle
	tracer *trace.Provider
	log    *logger.Logger
}

var _ Oracle = (*observableOracle)(nil)

func Observe(o Oracle, tp *trace.Provider, log *logger.Logger) Oracle {
	if tp == nil {
		tp = trace.Disabled()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &observableOracle{oracle: o, tracer: tp, log: log}
}

func (oo *observableOracle) Evaluate(ctx context.Context, symbol string, c Context) (Advice, error) {
	ctx, span := oo.tracer.StartSpan(ctx, "advisor.Evaluate",
		oteltrace.WithAttributes(attribute.String("symbol", symbol), attribute.Float64("score", c.Score)))
	defer span.End()

	oo.log.Debug(ctx, "Requesting entry advice",
		"symbol", symbol,
		"direction", string(c.Direction),
		"entry", c.Entry,
		"score", c.Score,
	)

	adv, err := oo.oracle.Evaluate(ctx, symbol, c)
	if err != nil {
		oo.log.ErrorWithErr(ctx, "Failed to get entry advice", err, "symbol", symbol)
		return Advice{}, err
	}

	span.SetAttributes(attribute.String("decision", string(adv.Decision)))
	oo.log.Info(ctx, "Entry advice received",
		"symbol", symbol,
		"decision", string(adv.Decision),
		"reason", adv.Reason,
	)
	return adv, nil
}
