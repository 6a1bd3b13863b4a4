package database

import (
	"context"
	"strings"
	"time"

	"github.com/comptaflow/comptaflow/internal/monitoring"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// slowQuery is the duration above which a statement is logged
const slowQuery = 500 * time.Millisecond

type traceKey struct{}

type traceStart struct {
	sql string
	at  time.Time
}

// queryTracer feeds statement latency into the db_query_duration histogram,
// labelled by the leading SQL verb
type queryTracer struct{}

func (queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceKey{}, traceStart{sql: data.SQL, at: time.Now()})
}

func (queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, ok := ctx.Value(traceKey{}).(traceStart)
	if !ok {
		return
	}
	elapsed := time.Since(start.at)
	verb := queryVerb(start.sql)
	monitoring.RecordDBQuery(verb, elapsed)

	if elapsed > slowQuery {
		log.Warn().
			Str("query_type", verb).
			Dur("duration", elapsed).
			Bool("failed", data.Err != nil).
			Msg("Slow query")
	}
}

// queryVerb returns the lower-cased first keyword, skipping a WITH prefix
// so CTE writes are labelled by what they do
func queryVerb(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "unknown"
	}
	verb := strings.ToLower(fields[0])
	if verb != "with" {
		return verb
	}
	for _, f := range fields[1:] {
		switch lf := strings.ToLower(strings.TrimLeft(f, "(")); lf {
		case "select", "insert", "update", "delete":
			return lf
		}
	}
	return verb
}
