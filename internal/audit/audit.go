// Package audit escribe un trail durable de eventos del controller
// (registraciones, bajas, decisiones) a Postgres. Es best-effort y
// asincrónico: nunca bloquea ni falla el camino de decisión.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dropDatabas3/featgate/internal/observability/logger"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Event es una fila del trail.
type Event struct {
	Ts      time.Time      `json:"ts"`
	Kind    string         `json:"kind"` // node_registered | node_deregistered | decision | downgrade
	NodeID  uint64         `json:"nodeId,omitempty"`
	Feature string         `json:"feature,omitempty"`
	Version uint64         `json:"version,omitempty"`
	Offset  uint64         `json:"offset,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// Sink recibe eventos. La implementación nop permite cablear audit
// incondicionalmente y decidir por config.
type Sink interface {
	Record(ev Event)
	Close()
}

// Nop descarta todo.
type Nop struct{}

func (Nop) Record(Event) {}
func (Nop) Close()       {}

const createTable = `
CREATE TABLE IF NOT EXISTS featgate_audit (
    id       BIGSERIAL PRIMARY KEY,
    ts       TIMESTAMPTZ NOT NULL,
    kind     TEXT NOT NULL,
    node_id  BIGINT,
    feature  TEXT,
    version  BIGINT,
    log_off  BIGINT,
    detail   JSONB
)`

const insertEvent = `
INSERT INTO featgate_audit (ts, kind, node_id, feature, version, log_off, detail)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

// PG es el sink Postgres. Los eventos entran por un canal buffered y un
// writer único los inserta; si el buffer se llena, se descartan con warn.
type PG struct {
	pool *pgxpool.Pool
	ch   chan Event
	done chan struct{}
}

// NewPG conecta el pool, asegura la tabla y arranca el writer.
func NewPG(ctx context.Context, dsn string) (*PG, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, createTable); err != nil {
		pool.Close()
		return nil, err
	}
	p := &PG{
		pool: pool,
		ch:   make(chan Event, 1024),
		done: make(chan struct{}),
	}
	go p.writer()
	return p, nil
}

// Record encola sin bloquear.
func (p *PG) Record(ev Event) {
	if ev.Ts.IsZero() {
		ev.Ts = time.Now().UTC()
	}
	select {
	case p.ch <- ev:
	default:
		logger.Named("audit").Warn("audit buffer full, dropping event",
			logger.String("kind", ev.Kind))
	}
}

// Close cierra el canal, espera el drain y cierra el pool.
func (p *PG) Close() {
	close(p.ch)
	<-p.done
	p.pool.Close()
}

func (p *PG) writer() {
	defer close(p.done)
	log := logger.Named("audit")
	for ev := range p.ch {
		var detail []byte
		if ev.Detail != nil {
			detail, _ = json.Marshal(ev.Detail)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := p.pool.Exec(ctx, insertEvent,
			ev.Ts, ev.Kind, int64(ev.NodeID), ev.Feature, int64(ev.Version), int64(ev.Offset), detail)
		cancel()
		if err != nil {
			// best-effort: logueamos y seguimos
			log.Warn("audit insert failed", logger.Err(err), logger.String("kind", ev.Kind))
		}
	}
}
