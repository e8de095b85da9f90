// Package announce publica decisiones finalizadas en un canal Redis para
// observadores fuera del cluster (dashboards, agentes de rollout). Es un
// fan-out best-effort: el log replicado sigue siendo la única fuente de
// verdad y el announce jamás condiciona el commit.
package announce

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dropDatabas3/featgate/internal/observability/logger"
	rdb "github.com/redis/go-redis/v9"
)

// Decision es el payload publicado.
type Decision struct {
	Feature   string `json:"feature"`
	Version   uint64 `json:"version"`
	Offset    uint64 `json:"offset"`
	Downgrade bool   `json:"downgrade,omitempty"`
	TsUnix    int64  `json:"tsUnix"`
}

type Announcer struct {
	c       *rdb.Client
	channel string
}

func New(addr string, db int, channel string) *Announcer {
	return &Announcer{
		c:       rdb.NewClient(&rdb.Options{Addr: addr, DB: db}),
		channel: channel,
	}
}

// PublishDecision publica con timeout corto; un Redis caído solo genera warn.
func (a *Announcer) PublishDecision(d Decision) {
	if d.TsUnix == 0 {
		d.TsUnix = time.Now().Unix()
	}
	b, err := json.Marshal(d)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.c.Publish(ctx, a.channel, b).Err(); err != nil {
		logger.Named("announce").Warn("publish failed",
			logger.Feature(d.Feature), logger.Err(err))
	}
}

func (a *Announcer) Close() error { return a.c.Close() }
