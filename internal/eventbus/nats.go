package eventbus

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	logx "procexec/pkg/logx"
)

// Forwarder republishes bus events to NATS subjects "<prefix>.<type>".
type Forwarder struct {
	nc     *nats.Conn
	prefix string
	log    logx.Logger
}

// DialNATS connects with unlimited reconnects.
func DialNATS(url, prefix string, log logx.Logger) (*Forwarder, error) {
	nc, err := nats.Connect(url,
		nats.Name("procexecd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "procexec"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Forwarder{nc: nc, prefix: prefix, log: log}, nil
}

// Subject returns the NATS subject for an event type.
func (f *Forwarder) Subject(typ string) string { return f.prefix + "." + typ }

// Run forwards events from bus until ctx is done.
func (f *Forwarder) Run(ctx context.Context, bus Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			b, err := json.Marshal(ev)
			if err != nil {
				f.log.Debug("event not serializable", logx.String("type", ev.Type), logx.Err(err))
				continue
			}
			if err := f.nc.Publish(f.Subject(ev.Type), b); err != nil {
				f.log.Warn("nats publish failed", logx.String("type", ev.Type), logx.Err(err))
			}
		}
	}
}

func (f *Forwarder) Close() {
	if f != nil && f.nc != nil {
		_ = f.nc.Drain()
	}
}
