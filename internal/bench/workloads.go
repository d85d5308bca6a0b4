package bench

import (
	"context"
	"fmt"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/ajitpratap0/tidepool/pkg/datasource"
	"github.com/ajitpratap0/tidepool/pkg/errors"
	"github.com/ajitpratap0/tidepool/pkg/metrics"
	"github.com/ajitpratap0/tidepool/pkg/pool"
)

// Lifetimes applies to every buffer admitted by a workload.
type Lifetimes struct {
	LiveTime    time.Duration
	MaxIdleTime time.Duration
}

// BufferOp borrows a buffer from p, creating one on a miss, writes to it and
// returns it.
func BufferOp(p *pool.ObjectPool[*pool.Buffer], size int, lt Lifetimes) Op {
	return func(_ context.Context, worker, i int) error {
		b, ok := p.Get()
		if !ok {
			b = pool.NewBuffer(size)
		}
		fmt.Fprintf(b, "worker=%d op=%d", worker, i)
		return giveBack(p.TryPut(b, lt.LiveTime, lt.MaxIdleTime), b)
	}
}

// KeyedBufferOp spreads operations over classes size classes, class n
// holding buffers of size<<n bytes.
func KeyedBufferOp(p *pool.KeyedObjectPool[string, *pool.Buffer], size, classes int, lt Lifetimes) Op {
	if classes <= 0 {
		classes = 1
	}
	return func(_ context.Context, worker, i int) error {
		class := (worker + i) % classes
		key := fmt.Sprintf("class-%d", class)
		b, ok := p.Get(key)
		if !ok {
			b = pool.NewBuffer(size << class)
		}
		fmt.Fprintf(b, "worker=%d op=%d", worker, i)
		return giveBack(p.TryPut(key, b, lt.LiveTime, lt.MaxIdleTime), b)
	}
}

// giveBack destroys buffers the pool did not take. A full pool is not an
// error for the workload.
func giveBack(err error, b *pool.Buffer) error {
	if err == nil {
		return nil
	}
	_ = b.Destroy()
	if errors.Is(err, pool.ErrPoolFull) {
		return nil
	}
	return err
}

// StatementOp acquires a connection from ds, runs query through the
// statement cache and releases the connection.
func StatementOp(ds *datasource.DataSource, query string, args ...any) Op {
	return func(ctx context.Context, _, _ int) error {
		timer := metrics.NewTimer("datasource")
		conn, err := ds.Acquire(ctx)
		metrics.AcquireLatency.WithLabelValues(timer.Name()).Observe(timer.Stop().Seconds())
		if err != nil {
			return err
		}
		defer func() { _ = ds.Release(conn) }()

		stmt, err := conn.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		rows, err := stmt.QueryContext(ctx, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
		}
		return rows.Err()
	}
}

// Report is the JSON document printed by the CLI.
type Report struct {
	Result     Result            `json:"result"`
	Pools      []pool.Stats      `json:"pools,omitempty"`
	DataSource *datasource.Stats `json:"datasource,omitempty"`
}

// Encode renders the report as indented JSON.
func (r Report) Encode() ([]byte, error) {
	data, err := gojson.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode report")
	}
	return data, nil
}
