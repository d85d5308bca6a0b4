package pool_test

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tidepool/pkg/pool"
)

func ExampleObjectPool() {
	cfg := pool.DefaultConfig()
	cfg.Capacity = 2
	cfg.EvictionDelay = 0

	p, err := pool.NewObjectPool[*pool.Buffer](cfg,
		pool.WithName("buffers"),
		pool.WithLogger(zap.NewNop()),
		pool.WithoutShutdownHook())
	if err != nil {
		panic(err)
	}
	defer p.Close()

	buf, ok := p.Get()
	if !ok {
		buf = pool.NewBuffer(64)
	}
	buf.WriteString("hello")
	fmt.Println(buf.String())

	if err := p.Put(context.Background(), buf, 0, time.Minute); err != nil {
		_ = buf.Destroy()
	}

	again, _ := p.Get()
	fmt.Println(again == buf, again.Len())

	stats := p.Stats()
	fmt.Println(stats.Size, stats.HitCount, stats.MissCount)
	// Output:
	// hello
	// true 0
	// 1 1 1
}

func ExampleKeyedObjectPool() {
	cfg := pool.DefaultConfig()
	cfg.EvictionDelay = 0

	p, err := pool.NewKeyedObjectPool[string, *pool.Buffer](cfg,
		pool.WithLogger(zap.NewNop()),
		pool.WithoutShutdownHook())
	if err != nil {
		panic(err)
	}
	defer p.Close()

	_ = p.TryPut("SELECT 1", pool.NewBuffer(16), 0, 0)

	_, ok := p.Get("SELECT 1")
	fmt.Println(ok)
	_, ok = p.Get("SELECT 1")
	fmt.Println(ok)
	// Output:
	// true
	// false
}

func ExampleParsePolicy() {
	p, err := pool.ParsePolicy("access_count")
	fmt.Println(p, err)

	_, err = pool.ParsePolicy("random")
	fmt.Println(err != nil)
	// Output:
	// access_count <nil>
	// true
}
