package settlement

import "context"

// Handler 处理来自事件源的一条信封字节。
type Handler func(ctx context.Context, payload []byte) error

// Producer 负责向事件源投递信封。
type Producer interface {
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// Consumer 负责从事件源消费信封。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
