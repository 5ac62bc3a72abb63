// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"doc-qa-go/internal/config"
	"doc-qa-go/pkg/database"
	"doc-qa-go/pkg/log"
	"doc-qa-go/pkg/tasks"

	"github.com/segmentio/kafka-go"
)

// JobProcessor defines the interface for any service that can process an
// ingestion job. This decouples the Kafka consumer from the concrete
// pipeline implementation.
type JobProcessor interface {
	Process(ctx context.Context, job tasks.IngestionJob) error
}

var (
	producer     *kafka.Writer
	deadLetterer *kafka.Writer
)

// InitProducer 初始化 Kafka 生产者（包括死信主题生产者）。
func InitProducer(cfg config.KafkaConfig) {
	producer = &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	if cfg.DeadLetterTopic != "" {
		deadLetterer = &kafka.Writer{
			Addr:     kafka.TCP(cfg.Brokers),
			Topic:    cfg.DeadLetterTopic,
			Balancer: &kafka.LeastBytes{},
		}
	}
	log.Info("Kafka 生产者初始化成功")
}

// CloseProducer 关闭 Kafka 生产者。
func CloseProducer() {
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Errorf("关闭 Kafka 生产者失败: %v", err)
		}
	}
	if deadLetterer != nil {
		if err := deadLetterer.Close(); err != nil {
			log.Errorf("关闭 Kafka 死信生产者失败: %v", err)
		}
	}
}

// ProduceIngestionJob 发送一个文档摄取任务到 Kafka。
func ProduceIngestionJob(job tasks.IngestionJob) error {
	jobBytes, err := json.Marshal(job)
	if err != nil {
		return err
	}

	return producer.WriteMessages(context.Background(),
		kafka.Message{
			Key:   []byte(job.DocumentID),
			Value: jobBytes,
		},
	)
}

// produceDeadLetter 将多次失败的任务原样转发到死信主题，供人工排查。
func produceDeadLetter(job tasks.IngestionJob, raw []byte) {
	if deadLetterer == nil {
		return
	}
	err := deadLetterer.WriteMessages(context.Background(),
		kafka.Message{
			Key:   []byte(job.DocumentID),
			Value: raw,
		},
	)
	if err != nil {
		log.Errorf("写入死信主题失败: JobID=%s, Error: %v", job.JobID, err)
	}
}

// StartConsumer 启动一个 Kafka 消费者来处理摄取任务。
// 同一分区的消息串行处理，并发只发生在分区之间：CommitMessages 会把
// 整个分区的位点推进到该消息之后，乱序提交会连带确认同分区还在
// 处理中的消息。offset 只在任务有了明确结果后才提交，保证进程
// 崩溃时未完成的任务会被重新投递（至少一次语义）。
func StartConsumer(ctx context.Context, kafkaCfg config.KafkaConfig, consumerCfg config.ConsumerConfig, processor JobProcessor) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{kafkaCfg.Brokers},
		Topic:    kafkaCfg.Topic,
		GroupID:  kafkaCfg.GroupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})

	concurrency := consumerCfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'，并发上限 %d", kafkaCfg.Topic, concurrency)

	d := newPartitionDispatcher(concurrency, func(m kafka.Message) {
		handleMessage(ctx, r, consumerCfg, processor, m)
	})

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			log.Error("从 Kafka 读取消息失败", err)
			break
		}

		log.Infof("收到 Kafka 消息: partition %d, offset %d", m.Partition, m.Offset)
		d.dispatch(m)
	}

	// 等待在途任务结束后再关闭
	d.wait()
	if err := r.Close(); err != nil {
		log.Errorf("关闭 Kafka 消费者失败: %v", err)
	}
}

// partitionDispatcher 把消息路由到每分区一个的串行工作协程。
// 分区内保持到达顺序，跨分区的并行度由信号量限制。
type partitionDispatcher struct {
	sem     chan struct{}
	handle  func(kafka.Message)
	workers map[int]chan kafka.Message
	wg      sync.WaitGroup
}

func newPartitionDispatcher(concurrency int, handle func(kafka.Message)) *partitionDispatcher {
	return &partitionDispatcher{
		sem:     make(chan struct{}, concurrency),
		handle:  handle,
		workers: make(map[int]chan kafka.Message),
	}
}

// dispatch 把消息投到其分区的工作协程，首次见到的分区惰性建立。
// 只会被取数循环这一个 goroutine 调用。
func (d *partitionDispatcher) dispatch(m kafka.Message) {
	ch, ok := d.workers[m.Partition]
	if !ok {
		ch = make(chan kafka.Message, 16)
		d.workers[m.Partition] = ch
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for msg := range ch {
				d.sem <- struct{}{}
				d.handle(msg)
				<-d.sem
			}
		}()
	}
	ch <- m
}

// wait 关闭所有分区通道并等待在途消息处理完毕。
func (d *partitionDispatcher) wait() {
	for _, ch := range d.workers {
		close(ch)
	}
	d.wg.Wait()
}

// committer 抽象 offset 提交，便于在测试里替换 kafka.Reader。
type committer interface {
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// handleMessage 处理单条消息并决定是否提交 offset。
func handleMessage(ctx context.Context, r committer, cfg config.ConsumerConfig, processor JobProcessor, m kafka.Message) {
	var job tasks.IngestionJob
	if err := json.Unmarshal(m.Value, &job); err != nil {
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
		// 消息格式错误，重试没有意义，直接提交避免阻塞队列
		commit(ctx, r, m)
		return
	}

	log.Infof("开始处理摄取任务: JobID=%s, DocumentID=%s, FileName=%s", job.JobID, job.DocumentID, job.FileName)

	jobCtx := ctx
	var cancel context.CancelFunc
	if cfg.JobTimeoutSeconds > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, time.Duration(cfg.JobTimeoutSeconds)*time.Second)
		defer cancel()
	}

	if err := processor.Process(jobCtx, job); err != nil {
		log.Errorf("处理摄取任务失败: JobID=%s, Error: %v", job.JobID, err)
		// 使用 Redis 计数失败次数，达到阈值后转入死信主题并提交 offset
		attemptsKey := fmt.Sprintf("ingest:attempts:%s", job.JobID)
		attempts, incErr := database.RDB.Incr(ctx, attemptsKey).Result()
		if incErr != nil {
			// Redis 异常时保守处理：不提交 offset，让 Kafka 重试
			log.Errorf("更新失败计数失败: JobID=%s, Error: %v", job.JobID, incErr)
			return
		}
		_ = database.RDB.Expire(ctx, attemptsKey, 24*time.Hour).Err()

		maxAttempts := cfg.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 3
		}
		if attempts >= int64(maxAttempts) {
			log.Errorf("摄取任务多次失败(>=%d)，转入死信主题: JobID=%s", maxAttempts, job.JobID)
			produceDeadLetter(job, m.Value)
			_ = database.RDB.Del(ctx, attemptsKey).Err()
			commit(ctx, r, m)
		}
		// attempts 未达上限时，不提交 offset 让 Kafka 自动重试
		return
	}

	log.Infof("摄取任务处理成功: JobID=%s", job.JobID)
	// 清理失败计数
	_ = database.RDB.Del(ctx, fmt.Sprintf("ingest:attempts:%s", job.JobID)).Err()
	commit(ctx, r, m)
}

func commit(ctx context.Context, r committer, m kafka.Message) {
	if err := r.CommitMessages(ctx, m); err != nil {
		log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
	}
}
