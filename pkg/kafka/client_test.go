package kafka

import (
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestPartitionDispatcherKeepsPartitionOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []int64

	d := newPartitionDispatcher(4, func(m kafka.Message) {
		mu.Lock()
		seen = append(seen, m.Offset)
		mu.Unlock()
	})

	for i := int64(0); i < 20; i++ {
		d.dispatch(kafka.Message{Partition: 0, Offset: i})
	}
	d.wait()

	if len(seen) != 20 {
		t.Fatalf("期望处理 20 条消息, 实际 %d", len(seen))
	}
	for i, offset := range seen {
		if offset != int64(i) {
			t.Fatalf("同分区消息乱序: 位置 %d 的 offset 为 %d", i, offset)
		}
	}
}

func TestPartitionDispatcherNeverOverlapsWithinPartition(t *testing.T) {
	var mu sync.Mutex
	inFlight := map[int]int{}

	d := newPartitionDispatcher(6, func(m kafka.Message) {
		mu.Lock()
		inFlight[m.Partition]++
		if inFlight[m.Partition] > 1 {
			mu.Unlock()
			t.Errorf("分区 %d 出现并发处理", m.Partition)
			return
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		inFlight[m.Partition]--
		mu.Unlock()
	})

	for i := int64(0); i < 30; i++ {
		for p := 0; p < 3; p++ {
			d.dispatch(kafka.Message{Partition: p, Offset: i})
		}
	}
	d.wait()
}

func TestPartitionDispatcherRunsPartitionsConcurrently(t *testing.T) {
	p0Started := make(chan struct{})
	p1Done := make(chan struct{})

	d := newPartitionDispatcher(2, func(m kafka.Message) {
		switch m.Partition {
		case 0:
			close(p0Started)
			// 等待分区 1 的消息被并发处理；串行实现会在这里超时
			select {
			case <-p1Done:
			case <-time.After(5 * time.Second):
				t.Error("分区 0 等待分区 1 超时, 分区之间没有并行")
			}
		case 1:
			<-p0Started
			close(p1Done)
		}
	})

	d.dispatch(kafka.Message{Partition: 0, Offset: 0})
	d.dispatch(kafka.Message{Partition: 1, Offset: 0})
	d.wait()
}

func TestPartitionDispatcherHonorsConcurrencyLimit(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0

	d := newPartitionDispatcher(2, func(m kafka.Message) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()

		time.Sleep(2 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
	})

	for p := 0; p < 5; p++ {
		for i := int64(0); i < 4; i++ {
			d.dispatch(kafka.Message{Partition: p, Offset: i})
		}
	}
	d.wait()

	if peak > 2 {
		t.Fatalf("并发峰值 %d 超出上限 2", peak)
	}
}
