// nats-pub republishes a dispatch message for a task, mainly to exercise
// duplicate delivery: with N > 1 the claim must still win exactly once.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"time"

	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/config"
	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/queue"
)

func main() {
	var (
		taskID   = flag.String("task-id", "", "Task UUID to publish")
		taskType = flag.String("type", "TEXT_GENERATION", "Task type carried in the message")
		userID   = flag.String("user-id", "", "Owning user id")
		count    = flag.Int("count", 2, "How many times to publish the same message")
		interval = flag.Duration("interval", 50*time.Millisecond, "Delay between publishes")
	)
	flag.Parse()

	if *taskID == "" {
		panic("missing --task-id")
	}
	if *count <= 0 {
		panic("--count must be > 0")
	}

	cfg := config.Load()

	q, err := queue.New(context.Background(), queue.Config{
		NATSURL:      cfg.NATSURL,
		StreamName:   cfg.NATSStreamName,
		ConsumerName: cfg.NATSConsumerName,
		AckWait:      30 * time.Second,
		MaxDeliver:   5,
	})
	if err != nil {
		panic(err)
	}
	defer q.Close()

	msg := queue.TaskMessage{
		TaskID:   *taskID,
		TaskType: *taskType,
		UserID:   *userID,
	}

	b, _ := json.Marshal(msg)
	fmt.Printf("publishing %d time(s) to %s: %s\n", *count, queue.SubjectDispatch, string(b))

	for i := 0; i < *count; i++ {
		if err := q.PublishTask(context.Background(), msg); err != nil {
			panic(err)
		}
		time.Sleep(*interval)
	}

	fmt.Println("done")
}
