package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"taskrelay/contracts"
	"taskrelay/executor"
	"taskrelay/notify"
	"taskrelay/redisstream"
)

type fakeExecutor struct {
	result     executor.Result
	lastPrompt string
	calls      int
}

func (f *fakeExecutor) Execute(_ context.Context, prompt string) executor.Result {
	f.calls++
	f.lastPrompt = prompt
	return f.result
}

func (f *fakeExecutor) Name() string { return "fake" }

type stubNotifier struct {
	err   error
	calls int
}

func (n *stubNotifier) Notify(_ context.Context, _ notify.Event) error {
	n.calls++
	return n.err
}

type TaskWorkerTestSuite struct {
	suite.Suite
	redisServer *miniredis.Miniredis
	client      *redis.Client

	tasks      *redisstream.Queue
	results    *redisstream.Queue
	pm         *redisstream.Queue
	deadLetter *redisstream.Queue
	publisher  *Publisher
}

func TestTaskWorkerTestSuite(t *testing.T) {
	suite.Run(t, new(TaskWorkerTestSuite))
}

func (s *TaskWorkerTestSuite) SetupTest() {
	server, err := miniredis.Run()
	s.Require().NoError(err)
	s.redisServer = server

	s.client = redis.NewClient(&redis.Options{Addr: server.Addr(), PoolSize: 30})

	newQueue := func(name string) *redisstream.Queue {
		return redisstream.New(s.client, name,
			redisstream.WithPrefix("test"),
			redisstream.WithReclaimDelay(10*time.Second),
			redisstream.WithRedisVersion("6.0.0"),
		)
	}
	s.tasks = newQueue("tasks")
	s.results = newQueue("results")
	s.pm = newQueue("pm")
	s.deadLetter = newQueue("deadletter")
	s.publisher = NewPublisher(s.client, s.tasks, s.results, s.pm, s.deadLetter)
}

func (s *TaskWorkerTestSuite) TearDownTest() {
	s.client.Close()
	s.redisServer.Close()
}

func (s *TaskWorkerTestSuite) newTaskWorker(exec executor.Executor, outputRoot string) *TaskWorker {
	return NewTaskWorker(TaskWorkerOptions{
		WorkerID:   "worker1",
		Group:      "test",
		MaxReceive: 3,
		OutputRoot: outputRoot,
		Queue:      s.tasks,
		Publisher:  s.publisher,
		Executor:   exec,
		Guard:      NewGuard(s.client, time.Hour),
	})
}

func (s *TaskWorkerTestSuite) resultMessages() []ResultMessage {
	payloads, err := s.results.Peek(context.Background(), 100)
	s.Require().NoError(err)

	messages := make([]ResultMessage, 0, len(payloads))
	for _, payload := range payloads {
		var m ResultMessage
		s.Require().NoError(json.Unmarshal([]byte(payload), &m))
		messages = append(messages, m)
	}
	return messages
}

func (s *TaskWorkerTestSuite) deadLetterMessages() []DeadLetterMessage {
	payloads, err := s.deadLetter.Peek(context.Background(), 100)
	s.Require().NoError(err)

	messages := make([]DeadLetterMessage, 0, len(payloads))
	for _, payload := range payloads {
		var m DeadLetterMessage
		s.Require().NoError(json.Unmarshal([]byte(payload), &m))
		messages = append(messages, m)
	}
	return messages
}

func taskPayload(s *suite.Suite, task TaskMessage) string {
	data, err := json.Marshal(task)
	s.Require().NoError(err)
	return string(data)
}

func (s *TaskWorkerTestSuite) Test_CompletedTaskProducesResultAndArtifact() {
	outputRoot := s.T().TempDir()
	exec := &fakeExecutor{result: executor.Result{Status: executor.StatusCompleted, Output: "hello"}}
	worker := s.newTaskWorker(exec, outputRoot)

	payload := taskPayload(&s.Suite, TaskMessage{TaskID: "t1", Prompt: "print hello", Type: "general"})
	err := worker.process(context.Background(), contracts.NewMessage("1-0", payload, 1))

	s.Assert().NoError(err)
	s.Assert().EqualValues(1, worker.Processed())

	results := s.resultMessages()
	s.Require().Len(results, 1)
	s.Assert().Equal("t1", results[0].TaskID)
	s.Assert().Equal("completed", results[0].Status)
	s.Assert().Equal("worker1", results[0].Worker)
	s.Assert().Equal(filepath.Join(outputRoot, "general", "t1", "result.txt"), results[0].OutputFile)

	data, err := os.ReadFile(results[0].OutputFile)
	s.Require().NoError(err)
	s.Assert().Contains(string(data), "print hello")
	s.Assert().Contains(string(data), "hello")
}

func (s *TaskWorkerTestSuite) Test_FailedExecutionIsStillAcknowledged() {
	exec := &fakeExecutor{result: executor.Result{Status: executor.StatusFailed, Detail: "tool exited with error"}}
	worker := s.newTaskWorker(exec, s.T().TempDir())

	payload := taskPayload(&s.Suite, TaskMessage{TaskID: "t2", Prompt: "boom", Type: "general"})
	err := worker.process(context.Background(), contracts.NewMessage("1-0", payload, 1))

	// a failed tool run is an outcome, not a processing error: ack proceeds
	s.Assert().NoError(err)
	s.Assert().EqualValues(1, worker.Fails())

	results := s.resultMessages()
	s.Require().Len(results, 1)
	s.Assert().Equal("failed", results[0].Status)
}

func (s *TaskWorkerTestSuite) Test_MalformedPayloadIsRetryable() {
	exec := &fakeExecutor{result: executor.Result{Status: executor.StatusCompleted}}
	worker := s.newTaskWorker(exec, s.T().TempDir())

	err := worker.process(context.Background(), contracts.NewMessage("1-0", "{not json", 1))

	s.Require().Error(err)
	s.Assert().True(IsRetryable(err))
	s.Assert().Zero(exec.calls)
	s.Assert().Empty(s.resultMessages())
}

func (s *TaskWorkerTestSuite) Test_PoisonMessageGoesToDeadLetter() {
	exec := &fakeExecutor{result: executor.Result{Status: executor.StatusCompleted}}
	worker := s.newTaskWorker(exec, s.T().TempDir())

	err := worker.process(context.Background(), contracts.NewMessage("1-0", "{not json", 4))

	s.Assert().NoError(err) // acked: the poison loop is broken
	s.Assert().Zero(exec.calls)

	parked := s.deadLetterMessages()
	s.Require().Len(parked, 1)
	s.Assert().Equal("tasks", parked[0].Source)
	s.Assert().Equal("{not json", parked[0].Payload)
}

func (s *TaskWorkerTestSuite) Test_MissingTaskIDGetsGenerated() {
	exec := &fakeExecutor{result: executor.Result{Status: executor.StatusCompleted, Output: "ok"}}
	worker := s.newTaskWorker(exec, s.T().TempDir())

	payload := taskPayload(&s.Suite, TaskMessage{Prompt: "no id here"})
	err := worker.process(context.Background(), contracts.NewMessage("1-0", payload, 1))
	s.Require().NoError(err)

	results := s.resultMessages()
	s.Require().Len(results, 1)
	s.Assert().Contains(results[0].TaskID, "general_")
}

func (s *TaskWorkerTestSuite) Test_PreviousResultIsFedToExecutor() {
	exec := &fakeExecutor{result: executor.Result{Status: executor.StatusCompleted, Output: "ok"}}
	worker := s.newTaskWorker(exec, s.T().TempDir())

	payload := taskPayload(&s.Suite, TaskMessage{TaskID: "t3", Prompt: "continue", PreviousResult: "earlier output"})
	err := worker.process(context.Background(), contracts.NewMessage("1-0", payload, 1))
	s.Require().NoError(err)

	s.Assert().Contains(exec.lastPrompt, "earlier output")
	s.Assert().Contains(exec.lastPrompt, "continue")
}

func (s *TaskWorkerTestSuite) Test_SimulatedExecutorEndToEnd() {
	outputRoot := s.T().TempDir()
	worker := s.newTaskWorker(executor.NewSimulatedExecutor("sonnet"), outputRoot)

	payload := taskPayload(&s.Suite, TaskMessage{TaskID: "t1", Prompt: "print hello", Type: "general"})
	err := worker.process(context.Background(), contracts.NewMessage("1-0", payload, 1))
	s.Require().NoError(err)

	results := s.resultMessages()
	s.Require().Len(results, 1)
	s.Assert().Equal("completed", results[0].Status)

	data, err := os.ReadFile(filepath.Join(outputRoot, "general", "t1", "result.txt"))
	s.Require().NoError(err)
	s.Assert().Contains(string(data), executor.SimulatedResponse)
	s.Assert().Contains(string(data), "simulated: true")
}

func (s *TaskWorkerTestSuite) Test_ArtifactNotifiedReflectsOutcome() {
	exec := &fakeExecutor{result: executor.Result{Status: executor.StatusCompleted, Output: "ok"}}

	newWorker := func(notifier notify.Notifier, outputRoot string) *TaskWorker {
		return NewTaskWorker(TaskWorkerOptions{
			WorkerID:   "worker1",
			Group:      "test",
			MaxReceive: 3,
			OutputRoot: outputRoot,
			Queue:      s.tasks,
			Publisher:  s.publisher,
			Executor:   exec,
			Guard:      NewGuard(s.client, time.Hour),
			Notifier:   notifier,
		})
	}

	readArtifact := func(outputRoot, taskID string) string {
		data, err := os.ReadFile(filepath.Join(outputRoot, "general", taskID, "result.txt"))
		s.Require().NoError(err)
		return string(data)
	}

	s.Run("SuccessfulNotifyIsRecorded", func() {
		outputRoot := s.T().TempDir()
		notifier := &stubNotifier{}
		worker := newWorker(notifier, outputRoot)

		payload := taskPayload(&s.Suite, TaskMessage{TaskID: "n1", Prompt: "p"})
		s.Require().NoError(worker.process(context.Background(), contracts.NewMessage("1-0", payload, 1)))

		s.Assert().Equal(1, notifier.calls)
		s.Assert().Contains(readArtifact(outputRoot, "n1"), "notified: true")
	})

	s.Run("FailedNotifyIsNotClaimed", func() {
		outputRoot := s.T().TempDir()
		notifier := &stubNotifier{err: errors.New("webhook down")}
		worker := newWorker(notifier, outputRoot)

		payload := taskPayload(&s.Suite, TaskMessage{TaskID: "n2", Prompt: "p"})
		s.Require().NoError(worker.process(context.Background(), contracts.NewMessage("1-0", payload, 1)))

		s.Assert().Equal(1, notifier.calls)
		s.Assert().Contains(readArtifact(outputRoot, "n2"), "notified: false")
	})

	s.Run("NilNotifierNeverClaims", func() {
		outputRoot := s.T().TempDir()
		worker := newWorker(nil, outputRoot)

		payload := taskPayload(&s.Suite, TaskMessage{TaskID: "n3", Prompt: "p"})
		s.Require().NoError(worker.process(context.Background(), contracts.NewMessage("1-0", payload, 1)))

		s.Assert().Contains(readArtifact(outputRoot, "n3"), "notified: false")
	})

	s.Run("RedeliveryDoesNotRenotify", func() {
		outputRoot := s.T().TempDir()
		notifier := &stubNotifier{}
		worker := newWorker(notifier, outputRoot)

		payload := taskPayload(&s.Suite, TaskMessage{TaskID: "n4", Prompt: "p"})
		s.Require().NoError(worker.process(context.Background(), contracts.NewMessage("1-0", payload, 1)))
		s.Require().NoError(worker.process(context.Background(), contracts.NewMessage("1-1", payload, 2)))

		s.Assert().Equal(1, notifier.calls)
		s.Assert().Contains(readArtifact(outputRoot, "n4"), "notified: false")
	})
}

func (s *TaskWorkerTestSuite) Test_StartConsumesFromQueue() {
	outputRoot := s.T().TempDir()
	exec := &fakeExecutor{result: executor.Result{Status: executor.StatusCompleted, Output: "hello"}}
	worker := s.newTaskWorker(exec, outputRoot)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = worker.Start(ctx)
	}()

	task := TaskMessage{TaskID: "e2e", Prompt: "print hello", Type: "general"}
	s.Require().NoError(s.publisher.PublishTask(context.Background(), &task))

	s.Require().Eventually(func() bool {
		return len(s.resultMessages()) == 1
	}, 5*time.Second, 50*time.Millisecond, "result message was not published")

	// acked and deleted from the tasks stream
	s.Require().Eventually(func() bool {
		length, err := s.tasks.Len(context.Background())
		return err == nil && length == 0
	}, 5*time.Second, 50*time.Millisecond, "task message was not acknowledged")
}
