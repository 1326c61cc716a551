package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatlog-pipeline/internal/usecase/pipeline"
)

type fakeRunner struct {
	mu      sync.Mutex
	summary pipeline.RunSummary
	runErr  error
	runs    int
	sweeps  int
	stale   []time.Duration
}

func (f *fakeRunner) Run(context.Context, pipeline.RunOptions) (pipeline.RunSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	return f.summary, f.runErr
}

func (f *fakeRunner) SweepRetries(context.Context) (pipeline.SweepSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return pipeline.SweepSummary{}, nil
}

func (f *fakeRunner) RecoverStale(_ context.Context, olderThan time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stale = append(f.stale, olderThan)
	return 0, nil
}

type fakeNotifier struct {
	texts []string
}

func (f *fakeNotifier) Notify(_ context.Context, text string) error {
	f.texts = append(f.texts, text)
	return nil
}

func TestTickRunNotifiesOnWork(t *testing.T) {
	runner := &fakeRunner{summary: pipeline.RunSummary{RunID: "r1", Processed: 2}}
	notifier := &fakeNotifier{}
	w := &worker{pipeline: runner, notifier: notifier, staleAfter: 30 * time.Minute, log: zerolog.Nop()}

	w.tickRun(context.Background())
	if runner.runs != 1 || len(runner.stale) != 1 || runner.stale[0] != 30*time.Minute {
		t.Fatalf("ожидали проверку зависших и один запуск: %+v", runner)
	}
	if len(notifier.texts) != 1 || !strings.Contains(notifier.texts[0], "Обработано: 2") {
		t.Fatalf("ожидали уведомление с итогами, получили %v", notifier.texts)
	}
}

func TestTickRunSilentWhenIdle(t *testing.T) {
	notifier := &fakeNotifier{}
	w := &worker{pipeline: &fakeRunner{}, notifier: notifier, log: zerolog.Nop()}
	w.tickRun(context.Background())
	if len(notifier.texts) != 0 {
		t.Fatalf("пустой запуск не должен уведомлять")
	}

	w.pipeline = &fakeRunner{runErr: errors.New("db down")}
	w.tickRun(context.Background())
	if len(notifier.texts) != 0 {
		t.Fatalf("ошибка запуска не должна уведомлять")
	}
}

func TestLoopStopsOnCancel(t *testing.T) {
	runner := &fakeRunner{}
	w := &worker{pipeline: runner, log: zerolog.Nop()}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.loop(ctx, time.Hour, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		runner.mu.Lock()
		sweeps := runner.sweeps
		runner.mu.Unlock()
		if sweeps >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("проход по очереди повторов не запускался")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("цикл не остановился после отмены")
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if runner.runs != 1 {
		t.Fatalf("ожидали один стартовый запуск, получили %d", runner.runs)
	}
}
