package main

import (
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/zhubert/plural-kernel/config"
	"github.com/zhubert/plural-kernel/logger"
	"github.com/zhubert/plural-kernel/message"
)

func TestConsole_HandlersNeverBlock(t *testing.T) {
	logger.Reset()
	if err := logger.Init(os.DevNull); err != nil {
		t.Fatalf("logger.Init failed: %v", err)
	}
	t.Cleanup(logger.Reset)

	c := newConsole(config.Default(), strings.NewReader(""), io.Discard, io.Discard)
	s := message.NewSession("tester")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 3 * cap(c.replies) {
			m, _ := s.Msg(message.TypeExecuteReply, message.ExecuteReply{Status: message.StatusOK}, nil)
			c.onReply(m)
		}
		for range 3 {
			m, _ := s.Msg(message.TypeInputRequest, message.InputRequest{Prompt: "> "}, nil)
			c.onInputRequest(m)
		}
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("handlers blocked with nobody reading")
	}
	if got := len(c.replies); got != cap(c.replies) {
		t.Errorf("buffered replies = %d, want %d", got, cap(c.replies))
	}
	if got := len(c.inputReqs); got != 1 {
		t.Errorf("buffered input requests = %d, want 1", got)
	}
}
