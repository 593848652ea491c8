package kernel

import (
	"context"
	"strconv"

	"github.com/zhubert/plural-kernel/message"
)

func (k *Kernel) executeRequest(ctx context.Context, m *message.Message) (any, error) {
	var req message.ExecuteRequest
	if err := m.Decode(&req); err != nil {
		return nil, err
	}

	if !req.Silent {
		k.pub.Publish(message.TypePyin, message.Pyin{Code: req.Code}, m)
	}

	ec := newExecContext(m, k.pub, k.stdin)
	payload, err := k.shell.Execute(ctx, req.Code, ec)
	ec.Close()

	prompt := k.shell.Prompt()
	reply := message.ExecuteReply{
		Status:       message.StatusOK,
		Payload:      payload,
		PromptNumber: prompt.Count,
		NextPrompt: &message.NextPrompt{
			PromptString: prompt.Next,
			PromptNumber: prompt.Count + 1,
			InputSep:     prompt.InputSep,
		},
	}
	if err != nil {
		errContent := errorContent(err)
		reply.Status = message.StatusError
		reply.Payload = nil
		reply.EName = errContent.EName
		reply.EValue = errContent.EValue
		reply.Traceback = errContent.Traceback
		return reply, err
	}
	return reply, nil
}

func (k *Kernel) completeRequest(_ context.Context, m *message.Message) (any, error) {
	var req message.CompleteRequest
	if err := m.Decode(&req); err != nil {
		return nil, err
	}
	cursor := len(req.Text)
	if req.CursorPos != nil {
		cursor = *req.CursorPos
	}
	matches := k.shell.Complete(req.Text, req.Line, cursor)
	if matches == nil {
		matches = []string{}
	}
	return message.CompleteReply{Matches: matches, Status: message.StatusOK}, nil
}

func (k *Kernel) objectInfoRequest(_ context.Context, m *message.Message) (any, error) {
	var req message.ObjectInfoRequest
	if err := m.Decode(&req); err != nil {
		return nil, err
	}
	return message.ObjectInfoReply{DocString: k.shell.ObjectInfo(req.OName)}, nil
}

func (k *Kernel) promptRequest(_ context.Context, _ *message.Message) (any, error) {
	prompt := k.shell.Prompt()
	return message.PromptReply{
		PromptString: prompt.Next,
		PromptNumber: prompt.Count + 1,
		InputSep:     prompt.InputSep,
	}, nil
}

func (k *Kernel) historyRequest(_ context.Context, m *message.Message) (any, error) {
	var req message.HistoryRequest
	if err := m.Decode(&req); err != nil {
		return nil, err
	}
	hist := k.shell.History(req.Index, req.Raw, req.Output)
	out := make(map[string]string, len(hist))
	for n, src := range hist {
		out[strconv.Itoa(n)] = src
	}
	return message.HistoryReply{History: out}, nil
}
