package mailchimp

import (
	"context"
	"sync"
)

type spyCall struct {
	apiCall string
	payload map[string]any
}

// spyTransport records every call and answers from responses, falling back
// to response.
type spyTransport struct {
	mu        sync.Mutex
	calls     []spyCall
	response  string
	responses map[string]string
	err       error
}

func newSpy(response string) *spyTransport {
	return &spyTransport{response: response, responses: map[string]string{}}
}

func (s *spyTransport) Request(_ context.Context, apiCall string, payload map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, spyCall{apiCall: apiCall, payload: payload})
	if s.err != nil {
		return "", s.err
	}
	if resp, ok := s.responses[apiCall]; ok {
		return resp, nil
	}
	return s.response, nil
}

func (s *spyTransport) lastCall() spyCall {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.calls) == 0 {
		return spyCall{}
	}
	return s.calls[len(s.calls)-1]
}

func (s *spyTransport) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.calls)
}
