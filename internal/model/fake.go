package model

import (
	"context"
	"errors"
	"sync"
)

// Fake is a scripted in-memory Model for tests. Responses are consumed in
// order; once the script runs out every call returns the final response.
type Fake struct {
	mu       sync.Mutex
	script   []Response
	err      error
	requests []Request
}

// NewFake builds a fake that plays back the given responses.
func NewFake(script ...Response) *Fake {
	return &Fake{script: script}
}

// Fail makes every subsequent call return err.
func (f *Fake) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Complete(ctx context.Context, req Request) (Response, error) {
	if f == nil {
		return Response{}, errors.New("nil fake model")
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return Response{}, f.err
	}
	if len(f.script) == 0 {
		return Response{Text: "ok", FinishReason: "stop"}, nil
	}
	resp := f.script[0]
	if len(f.script) > 1 {
		f.script = f.script[1:]
	}
	return resp, nil
}

// Requests returns a copy of all requests seen so far.
func (f *Fake) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.requests))
	copy(out, f.requests)
	return out
}
