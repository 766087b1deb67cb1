package engine_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/adred-codev/viewengine/engine"
	"github.com/adred-codev/viewengine/viewtypes"
)

// kvView is a small in-memory namespaced view provider used to exercise the
// engine end-to-end.
type kvView struct {
	id    viewtypes.ViewID
	delay time.Duration

	mu   sync.Mutex
	data map[viewtypes.Namespace]map[string]int
}

func newKVView(id viewtypes.ViewID, seed map[viewtypes.Namespace]map[string]int) *kvView {
	data := make(map[viewtypes.Namespace]map[string]int, len(seed))
	for ns, kv := range seed {
		row := make(map[string]int, len(kv))
		for k, v := range kv {
			row[k] = v
		}
		data[ns] = row
	}
	return &kvView{id: id, data: data}
}

func (v *kvView) ID() viewtypes.ViewID { return v.id }

func (v *kvView) Data(ctx context.Context, ns viewtypes.Namespace, params viewtypes.Parameters) (any, error) {
	if v.delay > 0 {
		select {
		case <-time.After(v.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	key := params[0].(string)
	v.mu.Lock()
	defer v.mu.Unlock()
	val, ok := v.data[ns][key]
	if !ok {
		return nil, fmt.Errorf("kvview %s: unknown key %q in namespace %q", v.id, key, ns)
	}
	return val, nil
}

func (v *kvView) Relevant(ns viewtypes.Namespace, params viewtypes.Parameters, hints []viewtypes.Hint) bool {
	key := params[0].(string)
	for _, h := range hints {
		if h.Namespace == ns && h.Payload == key {
			return true
		}
	}
	return false
}

func (v *kvView) Set(ns viewtypes.Namespace, key string, val int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.data[ns][key] = val
}

type sentMsg struct {
	subscriber viewtypes.SubscriberKey
	sig        viewtypes.ViewSignature
	data       any
}

type sendRecorder struct {
	ch chan sentMsg
}

func newSendRecorder() *sendRecorder {
	return &sendRecorder{ch: make(chan sentMsg, 64)}
}

func (r *sendRecorder) send(k viewtypes.SubscriberKey, sig viewtypes.ViewSignature, data any) {
	r.ch <- sentMsg{k, sig, data}
}

func (r *sendRecorder) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case m := <-r.ch:
		t.Fatalf("expected no send, got %+v", m)
	case <-time.After(d):
	}
}

func (r *sendRecorder) expectOne(t *testing.T) sentMsg {
	t.Helper()
	select {
	case m := <-r.ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a send")
		return sentMsg{}
	}
}

func waitFuture(t *testing.T, f *engine.Future) {
	t.Helper()
	select {
	case <-f.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("future never completed")
	}
}

func TestEngine_BasicSubscribe(t *testing.T) {
	defer goleak.VerifyNone(t)

	view := newKVView("foo", map[viewtypes.Namespace]map[string]int{"a": {"foo": 1}})
	rec := newSendRecorder()

	eng, err := engine.New(engine.Options{
		Views:    []viewtypes.View{view},
		SendFunc: rec.send,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	defer eng.Shutdown(true)

	sig := viewtypes.ViewSignature{Namespace: "a", ViewID: "foo", Parameters: viewtypes.Parameters{"foo"}}
	future, err := eng.Subscribe(context.Background(), sig, 123)
	require.NoError(t, err)
	require.NotNil(t, future)
	waitFuture(t, future)
	assert.NoError(t, future.Err())

	msg := rec.expectOne(t)
	assert.Equal(t, viewtypes.SubscriberKey(123), msg.subscriber)
	assert.Equal(t, sig.WithoutNamespace(), msg.sig)
	assert.Equal(t, 1, msg.data)

	assert.Contains(t, eng.SubscribedViews(), sig)
	assert.Equal(t, 1, eng.ActiveViewCount())
}

func TestEngine_UnsubscribeClearsState(t *testing.T) {
	defer goleak.VerifyNone(t)

	view := newKVView("foo", map[viewtypes.Namespace]map[string]int{"a": {"foo": 1}})
	rec := newSendRecorder()

	eng, err := engine.New(engine.Options{
		Views:    []viewtypes.View{view},
		SendFunc: rec.send,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	defer eng.Shutdown(true)

	sig := viewtypes.ViewSignature{Namespace: "a", ViewID: "foo", Parameters: viewtypes.Parameters{"foo"}}
	future, err := eng.Subscribe(context.Background(), sig, 123)
	require.NoError(t, err)
	waitFuture(t, future)
	rec.expectOne(t)

	eng.Unsubscribe(context.Background(), sig, 123)

	assert.Equal(t, 0, eng.ActiveViewCount())
	assert.Empty(t, eng.SubscribedViews())
}

func TestEngine_TwoSubscribersOneLeaves(t *testing.T) {
	defer goleak.VerifyNone(t)

	view := newKVView("foo", map[viewtypes.Namespace]map[string]int{"a": {"foo": 1}})
	rec := newSendRecorder()

	eng, err := engine.New(engine.Options{
		Views:    []viewtypes.View{view},
		SendFunc: rec.send,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	defer eng.Shutdown(true)

	sig := viewtypes.ViewSignature{Namespace: "a", ViewID: "foo", Parameters: viewtypes.Parameters{"foo"}}
	f1, err := eng.Subscribe(context.Background(), sig, 123)
	require.NoError(t, err)
	f2, err := eng.Subscribe(context.Background(), sig, 456)
	require.NoError(t, err)
	waitFuture(t, f1)
	waitFuture(t, f2)
	rec.expectOne(t)
	rec.expectOne(t)

	eng.Unsubscribe(context.Background(), sig, 123)

	assert.Equal(t, 1, eng.ActiveViewCount())
	assert.Contains(t, eng.SubscribedViews(), sig)
}

// Two independent Subscribe calls for the same signature and key are not
// coalesced: each gets its own initial send, even if the underlying
// compute is shared.
func TestEngine_DuplicateSubscribeSendsTwice(t *testing.T) {
	defer goleak.VerifyNone(t)

	view := newKVView("foo", map[viewtypes.Namespace]map[string]int{"a": {"foo": 1}})
	rec := newSendRecorder()

	eng, err := engine.New(engine.Options{
		Views:    []viewtypes.View{view},
		SendFunc: rec.send,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	defer eng.Shutdown(true)

	sig := viewtypes.ViewSignature{Namespace: "a", ViewID: "foo", Parameters: viewtypes.Parameters{"foo"}}
	f1, err := eng.Subscribe(context.Background(), sig, 123)
	require.NoError(t, err)
	f2, err := eng.Subscribe(context.Background(), sig, 123)
	require.NoError(t, err)
	waitFuture(t, f1)
	waitFuture(t, f2)

	m1 := rec.expectOne(t)
	m2 := rec.expectOne(t)
	assert.Equal(t, m1, m2)

	eng.Unsubscribe(context.Background(), sig, 123)
	assert.Equal(t, 0, eng.ActiveViewCount())
}

func TestEngine_IrrelevantHintIsNoOp(t *testing.T) {
	defer goleak.VerifyNone(t)

	view := newKVView("foo", map[viewtypes.Namespace]map[string]int{"a": {"foo": 1}})
	rec := newSendRecorder()

	eng, err := engine.New(engine.Options{
		Views:           []viewtypes.View{view},
		SendFunc:        rec.send,
		RefreshInterval: 20 * time.Millisecond,
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, err)
	defer eng.Shutdown(true)

	sig := viewtypes.ViewSignature{Namespace: "a", ViewID: "foo", Parameters: viewtypes.Parameters{"foo"}}
	future, err := eng.Subscribe(context.Background(), sig, 123)
	require.NoError(t, err)
	waitFuture(t, future)
	rec.expectOne(t)

	eng.PutHints(viewtypes.Hint{Namespace: "b", Payload: "foo", Type: "memory"})

	rec.expectNone(t, 100*time.Millisecond)
}

// A relevant hint over unchanged data suppresses the send; once the
// underlying data actually changes, exactly one send follows.
func TestEngine_RelevantHintUnchangedDataThenChanged(t *testing.T) {
	defer goleak.VerifyNone(t)

	view := newKVView("foo", map[viewtypes.Namespace]map[string]int{"a": {"foo": 1}})
	rec := newSendRecorder()

	eng, err := engine.New(engine.Options{
		Views:           []viewtypes.View{view},
		SendFunc:        rec.send,
		PutHintsFunc:    nil,
		RefreshInterval: 20 * time.Millisecond,
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, err)
	defer eng.Shutdown(true)

	sig := viewtypes.ViewSignature{Namespace: "a", ViewID: "foo", Parameters: viewtypes.Parameters{"foo"}}
	future, err := eng.Subscribe(context.Background(), sig, 123)
	require.NoError(t, err)
	waitFuture(t, future)
	rec.expectOne(t)

	eng.PutHints(viewtypes.Hint{Namespace: "a", Payload: "foo", Type: "memory"})
	rec.expectNone(t, 150*time.Millisecond)

	view.Set("a", "foo", 21)
	eng.PutHints(viewtypes.Hint{Namespace: "a", Payload: "foo", Type: "memory"})

	msg := rec.expectOne(t)
	assert.Equal(t, 21, msg.data)
}

// Unsubscribing before the initial compute finishes results in no send and
// empty indices once it does.
func TestEngine_UnsubscribeBeforeInitialCompletes(t *testing.T) {
	defer goleak.VerifyNone(t)

	view := newKVView("foo", map[viewtypes.Namespace]map[string]int{"a": {"foo": 1}})
	view.delay = 200 * time.Millisecond
	rec := newSendRecorder()

	eng, err := engine.New(engine.Options{
		Views:    []viewtypes.View{view},
		SendFunc: rec.send,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	defer eng.Shutdown(true)

	sig := viewtypes.ViewSignature{Namespace: "a", ViewID: "foo", Parameters: viewtypes.Parameters{"foo"}}
	future, err := eng.Subscribe(context.Background(), sig, 123)
	require.NoError(t, err)
	eng.Unsubscribe(context.Background(), sig, 123)

	waitFuture(t, future)
	rec.expectNone(t, 400*time.Millisecond)

	assert.Equal(t, 0, eng.ActiveViewCount())
	assert.Empty(t, eng.SubscribedViews())
}

func TestEngine_UnauthorizedSubscribe(t *testing.T) {
	defer goleak.VerifyNone(t)

	view := newKVView("foo", map[viewtypes.Namespace]map[string]int{"a": {"foo": 1}})
	rec := newSendRecorder()

	var unauthCalls int
	var mu sync.Mutex

	eng, err := engine.New(engine.Options{
		Views:    []viewtypes.View{view},
		SendFunc: rec.send,
		AuthFunc: func(context.Context, viewtypes.ViewSignature, viewtypes.SubscriberKey) bool {
			return false
		},
		OnUnauthFunc: func(context.Context, viewtypes.ViewSignature, viewtypes.SubscriberKey) {
			mu.Lock()
			unauthCalls++
			mu.Unlock()
		},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	defer eng.Shutdown(true)

	sig := viewtypes.ViewSignature{Namespace: "a", ViewID: "foo", Parameters: viewtypes.Parameters{"foo"}}
	future, err := eng.Subscribe(context.Background(), sig, 123)
	require.NoError(t, err)
	assert.Nil(t, future)

	rec.expectNone(t, 100*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, unauthCalls)
	mu.Unlock()
	assert.Equal(t, 0, eng.ActiveViewCount())
}

// A signature with no namespace is resolved via NamespaceFunc, and
// unsubscribing with the same un-namespaced sig still removes it.
func TestEngine_NamespaceResolution(t *testing.T) {
	defer goleak.VerifyNone(t)

	view := newKVView("foo", map[viewtypes.Namespace]map[string]int{"b": {"foo": 2}})
	rec := newSendRecorder()

	eng, err := engine.New(engine.Options{
		Views:    []viewtypes.View{view},
		SendFunc: rec.send,
		NamespaceFunc: func(context.Context, viewtypes.ViewSignature, viewtypes.SubscriberKey) viewtypes.Namespace {
			return "b"
		},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	defer eng.Shutdown(true)

	unnamespaced := viewtypes.ViewSignature{ViewID: "foo", Parameters: viewtypes.Parameters{"foo"}}
	future, err := eng.Subscribe(context.Background(), unnamespaced, 123)
	require.NoError(t, err)
	waitFuture(t, future)

	msg := rec.expectOne(t)
	assert.Equal(t, 2, msg.data)
	assert.Equal(t, 1, eng.ActiveViewCount())

	eng.Unsubscribe(context.Background(), unnamespaced, 123)
	assert.Equal(t, 0, eng.ActiveViewCount())
}

// Subscribing to an unregistered view-id is a fatal call error.
func TestEngine_SubscribeUnknownView(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := newSendRecorder()
	eng, err := engine.New(engine.Options{
		SendFunc: rec.send,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	defer eng.Shutdown(true)

	sig := viewtypes.ViewSignature{Namespace: "a", ViewID: "ghost", Parameters: viewtypes.Parameters{"x"}}
	future, err := eng.Subscribe(context.Background(), sig, 123)
	assert.Nil(t, future)
	assert.ErrorIs(t, err, engine.ErrUnknownView)
}

func TestEngine_New_RequiresSendFunc(t *testing.T) {
	_, err := engine.New(engine.Options{})
	assert.ErrorIs(t, err, engine.ErrNotConfigured)
}
