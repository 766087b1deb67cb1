package watcher_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/adred-codev/viewengine/hintset"
	"github.com/adred-codev/viewengine/refreshqueue"
	"github.com/adred-codev/viewengine/registry"
	"github.com/adred-codev/viewengine/subindex"
	"github.com/adred-codev/viewengine/viewtypes"
	"github.com/adred-codev/viewengine/watcher"
)

type stubView struct {
	id       viewtypes.ViewID
	relevant bool
}

func (v *stubView) ID() viewtypes.ViewID { return v.id }
func (v *stubView) Data(context.Context, viewtypes.Namespace, viewtypes.Parameters) (any, error) {
	return nil, nil
}
func (v *stubView) Relevant(viewtypes.Namespace, viewtypes.Parameters, []viewtypes.Hint) bool {
	return v.relevant
}

func TestWatcher_OffersRelevantSubscribedSigs(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := registry.New()
	reg.AddViews(&stubView{id: "foo", relevant: true}, &stubView{id: "bar", relevant: false})

	idx := subindex.New()
	sigFoo := viewtypes.ViewSignature{Namespace: "a", ViewID: "foo"}
	sigBar := viewtypes.ViewSignature{Namespace: "a", ViewID: "bar"}
	idx.Subscribe(sigFoo, "alice")
	idx.Subscribe(sigBar, "alice")

	hints := hintset.New()
	hints.Queue(viewtypes.Hint{Namespace: "a", Payload: "foo", Type: "memory"})

	queue := refreshqueue.New(10)

	w := watcher.New(10*time.Millisecond, hints, reg, idx, queue, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	deadline := time.After(2 * time.Second)
	for {
		if queue.Len() > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("watcher never enqueued the relevant sig")
		case <-time.After(5 * time.Millisecond):
		}
	}

	got, ok := queue.Dequeue(context.Background())
	require.True(t, ok)
	assert.Equal(t, sigFoo, got)
	assert.Equal(t, 0, queue.Len())

	w.Stop()
	cancel()
}

func TestWatcher_SkipsUnregisteredView(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := registry.New()
	idx := subindex.New()
	idx.Subscribe(viewtypes.ViewSignature{Namespace: "a", ViewID: "ghost"}, "alice")

	hints := hintset.New()
	hints.Queue(viewtypes.Hint{Namespace: "a", Payload: "x", Type: "memory"})

	queue := refreshqueue.New(10)
	w := watcher.New(5*time.Millisecond, hints, reg, idx, queue, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, queue.Len())

	w.Stop()
	cancel()
}
