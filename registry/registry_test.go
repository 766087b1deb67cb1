package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/viewengine/registry"
	"github.com/adred-codev/viewengine/viewtypes"
)

type stubView struct{ id viewtypes.ViewID }

func (v stubView) ID() viewtypes.ViewID { return v.id }
func (v stubView) Data(context.Context, viewtypes.Namespace, viewtypes.Parameters) (any, error) {
	return nil, nil
}
func (v stubView) Relevant(viewtypes.Namespace, viewtypes.Parameters, []viewtypes.Hint) bool {
	return false
}

func TestGet_UnknownViewIsAbsent(t *testing.T) {
	r := registry.New()
	_, ok := r.Get("missing")
	assert.False(t, ok)
}

func TestAddViews_InsertsByID(t *testing.T) {
	r := registry.New()
	r.AddViews(stubView{id: "foo"})

	v, ok := r.Get("foo")
	require.True(t, ok)
	assert.Equal(t, viewtypes.ViewID("foo"), v.ID())
}

func TestAddViews_ReplacesExistingID(t *testing.T) {
	r := registry.New()
	r.AddViews(stubView{id: "foo"})
	r.AddViews(stubView{id: "foo"})

	_, ok := r.Get("foo")
	assert.True(t, ok)
}
